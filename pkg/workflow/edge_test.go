package workflow

import (
	"testing"

	"github.com/forgeops/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
)

func input() *EvalInput {
	return &EvalInput{
		Run: &types.Run{
			State:        types.RunStateFailed,
			Summary:      "Tests failed",
			Attempt:      2,
			FailureClass: types.FailureClassTimeout,
		},
		Node: &Node{
			State:   "succeeded",
			Summary: "node done",
			Attempt: 1,
			Type:    "agent",
		},
		Context: map[string]string{
			"branch":  "main",
			"retries": "3",
			"score":   "0.85",
		},
	}
}

func TestEvaluateEdge(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty condition holds", "", true},
		{"whitespace condition holds", "   ", true},

		{"run state equality", "run.state == failed", true},
		{"run state inequality", "run.state != succeeded", true},
		{"run state case-insensitive", "run.state == FAILED", true},
		{"run failure class", "run.failureClass == timeout", true},
		{"run summary", `run.summary == "tests failed"`, true},
		{"run attempt numeric", "run.attempt >= 2", true},
		{"run attempt strict", "run.attempt > 2", false},

		{"node state", "node.state == succeeded", true},
		{"node type", "node.type == agent", true},
		{"node attempt", "node.attempt < 2", true},

		{"context dotted", "context.branch == main", true},
		{"context bare", "branch == main", true},
		{"context numeric order", "retries > 1", true},
		{"context numeric equality tolerance", "score == 0.85001", true},
		{"context numeric beyond tolerance", "score == 0.86", false},
		{"numeric inequality", "retries != 4", true},

		{"string ordering unsupported", "branch > apple", false},
		{"unknown operand", "run.nope == 1", false},
		{"unknown context name", "missing == 1", false},
		{"no operator", "run.state failed", false},
		{"missing literal", "run.state ==", false},
		{"garbage", "&&&", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateEdge(tt.condition, input()))
		})
	}
}

func TestEvaluateEdgeNilParts(t *testing.T) {
	empty := &EvalInput{}
	assert.False(t, EvaluateEdge("run.state == failed", empty))
	assert.False(t, EvaluateEdge("node.state == x", empty))
	assert.False(t, EvaluateEdge("context.x == 1", empty))
	assert.True(t, EvaluateEdge("", empty))
}

func TestQuotedLiterals(t *testing.T) {
	in := input()
	assert.True(t, EvaluateEdge(`branch == "main"`, in))
	assert.True(t, EvaluateEdge("branch == 'main'", in))
}
