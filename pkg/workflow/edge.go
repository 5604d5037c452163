package workflow

import (
	"math"
	"strconv"
	"strings"

	"github.com/forgeops/foreman/pkg/types"
)

// numeric equality tolerance
const epsilon = 1e-4

// Node is the slice of a workflow node an edge condition can read
type Node struct {
	State   string
	Summary string
	Attempt int
	Type    string
}

// EvalInput is the dictionary edge conditions resolve against
type EvalInput struct {
	Run     *types.Run
	Node    *Node
	Context map[string]string
}

// EvaluateEdge evaluates a single-predicate expression of the form
// "<operand> <op> <literal>". Empty conditions hold; unparseable
// conditions do not.
func EvaluateEdge(condition string, input *EvalInput) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	operand, op, literal, ok := splitCondition(condition)
	if !ok {
		return false
	}

	value, ok := resolveOperand(operand, input)
	if !ok {
		return false
	}
	literal = unquote(literal)

	left, leftErr := strconv.ParseFloat(value, 64)
	right, rightErr := strconv.ParseFloat(literal, 64)
	if leftErr == nil && rightErr == nil {
		return compareNumeric(left, right, op)
	}
	return compareString(value, literal, op)
}

// operators ordered so two-rune forms match before their one-rune
// prefixes
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

func splitCondition(condition string) (operand, op, literal string, ok bool) {
	for _, candidate := range operators {
		idx := strings.Index(condition, candidate)
		if idx <= 0 {
			continue
		}
		operand = strings.TrimSpace(condition[:idx])
		literal = strings.TrimSpace(condition[idx+len(candidate):])
		if operand == "" || literal == "" {
			return "", "", "", false
		}
		return operand, candidate, literal, true
	}
	return "", "", "", false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// resolveOperand walks the dotted path against run, node and context
func resolveOperand(path string, input *EvalInput) (string, bool) {
	lower := strings.ToLower(path)

	switch {
	case strings.HasPrefix(lower, "run."):
		if input.Run == nil {
			return "", false
		}
		switch lower[len("run."):] {
		case "state":
			return string(input.Run.State), true
		case "summary":
			return input.Run.Summary, true
		case "attempt":
			return strconv.Itoa(input.Run.Attempt), true
		case "failureclass":
			return string(input.Run.FailureClass), true
		}
		return "", false

	case strings.HasPrefix(lower, "node."):
		if input.Node == nil {
			return "", false
		}
		switch lower[len("node."):] {
		case "state":
			return input.Node.State, true
		case "summary":
			return input.Node.Summary, true
		case "attempt":
			return strconv.Itoa(input.Node.Attempt), true
		case "type":
			return input.Node.Type, true
		}
		return "", false

	case strings.HasPrefix(lower, "context."):
		return lookupContext(input.Context, path[len("context."):])

	default:
		return lookupContext(input.Context, path)
	}
}

func lookupContext(context map[string]string, name string) (string, bool) {
	if context == nil {
		return "", false
	}
	if value, ok := context[name]; ok {
		return value, true
	}
	// Context names resolve case-insensitively like the other paths
	for key, value := range context {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

func compareNumeric(left, right float64, op string) bool {
	switch op {
	case "==":
		return math.Abs(left-right) <= epsilon
	case "!=":
		return math.Abs(left-right) > epsilon
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "<":
		return left < right
	case "<=":
		return left <= right
	}
	return false
}

func compareString(left, right, op string) bool {
	switch op {
	case "==":
		return strings.EqualFold(left, right)
	case "!=":
		return !strings.EqualFold(left, right)
	}
	// Ordering is unsupported for strings
	return false
}
