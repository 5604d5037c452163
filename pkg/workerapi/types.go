package workerapi

import (
	"encoding/json"
	"fmt"

	"github.com/forgeops/foreman/pkg/types"
)

// Container labels set on every dispatched container
const (
	LabelRunID     = "orchestrator.run-id"
	LabelTaskID    = "orchestrator.task-id"
	LabelRepoID    = "orchestrator.repo-id"
	LabelProjectID = "orchestrator.project-id"
)

// Well-known event kinds on the worker event stream
const (
	EventKindLogChunk  = "log_chunk"
	EventKindCompleted = "completed"
)

// DispatchRequest carries everything a task runtime needs to execute a run
type DispatchRequest struct {
	RunID              string               `json:"runId"`
	TaskID             string               `json:"taskId"`
	RepositoryID       string               `json:"repositoryId"`
	ProjectID          string               `json:"projectId,omitempty"`
	Harness            string               `json:"harness"`
	Command            string               `json:"command"`
	Prompt             string               `json:"prompt"`
	ExecTimeoutSeconds int                  `json:"execTimeoutSeconds"`
	Attempt            int                  `json:"attempt"`
	Sandbox            types.SandboxProfile `json:"sandbox"`
	Artifacts          types.ArtifactPolicy `json:"artifacts"`
	GitURL             string               `json:"gitUrl"`
	ArtifactPath       string               `json:"artifactPath"`
	Labels             map[string]string    `json:"labels"`
	Env                map[string]string    `json:"env"`
}

// DispatchResult is the worker's admission decision; idempotent by run id
type DispatchResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CancelRequest asks a runtime to stop a run; fire-and-forget
type CancelRequest struct {
	RunID string `json:"runId"`
}

// CancelResult acknowledges a cancel request
type CancelResult struct{}

// SubscribeRequest opens the fleet-wide event stream
type SubscribeRequest struct{}

// Event is one message on the worker event stream
type Event struct {
	Kind        string `json:"kind"`
	RunID       string `json:"runId"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestampMs"`
	PayloadJSON string `json:"payloadJson,omitempty"`
}

// KillRequest force-terminates a run's container
type KillRequest struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// KillResult reports the outcome of a kill
type KillResult struct {
	Killed      bool   `json:"killed"`
	ContainerID string `json:"containerId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReconcileRequest lists every run id the control plane still knows
type ReconcileRequest struct {
	ActiveRunIDs []string `json:"activeRunIds"`
}

// ReconcileResult reports containers removed as orphans. An orphan is a
// container labeled with a run-id not in the active set.
type ReconcileResult struct {
	RemovedCount int      `json:"removedCount"`
	RemovedIDs   []string `json:"removedIds,omitempty"`
}

// Heartbeat is the periodic worker -> control-plane report
type Heartbeat struct {
	WorkerID    string `json:"workerId"`
	HostName    string `json:"hostName"`
	ActiveSlots int    `json:"activeSlots"`
	MaxSlots    int    `json:"maxSlots"`
	Timestamp   int64  `json:"timestamp"`
}

// HeartbeatAck acknowledges a heartbeat
type HeartbeatAck struct{}

// Envelope is the JSON body of a completed event
type Envelope struct {
	Status   string            `json:"status"`
	Summary  string            `json:"summary"`
	Error    string            `json:"error"`
	Metadata map[string]string `json:"metadata"`
}

// Succeeded reports whether the envelope carries a successful completion
func (e *Envelope) Succeeded() bool {
	return e.Status == "succeeded"
}

// PRURL returns metadata.prUrl when present
func (e *Envelope) PRURL() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata["prUrl"]
}

// ParseEnvelope decodes a completed-event payload
func ParseEnvelope(payload string) (*Envelope, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty completion payload")
	}
	var envelope Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse completion envelope: %w", err)
	}
	return &envelope, nil
}
