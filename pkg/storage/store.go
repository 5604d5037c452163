package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/forgeops/foreman/pkg/types"
)

var (
	// ErrNotFound is returned when a requested document does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an update loses a compare-and-swap race
	ErrConflict = errors.New("conflict")
)

// Store defines the interface for control-plane state storage.
// It is implemented by the BoltDB-backed store and by an in-memory
// store used in tests.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)

	// Repositories
	CreateRepository(ctx context.Context, repo *types.Repository) error
	GetRepository(ctx context.Context, id string) (*types.Repository, error)
	ListRepositories(ctx context.Context) ([]*types.Repository, error)
	UpdateRepository(ctx context.Context, repo *types.Repository) error

	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context) ([]*types.Task, error)
	UpdateTask(ctx context.Context, task *types.Task) error
	// ListDueTasks returns enabled tasks (cron and one-shot) with NextRunAt <= now,
	// oldest first, at most max entries.
	ListDueTasks(ctx context.Context, now time.Time, max int) ([]*types.Task, error)

	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	UpdateRun(ctx context.Context, run *types.Run) error
	MarkRunPendingApproval(ctx context.Context, id string) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, id string, succeeded bool, summary string, output []byte, failureClass types.FailureClass, prURL string) error
	// Active counts cover runs occupying execution capacity (Running);
	// queued and pending-approval runs do not count against admission
	// limits.
	CountActiveRuns(ctx context.Context) (int, error)
	CountActiveRunsByProject(ctx context.Context, projectID string) (int, error)
	CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error)
	CountActiveRunsByTask(ctx context.Context, taskID string) (int, error)
	ListRunsByState(ctx context.Context, state types.RunState) ([]*types.Run, error)
	ListAllRunIDs(ctx context.Context) ([]string, error)
	// OldestQueuedRunForTask orders by CreatedAt, then ID.
	OldestQueuedRunForTask(ctx context.Context, taskID string) (*types.Run, error)

	// Findings
	CreateFinding(ctx context.Context, finding *types.Finding) error
	ListFindings(ctx context.Context) ([]*types.Finding, error)

	// Automations
	ListAutomations(ctx context.Context) ([]*types.Automation, error)
	UpdateAutomation(ctx context.Context, automation *types.Automation) error
	CreateAutomation(ctx context.Context, automation *types.Automation) error
	ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*types.Automation, error)
	CreateAutomationRun(ctx context.Context, record *types.AutomationRun) error

	// Task runtimes
	CreateRuntime(ctx context.Context, rt *types.TaskRuntime) error
	GetRuntime(ctx context.Context, id string) (*types.TaskRuntime, error)
	ListRuntimes(ctx context.Context) ([]*types.TaskRuntime, error)
	UpdateRuntime(ctx context.Context, rt *types.TaskRuntime) error
	DeleteRuntime(ctx context.Context, id string) error

	// Leases
	// TryAcquireLease succeeds iff no live lease exists under name or the
	// owner already holds it. Returns false without error when held by
	// another owner.
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error

	// Settings
	GetSettings(ctx context.Context) (*types.Settings, error)
	SaveSettings(ctx context.Context, settings *types.Settings) error

	// Artifacts
	// SaveArtifact persists one run artifact from a stream and returns
	// the number of bytes written.
	SaveArtifact(ctx context.Context, runID, name string, r io.Reader) (int64, error)

	// Structured events
	// AppendStructuredEvent is idempotent by (RunID, Sequence).
	AppendStructuredEvent(ctx context.Context, event *types.StructuredEvent) error
	// ListStructuredEvents returns events for a run ordered by sequence,
	// at most the newest max entries.
	ListStructuredEvents(ctx context.Context, runID string, max int) ([]*types.StructuredEvent, error)
	// NextRunSequence allocates the next per-run event sequence.
	NextRunSequence(ctx context.Context, runID string) (int64, error)

	// Workflow executions
	ListWorkflowExecutionsByState(ctx context.Context, state types.WorkflowExecutionState) ([]*types.WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error
	CreateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error

	// Utility
	Close() error
}
