package types

import (
	"time"
)

// Project groups repositories for admission accounting
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Repository is a source checkout that tasks execute against
type Repository struct {
	ID           string
	ProjectID    string
	Name         string
	GitURL       string
	ArtifactPath string
	// Embedded instruction files, concatenated into the layered prompt
	InstructionFiles []*InstructionFile
	// Collection memberships, highest priority first
	Collections []*InstructionCollection
	// Provider secrets keyed by secret name
	Secrets   []*ProviderSecret
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstructionFile is one prompt layer scoped to a repository or task
type InstructionFile struct {
	Name    string
	Content string
	Order   int
	Enabled bool
}

// InstructionCollection is a shared, priority-ordered set of instruction files
type InstructionCollection struct {
	ID       string
	Name     string
	Priority int
	Enabled  bool
	Files    []*InstructionFile
}

// ProviderSecret is an encrypted credential attached to a repository
type ProviderSecret struct {
	Name     string
	Provider string // github, codex, opencode, claude-code, zai, ...
	Data     []byte // AES-256-GCM, nonce prepended
}

// TaskKind defines how a task is admitted into runs
type TaskKind string

const (
	TaskKindOneShot TaskKind = "oneshot"
	TaskKindCron    TaskKind = "cron"
	TaskKindManual  TaskKind = "manual"
)

// RetryPolicy controls re-dispatch after failed attempts
type RetryPolicy struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	Multiplier         float64
}

// SandboxProfile bounds the container a run executes in
type SandboxProfile struct {
	CPULimit        float64
	MemoryLimitMB   int64
	PidsLimit       int64
	NetworkDisabled bool
	ReadOnlyRootfs  bool
}

// ArtifactPolicy caps what a run may persist
type ArtifactPolicy struct {
	MaxCount      int
	MaxTotalBytes int64
}

// ApprovalProfile gates dispatch behind a human decision
type ApprovalProfile struct {
	RequireApproval bool
}

// HarnessSettings tune the agent-execution adapter on the worker
type HarnessSettings struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Additional settings surfaced as HARNESS_<UPPER_SNAKE> env
	Additional map[string]string
}

// Task is a schedulable definition: command, prompt, policies
type Task struct {
	ID               string
	RepositoryID     string
	Name             string
	Harness          string // codex, opencode, claude-code, zai, ...
	Command          string
	Prompt           string
	InstructionFiles []*InstructionFile
	Kind             TaskKind
	CronExpr         string
	NextRunAt        *time.Time
	Enabled          bool
	Retry            RetryPolicy
	ExecTimeout      time.Duration
	OverallTimeout   time.Duration
	Sandbox          SandboxProfile
	Artifacts        ArtifactPolicy
	Approval         ApprovalProfile
	ConcurrencyLimit int
	AutoCreatePR     bool
	Harnessing       HarnessSettings
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RunState is the lifecycle state of one execution attempt
type RunState string

const (
	RunStateQueued          RunState = "queued"
	RunStatePendingApproval RunState = "pending_approval"
	RunStateRunning         RunState = "running"
	RunStateSucceeded       RunState = "succeeded"
	RunStateFailed          RunState = "failed"
	RunStateCancelled       RunState = "cancelled"
)

// Terminal reports whether the state ends a run
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCancelled
}

// FailureClass labels why a run failed
type FailureClass string

const (
	FailureClassNone               FailureClass = ""
	FailureClassEnvelopeValidation FailureClass = "envelope_validation"
	FailureClassTimeout            FailureClass = "timeout"
	FailureClassOrphanRecovery     FailureClass = "orphan_recovery"
	FailureClassStaleRun           FailureClass = "stale_run"
	FailureClassZombieRun          FailureClass = "zombie_run"
	FailureClassOverdueRun         FailureClass = "overdue_run"
	FailureClassDispatchRejected   FailureClass = "dispatch_rejected"
)

// Run is one execution attempt of a task
type Run struct {
	ID               string
	TaskID           string
	RepositoryID     string
	ProjectID        string
	Attempt          int
	State            RunState
	CreatedAt        time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
	Summary          string
	FailureClass     FailureClass
	Output           []byte // opaque JSON payload from the harness
	PRURL            string
	SessionProfileID string
	AutomationRunID  string
}

// LastActivity returns the newest of StartedAt and CreatedAt
func (r *Run) LastActivity() time.Time {
	if r.StartedAt != nil && r.StartedAt.After(r.CreatedAt) {
		return *r.StartedAt
	}
	return r.CreatedAt
}

// TaskRuntimeState is the lifecycle state of a pooled execution container
type TaskRuntimeState string

const (
	RuntimeStateProvisioning TaskRuntimeState = "provisioning"
	RuntimeStateStarting     TaskRuntimeState = "starting"
	RuntimeStateReady        TaskRuntimeState = "ready"
	RuntimeStateBusy         TaskRuntimeState = "busy"
	RuntimeStateDraining     TaskRuntimeState = "draining"
	RuntimeStateStopping     TaskRuntimeState = "stopping"
	RuntimeStateStopped      TaskRuntimeState = "stopped"
	RuntimeStateQuarantined  TaskRuntimeState = "quarantined"
	RuntimeStateFailedStart  TaskRuntimeState = "failed_start"
)

// Schedulable reports whether a runtime in this state may accept a dispatch
func (s TaskRuntimeState) Schedulable() bool {
	return s == RuntimeStateReady
}

// TaskRuntime is a remote container executing runs; single-slot
type TaskRuntime struct {
	ID            string
	ContainerID   string
	Endpoint      string // grpc endpoint
	State         TaskRuntimeState
	ActiveSlots   int
	MaxSlots      int
	LastHeartbeat time.Time
	StartedAt     time.Time
	DispatchCount int
	Draining      bool
	ImageRef      string
	ImageDigest   string
}

// Lease is a named TTL reservation held by one owner
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Live reports whether the lease is still held at now
func (l *Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// BackgroundWorkKind classifies async jobs
type BackgroundWorkKind string

const (
	WorkKindImageResolution  BackgroundWorkKind = "runtime_image_resolution"
	WorkKindVectorBootstrap  BackgroundWorkKind = "litedb_vector_bootstrap"
	WorkKindRepoGitRefresh   BackgroundWorkKind = "repository_git_refresh"
	WorkKindRecovery         BackgroundWorkKind = "recovery"
	WorkKindTaskTemplateInit BackgroundWorkKind = "task_template_init"
	WorkKindOther            BackgroundWorkKind = "other"
)

// BackgroundWorkState is the lifecycle state of an async job
type BackgroundWorkState string

const (
	WorkStatePending   BackgroundWorkState = "pending"
	WorkStateRunning   BackgroundWorkState = "running"
	WorkStateSucceeded BackgroundWorkState = "succeeded"
	WorkStateFailed    BackgroundWorkState = "failed"
	WorkStateCancelled BackgroundWorkState = "cancelled"
)

// Terminal reports whether the work state is final
func (s BackgroundWorkState) Terminal() bool {
	return s == WorkStateSucceeded || s == WorkStateFailed || s == WorkStateCancelled
}

// BackgroundWork is a progress snapshot of an internal async job
type BackgroundWork struct {
	ID           string
	Kind         BackgroundWorkKind
	OperationKey string
	State        BackgroundWorkState
	Percent      int // 0-100, -1 when unset
	Message      string
	StartedAt    time.Time
	UpdatedAt    time.Time
	ErrorCode    string
	ErrorMessage string
	Critical     bool
}

// StructuredEvent is one ordered event in a run's event stream
type StructuredEvent struct {
	RunID         string
	Sequence      int64
	EventType     string
	Category      string
	Payload       []byte // opaque JSON
	SchemaVersion int
	Summary       string
	Error         string
	Timestamp     time.Time
}

// Finding is a persisted failure record surfaced to users
type Finding struct {
	ID           string
	RunID        string
	TaskID       string
	Title        string
	Detail       string
	FailureClass FailureClass
	CreatedAt    time.Time
}

// Automation is a user-defined scheduled definition driving runs
type Automation struct {
	ID          string
	Name        string
	Enabled     bool
	CronExpr    string
	NextRunAt   *time.Time
	TaskID      string
	LastSummary string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutomationRun is one execution-history row for an automation
type AutomationRun struct {
	ID           string
	AutomationID string
	RunID        string
	FiredAt      time.Time
	Outcome      string
}

// WorkflowExecutionState is the lifecycle state of a workflow execution
type WorkflowExecutionState string

const (
	WorkflowStateRunning   WorkflowExecutionState = "running"
	WorkflowStateSucceeded WorkflowExecutionState = "succeeded"
	WorkflowStateFailed    WorkflowExecutionState = "failed"
	WorkflowStateCancelled WorkflowExecutionState = "cancelled"
)

// WorkflowExecution tracks a multi-node agent-team workflow
type WorkflowExecution struct {
	ID        string
	State     WorkflowExecutionState
	StartedAt time.Time
	EndedAt   *time.Time
	Summary   string
}

// Settings is the persisted, mutable configuration document.
// Numeric fields are clamped by the settings provider before use.
type Settings struct {
	SchedulerIntervalSeconds   int
	MaxGlobalConcurrentRuns    int
	PerProjectConcurrencyLimit int
	PerRepoConcurrencyLimit    int

	// Runtime pool
	MinWorkers                    int
	MaxWorkers                    int
	ReserveWorkers                int
	MaxQueueDepth                 int
	QueueWaitTimeoutSeconds       int
	WorkerImagePolicy             string
	ImageRegistry                 string
	CanaryImage                   string
	CanaryPercent                 int
	MaxConcurrentPulls            int
	MaxConcurrentBuilds           int
	PullTimeoutSeconds            int
	BuildTimeoutSeconds           int
	ImageCacheTTLMinutes          int
	MaxWorkerStartAttemptsPer10Min int
	MaxFailedStartsPer10Min        int
	CooldownMinutes               int
	ContainerStartTimeoutSeconds  int
	ContainerStopTimeoutSeconds   int
	HealthProbeIntervalSeconds    int
	RestartLimit                  int
	UnhealthyAction               string
	DrainOnShutdown               bool
	RecycleAfterRuns              int
	RecycleAfterUptimeMinutes     int
	CPULimit                      float64
	MemoryLimitMB                 int64
	PidsLimit                     int64
	FDLimit                       int64
	RunHardTimeoutSeconds         int
	MaxRunLogMB                   int
	PressureScalingEnabled        bool
	CPUPressureThreshold          float64
	MemoryPressureThreshold       float64

	// Dead-run detection
	EnableAutoTermination    bool
	CheckIntervalSeconds     int
	StaleRunThresholdMinutes  int
	ZombieRunThresholdMinutes int
	MaxRunAgeHours           int
	ForceKillOnTimeout       bool
}
