/*
Package storage persists control-plane state: tasks, runs, task runtimes,
leases, findings, automations, structured events, settings and workflow
executions.

Store is the single source of truth for cross-process state. Two
implementations exist:

  - BoltStore, backed by BoltDB with one bucket per entity and
    JSON-marshalled documents. Lease compare-and-swap and run state
    transitions execute inside a single write transaction.
  - MemStore, a mutex-guarded in-memory store used by tests.

Run state transitions are enforced here: MarkRunCompleted is idempotent
and keeps the first terminal state, MarkRunPendingApproval only moves a
queued run, MarkRunStarted refuses terminal runs. Structured events are
idempotent by (run id, sequence).
*/
package storage
