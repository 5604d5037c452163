/*
Package types defines the shared domain model for the Foreman control plane.

The central entities are Task (a schedulable definition), Run (one
execution attempt of a task) and TaskRuntime (a pooled single-slot
container that executes runs). Supporting entities cover leases,
background work snapshots, structured run events, findings, automations
and workflow executions.

State machines:

	Run:         queued -> (pending_approval ->) running -> succeeded|failed|cancelled
	TaskRuntime: provisioning -> starting -> ready <-> busy
	             ready -> draining -> stopping -> stopped
	             ready -> quarantined, starting -> failed_start

A run's EndedAt is set exactly when its state is terminal, and its
Attempt never exceeds the task's retry policy.
*/
package types
