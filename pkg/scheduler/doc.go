/*
Package scheduler drives time-based admission of work into runs.

CronScheduler ticks on a drift-compensated interval (floor two
seconds): each tick admits due tasks up to the global concurrency cap,
creates a queued run per task, hands it to the dispatcher, advances the
task's next firing (or consumes one-shots), then flushes the head of
each task's queued backlog until the cap fills. Multi-replica
deployments serialize ticks through the lease coordinator.

AutomationScheduler does the same for user-defined automation
definitions and records an execution-history row per firing.
*/
package scheduler
