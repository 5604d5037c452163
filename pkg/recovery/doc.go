/*
Package recovery keeps the cluster consistent across restarts and
failures.

At startup every Running run is failed with the orphan-recovery class
(runs cannot have survived the previous process), Running workflow
executions are failed, the approval and queue backlogs are logged, and
containers labeled with unknown run ids are reaped through the fleet.

While the process runs, the dead-run monitor applies three cascades to
Running runs on a timer: stale runs are softly terminated, zombies and
overdue runs are force killed. Every termination ends in a Failed run
with a summary, a published status event and a finding.
*/
package recovery
