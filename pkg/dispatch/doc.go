/*
Package dispatch places runs onto task runtimes.

Placement order: the approval gate first (no runtime involved), then the
admission limits — global, per-project, per-repository, per-task — each
of which leaves the run Queued when exceeded. An admitted run gets a
layered prompt (collection, repository and task instruction files above
the base prompt), decrypted provider secrets mapped to canonical env
names, harness settings, container labels, and is offered to the fleet
over the worker RPC. Rejection fails the run and records a finding;
acceptance marks it started.
*/
package dispatch
