/*
Package workerapi defines the control plane's RPC contract with the
task-runtime fleet: job dispatch, cancellation, the fleet-wide event
stream, container kills, orphan reconciliation and heartbeats.

The transport is gRPC with a JSON codec over hand-registered service
descriptors; the protocol has no generated message types because the
wire format is a deployment detail, only the semantics here are the
contract. DispatchJob is idempotent by run id; SubscribeEvents delivers
at least once and consumers dedup structured events by (run, sequence).

FakeClient provides the same surface in memory for tests.
*/
package workerapi
