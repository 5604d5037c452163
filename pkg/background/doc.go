/*
Package background provides the deduplicated async-job facility used by
bootstrap, image resolution and repository refresh.

A Coordinator owns a single consumer goroutine. Enqueue registers work
and returns immediately; with dedup enabled, at most one non-terminal
item exists per operation key. Work receives a context cancelled on
shutdown or per-job cancel and a progress reporter; every snapshot
mutation fires an Updated notification.

Relay subscribes to those notifications and forwards them to the event
broker under the throttle policy: running-progress publishes at most
once per 15 seconds per work item, and only when the state, the 10%
progress bucket, or the message changed.
*/
package background
