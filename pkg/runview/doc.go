// Package runview projects a run's structured events into bounded
// in-memory views: a timeline, recognized thinking fragments, tool
// invocations (upserted by call id) and the current diff snapshot.
// Views hydrate lazily from the newest stored events, apply
// idempotently by sequence, and are serialized by a per-run mutex.
package runview
