/*
Package listener consumes the fleet-wide worker event stream over a
single long-lived subscription, reconnecting with a small backoff when
the stream drops and exiting cleanly on shutdown.

Log chunks are published without persistence; every other
non-completion event is persisted as a structured run event. Completion
events are parsed as result envelopes and projected into terminal run
state with a keyword-derived failure class, after which the run's proxy
route is removed, a finding is recorded on failure, and the retry
policy is evaluated with capped exponential backoff.
*/
package listener
