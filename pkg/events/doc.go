// Package events provides the in-process event broker. Run status
// changes, runtime lifecycle transitions and background-work updates
// are published into a bounded intake queue and fanned out to filtered
// subscriptions by a single delivery goroutine. Publish never blocks;
// a subscription that cannot keep up loses events (counted on the
// subscription) and re-reads state from the store. Shutdown follows
// the coordinator idiom used across the control plane: a stop channel
// trips delivery and a done channel confirms the goroutine drained.
package events
