package background

import (
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayHarness drives Observe directly with a controllable clock
type relayHarness struct {
	relay  *Relay
	broker *events.Broker
	sub    *events.Subscription
	now    time.Time
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	h := &relayHarness{
		broker: broker,
		sub:    broker.Subscribe(events.EventBackgroundWork),
		now:    time.Unix(1000000, 0),
	}
	h.relay = NewRelay(NewCoordinator(1, nil), broker)
	h.relay.now = func() time.Time { return h.now }
	return h
}

// drain waits for the broker goroutine to flush and counts delivered
// events
func (h *relayHarness) drain(t *testing.T) int {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	count := 0
	for {
		select {
		case <-h.sub.C():
			count++
		default:
			return count
		}
	}
}

func work(state types.BackgroundWorkState, percent int, message string) types.BackgroundWork {
	return types.BackgroundWork{
		ID:      "work-1",
		Kind:    types.WorkKindRepoGitRefresh,
		State:   state,
		Percent: percent,
		Message: message,
	}
}

func TestStateChangeAlwaysPublishes(t *testing.T) {
	h := newRelayHarness(t)

	h.relay.Observe(work(types.WorkStatePending, -1, ""))
	h.relay.Observe(work(types.WorkStateRunning, 0, "starting"))
	h.relay.Observe(work(types.WorkStateSucceeded, 100, "done"))

	assert.Equal(t, 3, h.drain(t))
}

func TestRunningProgressThrottledTo15s(t *testing.T) {
	h := newRelayHarness(t)

	h.relay.Observe(work(types.WorkStateRunning, 0, "step"))
	require.Equal(t, 1, h.drain(t))

	// Progress bucket changes inside the throttle window stay quiet
	h.now = h.now.Add(5 * time.Second)
	h.relay.Observe(work(types.WorkStateRunning, 30, "step"))
	assert.Equal(t, 0, h.drain(t))

	// Past the window the pending change publishes
	h.now = h.now.Add(11 * time.Second)
	h.relay.Observe(work(types.WorkStateRunning, 30, "step"))
	assert.Equal(t, 1, h.drain(t))
}

func TestRunningWithoutChangeStaysQuiet(t *testing.T) {
	h := newRelayHarness(t)

	h.relay.Observe(work(types.WorkStateRunning, 42, "crunching"))
	require.Equal(t, 1, h.drain(t))

	// Same bucket, same message, even after the window
	h.now = h.now.Add(time.Minute)
	h.relay.Observe(work(types.WorkStateRunning, 44, "crunching"))
	assert.Equal(t, 0, h.drain(t))
}

func TestMessageChangePublishesAfterThrottle(t *testing.T) {
	h := newRelayHarness(t)

	h.relay.Observe(work(types.WorkStateRunning, 10, "phase one"))
	require.Equal(t, 1, h.drain(t))

	h.now = h.now.Add(16 * time.Second)
	h.relay.Observe(work(types.WorkStateRunning, 10, "phase two"))
	assert.Equal(t, 1, h.drain(t))
}
