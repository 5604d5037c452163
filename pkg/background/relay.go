package background

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/types"
)

const (
	runningThrottle = 15 * time.Second
	progressBucket  = 10
)

type relayState struct {
	lastState   types.BackgroundWorkState
	lastBucket  int
	lastMessage string
	lastPublish time.Time
}

// Relay forwards background-work updates to the event broker. Running
// progress is throttled to one publish per work id per 15 seconds and
// only re-published on a state change, a 10% progress bucket change or
// a message change.
type Relay struct {
	coordinator *Coordinator
	broker      *events.Broker
	now         func() time.Time

	mu       sync.Mutex
	seen     map[string]*relayState
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRelay creates a relay between the coordinator and the broker
func NewRelay(coordinator *Coordinator, broker *events.Broker) *Relay {
	return &Relay{
		coordinator: coordinator,
		broker:      broker,
		now:         time.Now,
		seen:        make(map[string]*relayState),
		stopCh:      make(chan struct{}),
	}
}

// Start begins forwarding updates
func (r *Relay) Start() {
	updates := r.coordinator.SubscribeUpdated()
	go func() {
		for {
			select {
			case id := <-updates:
				if work, ok := r.coordinator.TryGet(id); ok {
					r.Observe(work)
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts forwarding
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Observe applies the throttle policy to one snapshot and publishes
// when the policy allows. Exposed for tests.
func (r *Relay) Observe(work types.BackgroundWork) {
	r.mu.Lock()
	state, ok := r.seen[work.ID]
	if !ok {
		state = &relayState{lastBucket: -1}
		r.seen[work.ID] = state
	}

	now := r.now()
	publish := false

	if work.State != state.lastState {
		// State transitions always publish
		publish = true
	} else if work.State == types.WorkStateRunning {
		bucket := -1
		if work.Percent >= 0 {
			bucket = work.Percent / progressBucket
		}
		changed := bucket != state.lastBucket || work.Message != state.lastMessage
		if changed && now.Sub(state.lastPublish) >= runningThrottle {
			publish = true
		}
	}

	if publish {
		state.lastState = work.State
		if work.Percent >= 0 {
			state.lastBucket = work.Percent / progressBucket
		}
		state.lastMessage = work.Message
		state.lastPublish = now
	}
	r.mu.Unlock()

	if !publish {
		return
	}

	message := work.Message
	if message == "" {
		message = fmt.Sprintf("%s is %s", work.Kind, work.State)
	}
	r.broker.Publish(&events.Event{
		Type:    events.EventBackgroundWork,
		Message: message,
		Metadata: map[string]string{
			"work_id": work.ID,
			"kind":    string(work.Kind),
			"state":   string(work.State),
		},
	})
}
