package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkFunc is the unit of background work. It receives a context tied to
// both coordinator shutdown and per-job cancellation, and a progress
// reporter it may call as often as it likes.
type WorkFunc func(ctx context.Context, progress Progress) error

// Progress reports job progress. Percent is clamped to 0-100; pass a
// negative value to leave it unset.
type Progress func(percent int, message string)

// Options modify Enqueue behavior
type Options struct {
	// DedupeByOperationKey returns the id of an existing non-terminal
	// item with the same operation key instead of enqueuing.
	DedupeByOperationKey bool
	// Critical marks work whose failure should page rather than warn.
	Critical bool
}

type workItem struct {
	snapshot types.BackgroundWork
	fn       WorkFunc
	cancel   context.CancelFunc
}

// Coordinator runs deduplicated fire-and-forget jobs on a single
// consumer goroutine, tracking a progress snapshot per job.
type Coordinator struct {
	mu       sync.Mutex
	items    map[string]*workItem
	queue    chan string
	updated  []chan string
	recorder metrics.Recorder
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCoordinator creates a coordinator with the given queue capacity
func NewCoordinator(queueDepth int, recorder metrics.Recorder) *Coordinator {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Coordinator{
		items:    make(map[string]*workItem),
		queue:    make(chan string, queueDepth),
		recorder: recorder,
		logger:   log.WithComponent("background"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the single worker loop
func (c *Coordinator) Start() {
	go c.run()
}

// Stop cancels in-flight work and stops the worker loop
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// Enqueue registers work and returns its id. With DedupeByOperationKey
// set, an existing non-terminal item under the same operation key wins
// and its id is returned instead.
func (c *Coordinator) Enqueue(kind types.BackgroundWorkKind, operationKey string, fn WorkFunc, opts Options) (string, error) {
	c.mu.Lock()

	if opts.DedupeByOperationKey && operationKey != "" {
		for id, item := range c.items {
			if item.snapshot.OperationKey == operationKey && !item.snapshot.State.Terminal() {
				c.mu.Unlock()
				return id, nil
			}
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	c.items[id] = &workItem{
		snapshot: types.BackgroundWork{
			ID:           id,
			Kind:         kind,
			OperationKey: operationKey,
			State:        types.WorkStatePending,
			Percent:      -1,
			StartedAt:    now,
			UpdatedAt:    now,
			Critical:     opts.Critical,
		},
		fn: fn,
	}
	c.mu.Unlock()

	select {
	case c.queue <- id:
	case <-c.stopCh:
		c.mutate(id, func(w *types.BackgroundWork) {
			w.State = types.WorkStateCancelled
		})
		return id, errors.New("coordinator stopped")
	}

	c.notify(id)
	return id, nil
}

// Cancel requests cancellation of a pending or running item
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	item, ok := c.items[id]
	var cancel context.CancelFunc
	if ok {
		if item.cancel != nil {
			cancel = item.cancel
		} else if item.snapshot.State == types.WorkStatePending {
			item.snapshot.State = types.WorkStateCancelled
			item.snapshot.UpdatedAt = time.Now().UTC()
		}
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ok {
		c.notify(id)
	}
}

// TryGet returns a snapshot of one item
func (c *Coordinator) TryGet(id string) (types.BackgroundWork, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return types.BackgroundWork{}, false
	}
	return item.snapshot, true
}

// Snapshot returns stable copies of every item, newest first
func (c *Coordinator) Snapshot() []types.BackgroundWork {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.BackgroundWork, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// SubscribeUpdated returns a channel receiving work ids on every
// snapshot mutation
func (c *Coordinator) SubscribeUpdated() <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan string, 64)
	c.updated = append(c.updated, ch)
	return ch
}

func (c *Coordinator) notify(id string) {
	c.mu.Lock()
	subs := make([]chan string, len(c.updated))
	copy(subs, c.updated)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- id:
		default:
		}
	}
}

func (c *Coordinator) mutate(id string, fn func(*types.BackgroundWork)) {
	c.mu.Lock()
	if item, ok := c.items[id]; ok {
		fn(&item.snapshot)
		item.snapshot.UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()
	c.notify(id)
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case id := <-c.queue:
			c.execute(id)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) execute(id string) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok || item.snapshot.State != types.WorkStatePending {
		c.mu.Unlock()
		return
	}

	// Composite cancellation: shutdown or per-job cancel
	ctx, cancel := context.WithCancel(context.Background())
	item.cancel = cancel
	item.snapshot.State = types.WorkStateRunning
	item.snapshot.UpdatedAt = time.Now().UTC()
	fn := item.fn
	kind := item.snapshot.Kind
	c.mu.Unlock()
	c.notify(id)

	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	progress := func(percent int, message string) {
		c.mutate(id, func(w *types.BackgroundWork) {
			if percent >= 0 {
				if percent > 100 {
					percent = 100
				}
				w.Percent = percent
			}
			if message != "" {
				w.Message = message
			}
		})
	}

	err := runWork(ctx, fn, progress)
	cancel()

	var state types.BackgroundWorkState
	switch {
	case err == nil:
		state = types.WorkStateSucceeded
	case errors.Is(err, context.Canceled):
		state = types.WorkStateCancelled
	default:
		state = types.WorkStateFailed
	}

	c.mutate(id, func(w *types.BackgroundWork) {
		w.State = state
		if state == types.WorkStateFailed {
			w.ErrorCode = "work_failed"
			w.ErrorMessage = err.Error()
		}
	})
	c.recorder.BackgroundWorkDone(string(state))

	if state == types.WorkStateFailed {
		c.logger.Error().Err(err).Str("work_id", id).Str("kind", string(kind)).Msg("Background work failed")
	}
}

// runWork isolates panics from user work so the consumer loop survives
func runWork(ctx context.Context, fn WorkFunc, progress Progress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background work panicked: %v", r)
		}
	}()
	return fn(ctx, progress)
}
