package workerapi

import (
	"context"
	"io"
	"sync"
)

// FakeClient is an in-memory Client for tests and local development.
// Dispatches are recorded; events are fed through Emit.
type FakeClient struct {
	mu sync.Mutex

	// RejectReason, when set, refuses every dispatch with the reason
	RejectReason string
	// DispatchErr, when set, fails the dispatch RPC itself
	DispatchErr error

	Dispatched []*DispatchRequest
	Cancelled  []string
	Killed     []*KillRequest

	// ReconcileFn overrides orphan reconciliation
	ReconcileFn func(activeRunIDs []string) *ReconcileResult

	events chan *Event
	closed bool
}

// NewFakeClient creates a fake with a buffered event stream
func NewFakeClient() *FakeClient {
	return &FakeClient{events: make(chan *Event, 256)}
}

func (f *FakeClient) DispatchJob(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DispatchErr != nil {
		return nil, f.DispatchErr
	}
	if f.RejectReason != "" {
		return &DispatchResult{Accepted: false, Reason: f.RejectReason}, nil
	}
	for _, existing := range f.Dispatched {
		if existing.RunID == req.RunID {
			// Idempotent by run id
			return &DispatchResult{Accepted: true}, nil
		}
	}
	f.Dispatched = append(f.Dispatched, req)
	return &DispatchResult{Accepted: true}, nil
}

func (f *FakeClient) CancelJob(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, runID)
	return nil
}

func (f *FakeClient) SubscribeEvents(ctx context.Context) (EventStream, error) {
	return &fakeEventStream{client: f, ctx: ctx}, nil
}

// Emit feeds an event to the subscribed stream
func (f *FakeClient) Emit(event *Event) {
	f.events <- event
}

type fakeEventStream struct {
	client *FakeClient
	ctx    context.Context
}

func (s *fakeEventStream) Recv() (*Event, error) {
	select {
	case event, ok := <-s.client.events:
		if !ok {
			return nil, io.EOF
		}
		return event, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeEventStream) Close() error { return nil }

func (f *FakeClient) KillContainer(ctx context.Context, runID, reason string, force bool) (*KillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, &KillRequest{RunID: runID, Reason: reason, Force: force})
	return &KillResult{Killed: true, ContainerID: "container-" + runID}, nil
}

func (f *FakeClient) ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReconcileFn != nil {
		return f.ReconcileFn(activeRunIDs), nil
	}
	return &ReconcileResult{}, nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// DispatchCount returns how many dispatches were accepted
func (f *FakeClient) DispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Dispatched)
}
