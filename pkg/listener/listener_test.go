package listener

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/dispatch"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/security"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fixture struct {
	store    *storage.MemStore
	client   *workerapi.FakeClient
	listener *Listener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.SaveSettings(ctx, &types.Settings{}))

	secrets, err := security.NewSecretsManagerFromPassword("test")
	require.NoError(t, err)

	client := workerapi.NewFakeClient()
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Store:    store,
		Settings: settings.NewProvider(store),
		Secrets:  secrets,
		Client:   client,
	})

	return &fixture{
		store:  store,
		client: client,
		listener: NewListener(Config{
			Store:      store,
			Client:     client,
			Dispatcher: dispatcher,
		}),
	}
}

func (f *fixture) seedRun(t *testing.T, attempt, maxAttempts int) *types.Run {
	t.Helper()
	ctx := context.Background()
	repo := &types.Repository{ID: "repo-1"}
	require.NoError(t, f.store.CreateRepository(ctx, repo))
	task := &types.Task{
		ID:           "task-1",
		RepositoryID: repo.ID,
		Retry:        types.RetryPolicy{MaxAttempts: maxAttempts, BaseBackoffSeconds: 10, Multiplier: 2},
	}
	require.NoError(t, f.store.CreateTask(ctx, task))

	run := &types.Run{
		ID:           "run-1",
		TaskID:       task.ID,
		RepositoryID: repo.ID,
		Attempt:      attempt,
		State:        types.RunStateRunning,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(ctx, run))
	return run
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name  string
		error string
		want  types.FailureClass
	}{
		{"envelope validation", "Envelope validation: missing status", types.FailureClassEnvelopeValidation},
		{"timeout", "execution timeout hit", types.FailureClassTimeout},
		{"cancelled", "run was Cancelled by user", types.FailureClassTimeout},
		{"unknown", "segfault", types.FailureClassNone},
		{"empty", "", types.FailureClassNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.error))
		})
	}
}

func TestRetryDelay(t *testing.T) {
	policy := types.RetryPolicy{MaxAttempts: 3, BaseBackoffSeconds: 10, Multiplier: 2}

	assert.Equal(t, 10*time.Second, RetryDelay(policy, 1))
	assert.Equal(t, 20*time.Second, RetryDelay(policy, 2))
	assert.Equal(t, 40*time.Second, RetryDelay(policy, 3))

	// The interval between attempts never exceeds 300 seconds
	big := types.RetryPolicy{MaxAttempts: 20, BaseBackoffSeconds: 60, Multiplier: 10}
	assert.Equal(t, 300*time.Second, RetryDelay(big, 5))
}

func TestCompletedSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 1, 3)

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:        workerapi.EventKindCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"succeeded","summary":"all green","metadata":{"prUrl":"https://pr/1"}}`,
	})

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateSucceeded, run.State)
	assert.Equal(t, "all green", run.Summary)
	assert.Equal(t, "https://pr/1", run.PRURL)
	require.NotNil(t, run.EndedAt)

	findings, err := f.store.ListFindings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// Worker-reported failure at the attempt cap: classified, finding
// created, no further retry.
func TestCompletedFailureAtAttemptCap(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 3, 3)

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:        workerapi.EventKindCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"failed","summary":"oops","error":"timeout hit"}`,
	})
	f.listener.Stop()

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Equal(t, types.FailureClassTimeout, run.FailureClass)

	findings, err := f.store.ListFindings(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, types.FailureClassTimeout, findings[0].FailureClass)

	queued, err := f.store.ListRunsByState(context.Background(), types.RunStateQueued)
	require.NoError(t, err)
	assert.Empty(t, queued, "no retry past the attempt cap")
}

func TestUnparseableEnvelopeFailsRun(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 3, 3)

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:        workerapi.EventKindCompleted,
		RunID:       "run-1",
		PayloadJSON: `{{{`,
	})
	f.listener.Stop()

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Equal(t, types.FailureClassEnvelopeValidation, run.FailureClass)
}

// Retry after failure: the fresh attempt carries attempt+1 and goes
// back through the dispatcher.
func TestDispatchRetryCreatesNextAttempt(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t, 1, 3)
	task, err := f.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)

	f.listener.dispatchRetry(context.Background(), run, task)

	require.Equal(t, 1, f.client.DispatchCount())
	assert.Equal(t, 2, f.client.Dispatched[0].Attempt)
	assert.NotEqual(t, run.ID, f.client.Dispatched[0].RunID)
}

func TestLogChunkNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 1, 3)

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:    workerapi.EventKindLogChunk,
		RunID:   "run-1",
		Message: "streaming output",
	})

	events, err := f.store.ListStructuredEvents(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOtherEventsPersisted(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 1, 3)

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:        "tool_call",
		RunID:       "run-1",
		Message:     "ran tests",
		TimestampMs: time.Now().UnixMilli(),
		PayloadJSON: `{"category":"tool","toolName":"bash"}`,
	})

	events, err := f.store.ListStructuredEvents(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_call", events[0].EventType)
	assert.Equal(t, "tool", events[0].Category)
	assert.Equal(t, "ran tests", events[0].Summary)
}

func TestEventWithOwnSequenceDedups(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 1, 3)

	event := &workerapi.Event{
		Kind:        "status",
		RunID:       "run-1",
		Message:     "first delivery",
		PayloadJSON: `{"sequence":5}`,
	}
	f.listener.handleEvent(context.Background(), event)

	// At-least-once delivery: the same message arrives again
	dup := *event
	dup.Message = "second delivery"
	f.listener.handleEvent(context.Background(), &dup)

	events, err := f.store.ListStructuredEvents(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "first delivery", events[0].Summary)
}

type nullStream struct{ err error }

func (s *nullStream) Recv() (*workerapi.Event, error) { return nil, s.err }
func (s *nullStream) Close() error                    { return nil }

func TestConsumeStopsCleanlyOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.listener.consume(ctx, &nullStream{err: context.Canceled})
}

func TestRouteCleanupOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, 1, 3)

	cleaner := &recordingCleaner{}
	f.listener.routes = cleaner

	f.listener.handleEvent(context.Background(), &workerapi.Event{
		Kind:        workerapi.EventKindCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"succeeded","summary":"done"}`,
	})

	assert.Equal(t, []string{"run-1"}, cleaner.removed)
}

type recordingCleaner struct{ removed []string }

func (r *recordingCleaner) RemoveRoute(runID string) { r.removed = append(r.removed, runID) }
