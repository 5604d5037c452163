package scheduler

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
	store      *storage.MemStore
	client     *workerapi.FakeClient
	scheduler  *CronScheduler
	provider   *settings.Provider
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, doc *types.Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()
	if doc == nil {
		doc = &types.Settings{}
	}
	require.NoError(t, store.SaveSettings(ctx, doc))
	provider := settings.NewProvider(store)

	secrets, err := security.NewSecretsManagerFromPassword("test")
	require.NoError(t, err)

	client := workerapi.NewFakeClient()
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Store:    store,
		Settings: provider,
		Secrets:  secrets,
		Client:   client,
	})

	return &fixture{
		store:      store,
		client:     client,
		scheduler:  NewCronScheduler(store, provider, dispatcher, nil),
		provider:   provider,
		dispatcher: dispatcher,
	}
}

func (f *fixture) cronTask(t *testing.T, id string, nextRun time.Time) *types.Task {
	t.Helper()
	ctx := context.Background()
	repo := &types.Repository{ID: "repo-" + id, Name: id}
	require.NoError(t, f.store.CreateRepository(ctx, repo))

	task := &types.Task{
		ID:           id,
		RepositoryID: repo.ID,
		Kind:         types.TaskKindCron,
		CronExpr:     "*/5 * * * *",
		NextRunAt:    &nextRun,
		Enabled:      true,
		Harness:      "codex",
	}
	require.NoError(t, f.store.CreateTask(ctx, task))
	return task
}

// Simple cron dispatch: a due task becomes a Running run and the
// schedule advances strictly past now+1s.
func TestTickDispatchesDueTask(t *testing.T) {
	f := newFixture(t, nil)
	before := time.Now().UTC()
	f.cronTask(t, "task-1", before.Add(-time.Second))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Equal(t, 1, f.client.DispatchCount())
	running, err := f.store.ListRunsByState(context.Background(), types.RunStateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "task-1", running[0].TaskID)
	assert.Equal(t, 1, running[0].Attempt)

	got, err := f.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(before.Add(time.Second)), "next run must be strictly after now+1s")
}

func TestTickSkipsWhenGlobalCapReached(t *testing.T) {
	f := newFixture(t, &types.Settings{MaxGlobalConcurrentRuns: 1})
	f.cronTask(t, "task-1", time.Now().Add(-time.Second))
	require.NoError(t, f.store.CreateRun(context.Background(), &types.Run{
		ID: "busy", TaskID: "other", State: types.RunStateRunning, CreatedAt: time.Now(),
	}))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Zero(t, f.client.DispatchCount())
	queued, err := f.store.ListRunsByState(context.Background(), types.RunStateQueued)
	require.NoError(t, err)
	assert.Empty(t, queued, "no run created while the cap holds")
}

// Admission deferral: the run is created but stays queued and no
// worker RPC is issued.
func TestTickDefersOnRepoLimit(t *testing.T) {
	f := newFixture(t, &types.Settings{PerRepoConcurrencyLimit: 1, MaxGlobalConcurrentRuns: 8})
	task := f.cronTask(t, "task-1", time.Now().Add(-time.Second))
	require.NoError(t, f.store.CreateRun(context.Background(), &types.Run{
		ID: "busy", TaskID: "other", RepositoryID: task.RepositoryID,
		State: types.RunStateRunning, CreatedAt: time.Now(),
	}))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Zero(t, f.client.DispatchCount())
	queued, err := f.store.ListRunsByState(context.Background(), types.RunStateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "task-1", queued[0].TaskID)
}

func TestOneShotConsumedOnFiring(t *testing.T) {
	f := newFixture(t, nil)
	task := f.cronTask(t, "task-1", time.Now().Add(-time.Second))
	task.Kind = types.TaskKindOneShot
	require.NoError(t, f.store.UpdateTask(context.Background(), task))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	got, err := f.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	// A second tick fires nothing
	require.NoError(t, f.scheduler.Tick(context.Background()))
	assert.Equal(t, 1, f.client.DispatchCount())
}

func TestTickSkipsTaskWithMissingRepo(t *testing.T) {
	f := newFixture(t, nil)
	nextRun := time.Now().Add(-time.Second)
	task := &types.Task{
		ID: "task-1", RepositoryID: "gone", Kind: types.TaskKindCron,
		CronExpr: "*/5 * * * *", NextRunAt: &nextRun, Enabled: true,
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))

	require.NoError(t, f.scheduler.Tick(context.Background()))
	assert.Zero(t, f.client.DispatchCount())
}

func TestFlushQueuedHeads(t *testing.T) {
	f := newFixture(t, nil)
	f.cronTask(t, "task-1", time.Now().Add(time.Hour))

	// A queued run left over from an earlier deferral
	require.NoError(t, f.store.CreateRun(context.Background(), &types.Run{
		ID: "leftover", TaskID: "task-1", RepositoryID: "repo-task-1",
		Attempt: 1, State: types.RunStateQueued, CreatedAt: time.Now().Add(-time.Minute),
	}))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Equal(t, 1, f.client.DispatchCount())
	assert.Equal(t, "leftover", f.client.Dispatched[0].RunID)
}

func TestTickIntervalFloor(t *testing.T) {
	f := newFixture(t, &types.Settings{SchedulerIntervalSeconds: 1})
	assert.Equal(t, MinTickInterval, f.scheduler.tickInterval(context.Background()))
}

func TestNextCronTimeStrictlyAfter(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextCronTime("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next)

	_, err = NextCronTime("not a cron", from)
	assert.Error(t, err)
}

func TestInvalidCronDisablesTask(t *testing.T) {
	f := newFixture(t, nil)
	task := f.cronTask(t, "task-1", time.Now().Add(-time.Second))
	task.CronExpr = "garbage"
	require.NoError(t, f.store.UpdateTask(context.Background(), task))

	require.NoError(t, f.scheduler.Tick(context.Background()))

	got, err := f.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}
