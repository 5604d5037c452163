package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/log"
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

func newService(t *testing.T, doc *types.Settings) (*Service, *storage.MemStore, *workerapi.FakeClient) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()
	if doc == nil {
		doc = &types.Settings{}
	}
	require.NoError(t, store.SaveSettings(ctx, doc))

	client := workerapi.NewFakeClient()
	service := NewService(Config{
		Store:    store,
		Client:   client,
		Settings: settings.NewProvider(store),
	})
	return service, store, client
}

func runAt(id string, state types.RunState, started time.Time) *types.Run {
	startedAt := started
	return &types.Run{
		ID:        id,
		TaskID:    "task-" + id,
		Attempt:   1,
		State:     state,
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &startedAt,
	}
}

// Recovery on restart: Running runs fail with the orphan class, queued
// and pending-approval runs stay untouched.
func TestStartupRecovery(t *testing.T) {
	service, store, _ := newService(t, nil)
	ctx := context.Background()

	twoHoursAgo := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.CreateRun(ctx, runAt("r1", types.RunStateRunning, twoHoursAgo)))
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "r2", State: types.RunStateQueued, CreatedAt: time.Now()}))
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "r3", State: types.RunStatePendingApproval, CreatedAt: time.Now()}))

	require.NoError(t, service.RunStartupRecovery(ctx))

	r1, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, r1.State)
	assert.Equal(t, types.FailureClassOrphanRecovery, r1.FailureClass)
	require.NotNil(t, r1.EndedAt)

	r2, err := store.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateQueued, r2.State)

	r3, err := store.GetRun(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatePendingApproval, r3.State)

	findings, err := store.ListFindings(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "r1", findings[0].RunID)
}

func TestStartupRecoveryFailsRunningWorkflows(t *testing.T) {
	service, store, _ := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateWorkflowExecution(ctx, &types.WorkflowExecution{
		ID: "wf-1", State: types.WorkflowStateRunning, StartedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.CreateWorkflowExecution(ctx, &types.WorkflowExecution{
		ID: "wf-2", State: types.WorkflowStateSucceeded, StartedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, service.RunStartupRecovery(ctx))

	failed, err := store.ListWorkflowExecutionsByState(ctx, types.WorkflowStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "wf-1", failed[0].ID)
	assert.NotNil(t, failed[0].EndedAt)
}

func TestStartupRecoveryReconcilesOrphanContainers(t *testing.T) {
	service, store, client := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "known", State: types.RunStateQueued, CreatedAt: time.Now()}))

	var got []string
	client.ReconcileFn = func(activeRunIDs []string) *workerapi.ReconcileResult {
		got = activeRunIDs
		return &workerapi.ReconcileResult{RemovedCount: 2, RemovedIDs: []string{"c1", "c2"}}
	}

	require.NoError(t, service.RunStartupRecovery(ctx))
	assert.Equal(t, []string{"known"}, got)
}

func deadRunSettings() *types.Settings {
	return &types.Settings{
		EnableAutoTermination:     true,
		StaleRunThresholdMinutes:  30,
		ZombieRunThresholdMinutes: 120,
		MaxRunAgeHours:            12,
	}
}

func TestStaleRunSoftTerminated(t *testing.T) {
	service, store, client := newService(t, deadRunSettings())
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, runAt("stale", types.RunStateRunning, time.Now().Add(-40*time.Minute).UTC())))

	require.NoError(t, service.CheckDeadRuns(ctx))

	run, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Equal(t, types.FailureClassStaleRun, run.FailureClass)

	assert.Equal(t, []string{"stale"}, client.Cancelled, "stale runs are cancelled, not killed")
	assert.Empty(t, client.Killed)
}

func TestZombieRunForceKilled(t *testing.T) {
	service, store, client := newService(t, deadRunSettings())
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, runAt("zombie", types.RunStateRunning, time.Now().Add(-3*time.Hour).UTC())))

	require.NoError(t, service.CheckDeadRuns(ctx))

	run, err := store.GetRun(ctx, "zombie")
	require.NoError(t, err)
	assert.Equal(t, types.FailureClassZombieRun, run.FailureClass)

	require.Len(t, client.Killed, 1)
	assert.Equal(t, "zombie", client.Killed[0].RunID)
	assert.True(t, client.Killed[0].Force)
	assert.Empty(t, client.Cancelled)
}

// Runs older than MaxRunAgeHours are terminated within one monitor
// cycle.
func TestOverdueRunTerminatedInOneCycle(t *testing.T) {
	service, store, client := newService(t, deadRunSettings())
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, runAt("overdue", types.RunStateRunning, time.Now().Add(-13*time.Hour).UTC())))

	require.NoError(t, service.CheckDeadRuns(ctx))

	run, err := store.GetRun(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Equal(t, types.FailureClassOverdueRun, run.FailureClass)
	require.Len(t, client.Killed, 1)
}

func TestHealthyRunUntouched(t *testing.T) {
	service, store, client := newService(t, deadRunSettings())
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, runAt("fresh", types.RunStateRunning, time.Now().Add(-5*time.Minute).UTC())))

	require.NoError(t, service.CheckDeadRuns(ctx))

	run, err := store.GetRun(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateRunning, run.State)
	assert.Empty(t, client.Cancelled)
	assert.Empty(t, client.Killed)
}

func TestEveryTerminationCreatesFinding(t *testing.T) {
	service, store, _ := newService(t, deadRunSettings())
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, runAt("stale", types.RunStateRunning, time.Now().Add(-40*time.Minute).UTC())))
	require.NoError(t, store.CreateRun(ctx, runAt("zombie", types.RunStateRunning, time.Now().Add(-3*time.Hour).UTC())))

	require.NoError(t, service.CheckDeadRuns(ctx))

	findings, err := store.ListFindings(ctx)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}
