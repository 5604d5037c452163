package runtimes

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newManager(t *testing.T, doc *types.Settings) (*Manager, *FakeProvisioner, *storage.MemStore) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()
	if doc == nil {
		doc = &types.Settings{MinWorkers: 2, MaxWorkers: 4}
	}
	require.NoError(t, store.SaveSettings(ctx, doc))

	provisioner := NewFakeProvisioner()
	manager := NewManager(Config{
		Store:       store,
		Provisioner: provisioner,
		Settings:    settings.NewProvider(store),
		ImageRef:    "registry.example.com/runtime:stable",
	})
	return manager, provisioner, store
}

func TestEnsureImageAvailable(t *testing.T) {
	manager, provisioner, _ := newManager(t, nil)
	require.NoError(t, manager.EnsureImageAvailable(context.Background()))
	assert.Equal(t, []string{"registry.example.com/runtime:stable"}, provisioner.Pulled)
}

func TestEnsureImageFailure(t *testing.T) {
	manager, provisioner, _ := newManager(t, nil)
	provisioner.PullErr = assert.AnError
	assert.Error(t, manager.EnsureImageAvailable(context.Background()))
}

func TestEnsureMinimumRuntimes(t *testing.T) {
	manager, provisioner, store := newManager(t, nil)
	ctx := context.Background()

	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))

	assert.Equal(t, 2, provisioner.Running())
	runtimes := manager.List()
	require.Len(t, runtimes, 2)
	for _, rt := range runtimes {
		assert.Equal(t, types.RuntimeStateStarting, rt.State)
		assert.Equal(t, 1, rt.MaxSlots)
		assert.NotEmpty(t, rt.ContainerID)
	}

	persisted, err := store.ListRuntimes(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	// Idempotent once the pool is at size
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	assert.Equal(t, 2, provisioner.Running())
}

func TestHeartbeatPromotesStarting(t *testing.T) {
	manager, _, _ := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	id := manager.List()[0].ID

	require.NoError(t, manager.ReportHeartbeat(ctx, id, 0, 1))

	rt, ok := manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.RuntimeStateReady, rt.State)
	assert.False(t, rt.LastHeartbeat.IsZero())

	// Busy follows active slots
	require.NoError(t, manager.ReportHeartbeat(ctx, id, 1, 1))
	rt, _ = manager.Get(id)
	assert.Equal(t, types.RuntimeStateBusy, rt.State)

	require.NoError(t, manager.ReportHeartbeat(ctx, id, 0, 1))
	rt, _ = manager.Get(id)
	assert.Equal(t, types.RuntimeStateReady, rt.State)
}

func TestHeartbeatUnknownRuntime(t *testing.T) {
	manager, _, _ := newManager(t, nil)
	assert.Error(t, manager.ReportHeartbeat(context.Background(), "ghost", 0, 1))
}

func readyRuntime(t *testing.T, manager *Manager) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	id := manager.List()[0].ID
	require.NoError(t, manager.ReportHeartbeat(ctx, id, 0, 1))
	return id
}

func TestAcquireForDispatch(t *testing.T) {
	manager, _, _ := newManager(t, &types.Settings{MinWorkers: 1, MaxWorkers: 2})
	id := readyRuntime(t, manager)

	lease, ok := manager.AcquireForDispatch(context.Background())
	require.True(t, ok)
	assert.Equal(t, id, lease.RuntimeID())

	rt, _ := manager.Get(id)
	assert.Equal(t, types.RuntimeStateBusy, rt.State)
	assert.Equal(t, 1, rt.ActiveSlots)

	// Single-slot runtimes hold one run each
	_, ok = manager.AcquireForDispatch(context.Background())
	assert.False(t, ok)

	lease.Abort()
	rt, _ = manager.Get(id)
	assert.Equal(t, types.RuntimeStateReady, rt.State)
	assert.Zero(t, rt.ActiveSlots)

	lease2, ok := manager.AcquireForDispatch(context.Background())
	require.True(t, ok)
	lease2.Confirm()
	rt, _ = manager.Get(id)
	assert.Equal(t, types.RuntimeStateBusy, rt.State)
	assert.Equal(t, 1, rt.DispatchCount)
}

func TestDrainingRuntimeNotDispatchable(t *testing.T) {
	manager, _, _ := newManager(t, &types.Settings{MinWorkers: 1, MaxWorkers: 2})
	id := readyRuntime(t, manager)

	require.NoError(t, manager.SetDraining(context.Background(), id, true))
	rt, _ := manager.Get(id)
	assert.Equal(t, types.RuntimeStateDraining, rt.State)

	_, ok := manager.AcquireForDispatch(context.Background())
	assert.False(t, ok)

	require.NoError(t, manager.SetDraining(context.Background(), id, false))
	_, ok = manager.AcquireForDispatch(context.Background())
	assert.True(t, ok)
}

func TestFailedStartsArmCooldown(t *testing.T) {
	doc := &types.Settings{
		MinWorkers: 2, MaxWorkers: 4,
		MaxFailedStartsPer10Min: 2,
		CooldownMinutes:         10,
	}
	manager, provisioner, _ := newManager(t, doc)
	provisioner.FailStarts = true
	ctx := context.Background()

	// Each cycle records one failed start; the second arms the cooldown
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))

	snapshot := manager.GetHealthSnapshot()
	assert.True(t, snapshot.CooldownActive)

	// Cooling down: no further start attempts reach the provisioner
	provisioner.FailStarts = false
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	assert.Zero(t, provisioner.Running())
}

func TestScaleOutPaused(t *testing.T) {
	manager, provisioner, _ := newManager(t, nil)
	manager.SetScaleOutPaused(true)

	require.NoError(t, manager.EnsureMinimumRuntimes(context.Background()))
	assert.Zero(t, provisioner.Running())

	manager.SetScaleOutPaused(false)
	require.NoError(t, manager.EnsureMinimumRuntimes(context.Background()))
	assert.Equal(t, 2, provisioner.Running())
}

func TestStartRateLimit(t *testing.T) {
	doc := &types.Settings{
		MinWorkers: 4, MaxWorkers: 8,
		MaxWorkerStartAttemptsPer10Min: 2,
	}
	manager, provisioner, _ := newManager(t, doc)

	require.NoError(t, manager.EnsureMinimumRuntimes(context.Background()))
	assert.Equal(t, 2, provisioner.Running(), "starts beyond the window limit wait for the next cycle")
}

func TestReconciliationPrunesStaleHeartbeats(t *testing.T) {
	manager, _, store := newManager(t, &types.Settings{MinWorkers: 1, MaxWorkers: 2})
	id := readyRuntime(t, manager)

	// Age the heartbeat past the TTL
	manager.mu.Lock()
	e := manager.entries[id]
	manager.mu.Unlock()
	e.mu.Lock()
	e.rt.LastHeartbeat = time.Now().Add(-3 * time.Minute)
	e.mu.Unlock()

	require.NoError(t, manager.RunReconciliation(context.Background()))

	// Stopped and retired from presence
	_, ok := manager.Get(id)
	assert.False(t, ok)
	_, err := store.GetRuntime(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconciliationDetectsMissingContainer(t *testing.T) {
	manager, provisioner, _ := newManager(t, &types.Settings{MinWorkers: 1, MaxWorkers: 2})
	id := readyRuntime(t, manager)

	rt, _ := manager.Get(id)
	provisioner.DropContainer(rt.ContainerID)

	require.NoError(t, manager.RunReconciliation(context.Background()))

	// The runtime lost its container and was retired
	_, ok := manager.Get(id)
	assert.False(t, ok)
}

func TestRecycleAfterRuns(t *testing.T) {
	doc := &types.Settings{MinWorkers: 1, MaxWorkers: 2, RecycleAfterRuns: 2}
	manager, provisioner, _ := newManager(t, doc)
	id := readyRuntime(t, manager)

	for i := 0; i < 2; i++ {
		manager.RecordDispatchActivity(id)
	}

	require.NoError(t, manager.RunReconciliation(context.Background()))

	// Idle runtime past its recycle threshold is stopped and replaced
	// on the next ensure cycle
	_, ok := manager.Get(id)
	assert.False(t, ok)

	require.NoError(t, manager.EnsureMinimumRuntimes(context.Background()))
	assert.Equal(t, 1, provisioner.Running())
}

func TestHealthSnapshotCounts(t *testing.T) {
	manager, _, _ := newManager(t, nil)
	require.NoError(t, manager.EnsureMinimumRuntimes(context.Background()))

	snapshot := manager.GetHealthSnapshot()
	assert.Equal(t, 2, snapshot.CountsByState[types.RuntimeStateStarting])
	assert.False(t, snapshot.CooldownActive)
	assert.False(t, snapshot.ScaleOutPaused)
}

func TestScaleDownIdle(t *testing.T) {
	manager, provisioner, _ := newManager(t, &types.Settings{MinWorkers: 1, MaxWorkers: 4})
	ctx := context.Background()

	// Grow past the minimum, then mark everything ready and idle
	require.NoError(t, manager.EnsureMinimumRuntimes(ctx))
	for i := 0; i < 2; i++ {
		_, err := manager.startRuntime(ctx, mustSettings(t, manager))
		require.NoError(t, err)
	}
	for _, rt := range manager.List() {
		require.NoError(t, manager.ReportHeartbeat(ctx, rt.ID, 0, 1))
	}
	require.Equal(t, 3, provisioner.Running())

	require.NoError(t, manager.ScaleDownIdle(ctx))
	assert.Equal(t, 1, provisioner.Running())
}

func mustSettings(t *testing.T, m *Manager) *types.Settings {
	t.Helper()
	cfg, err := m.settings.Current(context.Background())
	require.NoError(t, err)
	return cfg
}
