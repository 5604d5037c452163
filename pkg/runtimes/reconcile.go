package runtimes

import (
	"context"
	"errors"
	"time"

	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/types"
)

var errNotTracked = errors.New("runtime not tracked")

// HealthSnapshot is a point-in-time view of the pool
type HealthSnapshot struct {
	CountsByState  map[types.TaskRuntimeState]int
	CooldownActive bool
	ScaleOutPaused bool
	LastReconcile  time.Time
}

// GetHealthSnapshot summarizes pool health
func (m *Manager) GetHealthSnapshot() HealthSnapshot {
	counts := make(map[types.TaskRuntimeState]int)
	for _, rt := range m.List() {
		counts[rt.State]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthSnapshot{
		CountsByState:  counts,
		CooldownActive: time.Now().Before(m.cooldownUntil),
		ScaleOutPaused: m.scaleOutPaused,
		LastReconcile:  m.lastReconcile,
	}
}

// RunReconciliation verifies the pool's observed state against intent:
// stale heartbeats are pruned, runtimes whose containers disappeared
// are marked Stopped, orphan containers are removed, and Stopped and
// FailedStart presence records are retired. Only in-memory presence
// records are examined; persisted records without one are not read.
func (m *Manager) RunReconciliation(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	// Prune runtimes whose heartbeats went stale
	for _, rt := range m.List() {
		switch rt.State {
		case types.RuntimeStateReady, types.RuntimeStateBusy, types.RuntimeStateDraining:
			if !rt.LastHeartbeat.IsZero() && now.Sub(rt.LastHeartbeat) > HeartbeatTTL {
				m.logger.Warn().
					Str("runtime_id", rt.ID).
					Dur("since_heartbeat", now.Sub(rt.LastHeartbeat)).
					Msg("Runtime heartbeat stale, marking stopped")
				if err := m.stopRuntime(ctx, rt.ID, "stale heartbeat"); err != nil {
					m.logger.Error().Err(err).Str("runtime_id", rt.ID).Msg("Failed to stop stale runtime")
				}
			}
		}
	}

	// Compare intent against observed containers
	observed, err := m.provisioner.ListRuntimeContainers(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list runtime containers")
	} else {
		for _, rt := range m.List() {
			switch rt.State {
			case types.RuntimeStateReady, types.RuntimeStateBusy, types.RuntimeStateDraining, types.RuntimeStateStarting:
				if _, ok := observed[rt.ID]; !ok {
					m.logger.Warn().Str("runtime_id", rt.ID).Msg("Runtime container missing, marking stopped")
					m.markStopped(ctx, rt.ID)
				}
			}
		}

		// Orphan containers: observed but unknown to the pool
		known := make(map[string]bool)
		for _, rt := range m.List() {
			known[rt.ID] = true
		}
		for runtimeID, containerID := range observed {
			if !known[runtimeID] {
				m.logger.Info().
					Str("runtime_id", runtimeID).
					Str("container_id", containerID).
					Msg("Removing orphan runtime container")
				if err := m.provisioner.RemoveRuntime(ctx, containerID); err != nil {
					m.logger.Error().Err(err).Str("container_id", containerID).Msg("Failed to remove orphan container")
				}
			}
		}
	}

	// Auto-recycle by dispatch count or uptime
	m.applyRecyclePolicy(ctx, cfg, now)

	// Retire Stopped and FailedStart presence records
	m.pruneStopped(ctx, cfg)

	m.mu.Lock()
	m.lastReconcile = now
	m.mu.Unlock()

	m.publishGauges()
	return nil
}

// markStopped flips presence to Stopped without touching the container
func (m *Manager) markStopped(ctx context.Context, id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rt.State = types.RuntimeStateStopped
	e.rt.ActiveSlots = 0
	cp := *e.rt
	e.mu.Unlock()
	if err := m.store.UpdateRuntime(ctx, &cp); err != nil {
		m.logger.Error().Err(err).Str("runtime_id", id).Msg("Failed to persist stopped runtime")
	}
}

func (m *Manager) applyRecyclePolicy(ctx context.Context, cfg *types.Settings, now time.Time) {
	for _, rt := range m.List() {
		if rt.State != types.RuntimeStateReady && rt.State != types.RuntimeStateBusy {
			continue
		}
		recycle := false
		if cfg.RecycleAfterRuns > 0 && rt.DispatchCount >= cfg.RecycleAfterRuns {
			recycle = true
		}
		if cfg.RecycleAfterUptimeMinutes > 0 && now.Sub(rt.StartedAt) > time.Duration(cfg.RecycleAfterUptimeMinutes)*time.Minute {
			recycle = true
		}
		if recycle {
			m.logger.Info().
				Str("runtime_id", rt.ID).
				Int("dispatch_count", rt.DispatchCount).
				Msg("Recycling runtime")
			if err := m.Recycle(ctx, rt.ID); err != nil {
				m.logger.Error().Err(err).Str("runtime_id", rt.ID).Msg("Failed to recycle runtime")
			}
		}
	}
}

// pruneStopped drops every Stopped and FailedStart record from presence
// and the store; such records never count toward the minimum pool size
func (m *Manager) pruneStopped(ctx context.Context, cfg *types.Settings) {
	for _, rt := range m.List() {
		if rt.State != types.RuntimeStateStopped && rt.State != types.RuntimeStateFailedStart {
			continue
		}
		m.mu.Lock()
		delete(m.entries, rt.ID)
		m.mu.Unlock()
		if err := m.store.DeleteRuntime(ctx, rt.ID); err != nil {
			m.logger.Warn().Err(err).Str("runtime_id", rt.ID).Msg("Failed to delete retired runtime record")
		}
	}
}

func (m *Manager) publishGauges() {
	counts := make(map[types.TaskRuntimeState]int)
	for _, rt := range m.List() {
		counts[rt.State]++
	}
	for _, state := range []types.TaskRuntimeState{
		types.RuntimeStateProvisioning, types.RuntimeStateStarting,
		types.RuntimeStateReady, types.RuntimeStateBusy,
		types.RuntimeStateDraining, types.RuntimeStateStopping,
		types.RuntimeStateStopped, types.RuntimeStateQuarantined,
		types.RuntimeStateFailedStart,
	} {
		metrics.RuntimesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Start launches the pool maintenance loop: ensure minimum, pressure
// scaling, idle scale-down and reconciliation each cycle.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the maintenance loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) run(ctx context.Context) {
	cfg, err := m.settings.Current(ctx)
	interval := 15 * time.Second
	if err == nil {
		interval = time.Duration(cfg.HealthProbeIntervalSeconds) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Msg("Runtime pool manager started")

	for {
		select {
		case <-ticker.C:
			if err := m.cycle(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Pool maintenance cycle failed")
			}
		case <-m.stopCh:
			m.logger.Info().Msg("Runtime pool manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info().Msg("Runtime pool manager stopped")
			return
		}
	}
}

func (m *Manager) cycle(ctx context.Context) error {
	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	if err := m.EnsureMinimumRuntimes(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to ensure minimum runtimes")
	}
	m.maybeScaleForPressure(ctx, cfg)
	if err := m.ScaleDownIdle(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to scale down idle runtimes")
	}
	return m.RunReconciliation(ctx)
}
