package runtimes

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeops/foreman/pkg/runtime"
	"github.com/forgeops/foreman/pkg/types"
)

const rateWindow = 10 * time.Minute

// EnsureMinimumRuntimes starts runtimes until the pool holds
// MinWorkers plus ReserveWorkers live members (capped at MaxWorkers),
// respecting the start rate limit and the failed-start cooldown.
func (m *Manager) EnsureMinimumRuntimes(ctx context.Context) error {
	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	want := cfg.MinWorkers + cfg.ReserveWorkers
	if want > cfg.MaxWorkers {
		want = cfg.MaxWorkers
	}

	for m.liveCount() < want {
		started, err := m.startRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		if !started {
			// Rate limited, paused or cooling down; try next cycle
			return nil
		}
	}
	return nil
}

// liveCount counts runtimes that occupy pool capacity
func (m *Manager) liveCount() int {
	count := 0
	for _, rt := range m.List() {
		switch rt.State {
		case types.RuntimeStateProvisioning, types.RuntimeStateStarting,
			types.RuntimeStateReady, types.RuntimeStateBusy, types.RuntimeStateDraining:
			count++
		}
	}
	return count
}

// canStart checks the scale-out guards; caller holds no locks
func (m *Manager) canStart(cfg *types.Settings) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scaleOutPaused {
		return false, "scale-out paused"
	}

	now := time.Now()
	if now.Before(m.cooldownUntil) {
		return false, "cooling down after failed starts"
	}

	m.startAttempts = pruneWindow(m.startAttempts, now)
	if len(m.startAttempts) >= cfg.MaxWorkerStartAttemptsPer10Min {
		return false, "start attempts rate limited"
	}

	m.startAttempts = append(m.startAttempts, now)
	return true, ""
}

func pruneWindow(samples []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	out := samples[:0]
	for _, t := range samples {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// recordFailedStart counts a failure and arms the cooldown when the
// threshold is crossed
func (m *Manager) recordFailedStart(cfg *types.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.failedStarts = pruneWindow(m.failedStarts, now)
	m.failedStarts = append(m.failedStarts, now)
	if len(m.failedStarts) >= cfg.MaxFailedStartsPer10Min {
		m.cooldownUntil = now.Add(time.Duration(cfg.CooldownMinutes) * time.Minute)
		m.logger.Warn().
			Int("failed_starts", len(m.failedStarts)).
			Time("cooldown_until", m.cooldownUntil).
			Msg("Too many failed starts, pausing scale-out")
	}
}

// startRuntime provisions one new pool member. Returns false when a
// guard stopped the start without error.
func (m *Manager) startRuntime(ctx context.Context, cfg *types.Settings) (bool, error) {
	if ok, reason := m.canStart(cfg); !ok {
		m.logger.Debug().Str("reason", reason).Msg("Skipping runtime start")
		return false, nil
	}

	rt := &types.TaskRuntime{
		ID:        newRuntimeID(),
		State:     types.RuntimeStateProvisioning,
		MaxSlots:  1,
		StartedAt: time.Now().UTC(),
		ImageRef:  m.imageRef,
	}
	m.mu.Lock()
	rt.ImageDigest = m.imageDigest
	m.mu.Unlock()

	e := m.register(rt)
	if err := m.store.CreateRuntime(ctx, rt); err != nil {
		return false, fmt.Errorf("failed to persist runtime %s: %w", rt.ID, err)
	}

	e.mu.Lock()
	e.rt.State = types.RuntimeStateStarting
	spec := &runtime.Spec{
		ID:            e.rt.ID,
		ImageRef:      e.rt.ImageRef,
		CPULimit:      cfg.CPULimit,
		MemoryLimitMB: cfg.MemoryLimitMB,
		PidsLimit:     cfg.PidsLimit,
		Env:           []string{"FOREMAN_RUNTIME_ID=" + e.rt.ID},
	}
	e.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ContainerStartTimeoutSeconds)*time.Second)
	containerID, err := m.provisioner.StartRuntime(startCtx, spec)
	cancel()

	if err != nil {
		e.mu.Lock()
		e.rt.State = types.RuntimeStateFailedStart
		cp := *e.rt
		e.mu.Unlock()
		m.recorder.RuntimeStart("failed")
		m.recordFailedStart(cfg)
		if storeErr := m.store.UpdateRuntime(ctx, &cp); storeErr != nil {
			m.logger.Error().Err(storeErr).Str("runtime_id", cp.ID).Msg("Failed to persist failed start")
		}
		m.logger.Error().Err(err).Str("runtime_id", cp.ID).Msg("Runtime start failed")
		return false, nil
	}

	e.mu.Lock()
	e.rt.ContainerID = containerID
	// Ready is confirmed by the first heartbeat; Starting until then
	e.rt.LastHeartbeat = time.Now().UTC()
	cp := *e.rt
	e.mu.Unlock()

	m.recorder.RuntimeStart("ok")
	if err := m.store.UpdateRuntime(ctx, &cp); err != nil {
		m.logger.Error().Err(err).Str("runtime_id", cp.ID).Msg("Failed to persist started runtime")
	}

	m.logger.Info().
		Str("runtime_id", cp.ID).
		Str("container_id", containerID).
		Msg("Runtime started")
	return true, nil
}

// ScaleDownIdle stops idle Ready runtimes beyond the configured minimum
func (m *Manager) ScaleDownIdle(ctx context.Context) error {
	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	keep := cfg.MinWorkers + cfg.ReserveWorkers
	live := m.liveCount()

	for _, rt := range m.List() {
		if live <= keep {
			return nil
		}
		if rt.State == types.RuntimeStateReady && rt.ActiveSlots == 0 {
			if err := m.stopRuntime(ctx, rt.ID, "scale down"); err != nil {
				m.logger.Error().Err(err).Str("runtime_id", rt.ID).Msg("Failed to scale down runtime")
				continue
			}
			live--
		}
	}
	return nil
}

// Recycle drains and replaces one runtime
func (m *Manager) Recycle(ctx context.Context, id string) error {
	if err := m.SetDraining(ctx, id, true); err != nil {
		return err
	}

	rt, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("runtime %s disappeared during recycle", id)
	}
	if rt.ActiveSlots == 0 {
		return m.stopRuntime(ctx, id, "recycle")
	}
	// A busy runtime keeps running with the draining flag set and takes
	// no new dispatches. Reconciliation stops it on a later cycle only
	// when the recycle policy (dispatch count or uptime) matches it then;
	// otherwise it is not stopped here.
	return nil
}

// RecyclePool drains and replaces every pool member
func (m *Manager) RecyclePool(ctx context.Context) error {
	for _, rt := range m.List() {
		switch rt.State {
		case types.RuntimeStateReady, types.RuntimeStateBusy, types.RuntimeStateDraining:
			if err := m.Recycle(ctx, rt.ID); err != nil {
				m.logger.Error().Err(err).Str("runtime_id", rt.ID).Msg("Failed to recycle runtime")
			}
		}
	}
	return nil
}

// stopRuntime transitions a runtime through Stopping to Stopped and
// removes its container
func (m *Manager) stopRuntime(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: runtime %s", errNotTracked, id)
	}

	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rt.State = types.RuntimeStateStopping
	containerID := e.rt.ContainerID
	e.mu.Unlock()

	if containerID != "" {
		stopTimeout := time.Duration(cfg.ContainerStopTimeoutSeconds) * time.Second
		if err := m.provisioner.StopRuntime(ctx, containerID, stopTimeout); err != nil {
			m.logger.Warn().Err(err).Str("runtime_id", id).Msg("Failed to stop runtime container")
		}
		if err := m.provisioner.RemoveRuntime(ctx, containerID); err != nil {
			m.logger.Warn().Err(err).Str("runtime_id", id).Msg("Failed to remove runtime container")
		}
	}

	e.mu.Lock()
	e.rt.State = types.RuntimeStateStopped
	e.rt.ActiveSlots = 0
	cp := *e.rt
	e.mu.Unlock()

	m.logger.Info().Str("runtime_id", id).Str("reason", reason).Msg("Runtime stopped")
	return m.store.UpdateRuntime(ctx, &cp)
}

// AddPressureSample feeds the pressure-scaling window
func (m *Manager) AddPressureSample(cpu, memory float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.pressure = append(m.pressure, PressureSample{CPU: cpu, Memory: memory, At: now})
	cutoff := now.Add(-5 * time.Minute)
	out := m.pressure[:0]
	for _, s := range m.pressure {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	m.pressure = out
}

// pressureWants reports whether the sliding window exceeds a threshold
func (m *Manager) pressureWants(cfg *types.Settings) bool {
	if !cfg.PressureScalingEnabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pressure) == 0 {
		return false
	}
	var cpu, mem float64
	for _, s := range m.pressure {
		cpu += s.CPU
		mem += s.Memory
	}
	n := float64(len(m.pressure))
	return cpu/n > cfg.CPUPressureThreshold || mem/n > cfg.MemoryPressureThreshold
}

// maybeScaleForPressure starts one extra runtime when the pressure
// window is hot and capacity remains
func (m *Manager) maybeScaleForPressure(ctx context.Context, cfg *types.Settings) {
	if !m.pressureWants(cfg) {
		return
	}
	if m.liveCount() >= cfg.MaxWorkers {
		return
	}
	if _, err := m.startRuntime(ctx, cfg); err != nil {
		m.logger.Error().Err(err).Msg("Pressure scale-out failed")
	}
}
