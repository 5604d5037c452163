package runtimes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeartbeatTTL prunes runtimes that stopped reporting
const HeartbeatTTL = 2 * time.Minute

// entry is the in-memory presence record for one runtime. Transitions
// for a single runtime are serialized by its own mutex; different
// runtimes proceed in parallel.
type entry struct {
	mu sync.Mutex
	rt *types.TaskRuntime
}

// Manager keeps the task-runtime pool sized, healthy and dispatchable
type Manager struct {
	store       storage.Store
	provisioner Provisioner
	settings    *settings.Provider
	recorder    metrics.Recorder
	logger      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// Scale-out accounting, guarded by mu
	startAttempts []time.Time
	failedStarts  []time.Time
	cooldownUntil  time.Time
	scaleOutPaused bool
	lastReconcile  time.Time

	// Pressure-scaling sample window, guarded by mu
	pressure []PressureSample

	imageRef    string
	imageDigest string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// PressureSample is one CPU/memory utilization observation
type PressureSample struct {
	CPU    float64
	Memory float64
	At     time.Time
}

// Config holds pool manager construction inputs
type Config struct {
	Store       storage.Store
	Provisioner Provisioner
	Settings    *settings.Provider
	Recorder    metrics.Recorder
	ImageRef    string
}

// NewManager creates a pool manager
func NewManager(cfg Config) *Manager {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Manager{
		store:       cfg.Store,
		provisioner: cfg.Provisioner,
		settings:    cfg.Settings,
		recorder:    recorder,
		logger:      log.WithComponent("runtimes"),
		entries:     make(map[string]*entry),
		imageRef:    cfg.ImageRef,
		stopCh:      make(chan struct{}),
	}
}

// EnsureImageAvailable pulls the runtime image. A failure here at
// startup is fatal to the process.
func (m *Manager) EnsureImageAvailable(ctx context.Context) error {
	cfg, err := m.settings.Current(ctx)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PullTimeoutSeconds)*time.Second)
	defer cancel()

	digest, err := m.provisioner.PullImage(pullCtx, m.imageRef)
	if err != nil {
		return fmt.Errorf("failed to resolve runtime image %s: %w", m.imageRef, err)
	}

	m.mu.Lock()
	m.imageDigest = digest
	m.mu.Unlock()

	m.logger.Info().Str("image", m.imageRef).Str("digest", digest).Msg("Runtime image available")
	return nil
}

// Get returns a copy of one runtime's presence record
func (m *Manager) Get(id string) (*types.TaskRuntime, bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.rt
	return &cp, true
}

// List returns copies of every runtime's presence record
func (m *Manager) List() []*types.TaskRuntime {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]*types.TaskRuntime, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		cp := *e.rt
		e.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// ReportHeartbeat ingests a runtime's periodic report. A heartbeat from
// a Starting runtime promotes it to Ready.
func (m *Manager) ReportHeartbeat(ctx context.Context, id string, activeSlots, maxSlots int) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: runtime %s", storage.ErrNotFound, id)
	}

	e.mu.Lock()
	e.rt.ActiveSlots = activeSlots
	if maxSlots > 0 {
		e.rt.MaxSlots = maxSlots
	}
	e.rt.LastHeartbeat = time.Now().UTC()
	switch e.rt.State {
	case types.RuntimeStateStarting:
		if activeSlots > 0 {
			e.rt.State = types.RuntimeStateBusy
		} else {
			e.rt.State = types.RuntimeStateReady
		}
	case types.RuntimeStateBusy:
		if activeSlots == 0 && !e.rt.Draining {
			e.rt.State = types.RuntimeStateReady
		}
	case types.RuntimeStateReady:
		if activeSlots > 0 {
			e.rt.State = types.RuntimeStateBusy
		}
	}
	cp := *e.rt
	e.mu.Unlock()

	return m.store.UpdateRuntime(ctx, &cp)
}

// RecordDispatchActivity bumps a runtime's dispatch counter
func (m *Manager) RecordDispatchActivity(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rt.DispatchCount++
	e.mu.Unlock()
}

// SetDraining marks or unmarks a runtime as draining. A draining
// runtime finishes its current run but accepts no new dispatches.
func (m *Manager) SetDraining(ctx context.Context, id string, draining bool) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: runtime %s", storage.ErrNotFound, id)
	}

	e.mu.Lock()
	e.rt.Draining = draining
	if draining && e.rt.State == types.RuntimeStateReady {
		e.rt.State = types.RuntimeStateDraining
	}
	if !draining && e.rt.State == types.RuntimeStateDraining {
		e.rt.State = types.RuntimeStateReady
	}
	cp := *e.rt
	e.mu.Unlock()

	return m.store.UpdateRuntime(ctx, &cp)
}

// SetScaleOutPaused pauses or resumes starting new runtimes
func (m *Manager) SetScaleOutPaused(paused bool) {
	m.mu.Lock()
	m.scaleOutPaused = paused
	m.mu.Unlock()
}

// DispatchLease reserves one Ready runtime for the duration of a single
// dispatch.
type DispatchLease struct {
	manager *Manager
	id      string
	done    bool
}

// RuntimeID returns the reserved runtime's id
func (l *DispatchLease) RuntimeID() string {
	return l.id
}

// Endpoint returns the reserved runtime's grpc endpoint
func (l *DispatchLease) Endpoint() string {
	rt, ok := l.manager.Get(l.id)
	if !ok {
		return ""
	}
	return rt.Endpoint
}

// Confirm keeps the runtime Busy after a successful dispatch
func (l *DispatchLease) Confirm() {
	if l.done {
		return
	}
	l.done = true
	l.manager.RecordDispatchActivity(l.id)
}

// Abort returns the runtime to Ready after a failed dispatch
func (l *DispatchLease) Abort() {
	if l.done {
		return
	}
	l.done = true

	l.manager.mu.Lock()
	e, ok := l.manager.entries[l.id]
	l.manager.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.rt.State == types.RuntimeStateBusy {
		e.rt.State = types.RuntimeStateReady
		e.rt.ActiveSlots = 0
	}
	e.mu.Unlock()
}

// AcquireForDispatch reserves a Ready, non-draining runtime and moves it
// to Busy. Returns (nil, false) when no runtime is available.
func (m *Manager) AcquireForDispatch(ctx context.Context) (*DispatchLease, bool) {
	m.mu.Lock()
	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	m.mu.Unlock()

	for _, e := range candidates {
		e.mu.Lock()
		if e.rt.State.Schedulable() && !e.rt.Draining && e.rt.ActiveSlots < e.rt.MaxSlots {
			e.rt.State = types.RuntimeStateBusy
			e.rt.ActiveSlots++
			id := e.rt.ID
			e.mu.Unlock()
			return &DispatchLease{manager: m, id: id}, true
		}
		e.mu.Unlock()
	}
	return nil, false
}

// register installs a presence record; used by startRuntime.
func (m *Manager) register(rt *types.TaskRuntime) *entry {
	e := &entry{rt: rt}
	m.mu.Lock()
	m.entries[rt.ID] = e
	m.mu.Unlock()
	return e
}

// newRuntimeID returns a pool-unique runtime id
func newRuntimeID() string {
	return "rt-" + uuid.New().String()[:13]
}
