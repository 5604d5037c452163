package settings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
)

const cacheTTL = 10 * time.Second

// Provider projects the persisted settings document into a clamped,
// immutable value, cached for a short interval.
type Provider struct {
	store storage.Store

	mu        sync.Mutex
	cached    *types.Settings
	fetchedAt time.Time
}

// NewProvider creates a settings provider over the store
func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store}
}

// Current returns the clamped settings value. Missing documents yield
// all defaults.
func (p *Provider) Current(ctx context.Context) (*types.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.fetchedAt) < cacheTTL {
		cp := *p.cached
		return &cp, nil
	}

	doc, err := p.store.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		doc = &types.Settings{}
	}

	clamped := Clamp(doc)
	p.cached = clamped
	p.fetchedAt = time.Now()
	cp := *clamped
	return &cp, nil
}

// Invalidate drops the cache so the next read hits the store
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// defaults for positive fields that fall back when <= 0
const (
	DefaultSchedulerIntervalSeconds = 20
	DefaultMaxGlobalConcurrentRuns  = 8
	DefaultPerProjectLimit          = 4
	DefaultPerRepoLimit             = 2
	DefaultMinWorkers               = 1
	DefaultMaxWorkers               = 4
	DefaultMaxQueueDepth            = 500
	DefaultQueueWaitTimeoutSeconds  = 600
	DefaultMaxStartAttemptsPer10Min = 20
	DefaultMaxFailedStartsPer10Min  = 5
	DefaultCooldownMinutes          = 10
	DefaultStartTimeoutSeconds      = 120
	DefaultStopTimeoutSeconds       = 30
	DefaultHealthProbeSeconds       = 15
	DefaultRunHardTimeoutSeconds    = 7200
	DefaultMaxRunLogMB              = 32
	DefaultCheckIntervalSeconds     = 60
	DefaultStaleThresholdMinutes    = 30
	DefaultZombieThresholdMinutes   = 120
	DefaultMaxRunAgeHours           = 12
	DefaultConcurrentPulls          = 2
	DefaultPullTimeoutSeconds       = 600
	DefaultImageCacheTTLMinutes     = 60
)

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func clampRange(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp applies the documented range to every numeric field and fills
// defaults for unset positive fields. The input is not mutated.
func Clamp(in *types.Settings) *types.Settings {
	out := *in

	out.SchedulerIntervalSeconds = positive(out.SchedulerIntervalSeconds, DefaultSchedulerIntervalSeconds)
	if out.SchedulerIntervalSeconds < 2 {
		out.SchedulerIntervalSeconds = 2
	}
	out.MaxGlobalConcurrentRuns = positive(out.MaxGlobalConcurrentRuns, DefaultMaxGlobalConcurrentRuns)
	out.PerProjectConcurrencyLimit = positive(out.PerProjectConcurrencyLimit, DefaultPerProjectLimit)
	out.PerRepoConcurrencyLimit = positive(out.PerRepoConcurrencyLimit, DefaultPerRepoLimit)

	out.MinWorkers = positive(out.MinWorkers, DefaultMinWorkers)
	out.MaxWorkers = clampRange(positive(out.MaxWorkers, DefaultMaxWorkers), 1, 256)
	if out.MinWorkers > out.MaxWorkers {
		out.MinWorkers = out.MaxWorkers
	}
	out.ReserveWorkers = clampRange(out.ReserveWorkers, 0, 128)
	out.MaxQueueDepth = clampRange(positive(out.MaxQueueDepth, DefaultMaxQueueDepth), 1, 50000)
	out.QueueWaitTimeoutSeconds = clampRange(positive(out.QueueWaitTimeoutSeconds, DefaultQueueWaitTimeoutSeconds), 5, 7200)
	out.CanaryPercent = clampRange(out.CanaryPercent, 0, 100)
	out.MaxConcurrentPulls = positive(out.MaxConcurrentPulls, DefaultConcurrentPulls)
	out.MaxConcurrentBuilds = positive(out.MaxConcurrentBuilds, 1)
	out.PullTimeoutSeconds = positive(out.PullTimeoutSeconds, DefaultPullTimeoutSeconds)
	out.BuildTimeoutSeconds = positive(out.BuildTimeoutSeconds, DefaultPullTimeoutSeconds)
	out.ImageCacheTTLMinutes = positive(out.ImageCacheTTLMinutes, DefaultImageCacheTTLMinutes)
	out.MaxWorkerStartAttemptsPer10Min = positive(out.MaxWorkerStartAttemptsPer10Min, DefaultMaxStartAttemptsPer10Min)
	out.MaxFailedStartsPer10Min = positive(out.MaxFailedStartsPer10Min, DefaultMaxFailedStartsPer10Min)
	out.CooldownMinutes = positive(out.CooldownMinutes, DefaultCooldownMinutes)
	out.ContainerStartTimeoutSeconds = positive(out.ContainerStartTimeoutSeconds, DefaultStartTimeoutSeconds)
	out.ContainerStopTimeoutSeconds = positive(out.ContainerStopTimeoutSeconds, DefaultStopTimeoutSeconds)
	out.HealthProbeIntervalSeconds = positive(out.HealthProbeIntervalSeconds, DefaultHealthProbeSeconds)
	out.RestartLimit = positive(out.RestartLimit, 3)
	out.RunHardTimeoutSeconds = clampRange(positive(out.RunHardTimeoutSeconds, DefaultRunHardTimeoutSeconds), 30, 86400)
	out.MaxRunLogMB = positive(out.MaxRunLogMB, DefaultMaxRunLogMB)

	out.CheckIntervalSeconds = positive(out.CheckIntervalSeconds, DefaultCheckIntervalSeconds)
	out.StaleRunThresholdMinutes = positive(out.StaleRunThresholdMinutes, DefaultStaleThresholdMinutes)
	out.ZombieRunThresholdMinutes = positive(out.ZombieRunThresholdMinutes, DefaultZombieThresholdMinutes)
	out.MaxRunAgeHours = positive(out.MaxRunAgeHours, DefaultMaxRunAgeHours)

	return &out
}
