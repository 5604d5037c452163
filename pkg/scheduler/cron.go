package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/dispatch"
	"github.com/forgeops/foreman/pkg/lease"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// MinTickInterval is the floor on the scheduler tick, regardless of
// configuration
const MinTickInterval = 2 * time.Second

const tickLeaseName = "scheduler-tick"

// CronScheduler admits due tasks into runs on a drift-compensated tick
type CronScheduler struct {
	store      storage.Store
	settings   *settings.Provider
	dispatcher *dispatch.Dispatcher
	leases     *lease.Coordinator
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCronScheduler creates a cron scheduler. The lease coordinator may
// be nil for single-replica deployments.
func NewCronScheduler(store storage.Store, provider *settings.Provider, dispatcher *dispatch.Dispatcher, leases *lease.Coordinator) *CronScheduler {
	return &CronScheduler{
		store:      store,
		settings:   provider,
		dispatcher: dispatcher,
		leases:     leases,
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *CronScheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the scheduler
func (s *CronScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// run drives drift-compensated ticks: the next tick is computed from
// the previous intended tick time, not from wall clock at loop end.
func (s *CronScheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info().Msg("Cron scheduler started")

	next := time.Now()
	for {
		interval := s.tickInterval(ctx)
		next = next.Add(interval)
		wait := time.Until(next)
		if wait < 0 {
			// Fell behind; realign to now to avoid a tick burst
			next = time.Now()
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			s.logger.Info().Msg("Cron scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Cron scheduler stopped")
			return
		}

		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("Scheduler tick failed")
		}
	}
}

func (s *CronScheduler) tickInterval(ctx context.Context) time.Duration {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return MinTickInterval
	}
	interval := time.Duration(cfg.SchedulerIntervalSeconds) * time.Second
	if interval < MinTickInterval {
		interval = MinTickInterval
	}
	return interval
}

// Tick performs one scheduling cycle: admit due tasks, then flush
// queued heads until the global cap fills.
func (s *CronScheduler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	// Only one replica ticks at a time
	if s.leases != nil {
		handle, ok, err := s.leases.TryAcquire(ctx, tickLeaseName, 2*s.tickInterval(ctx))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer handle.Release()
	}

	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}

	active, err := s.store.CountActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active >= cfg.MaxGlobalConcurrentRuns {
		s.logger.Debug().Int("active", active).Msg("Global run cap reached, skipping tick")
		return nil
	}

	now := time.Now().UTC()
	due, err := s.store.ListDueTasks(ctx, now, cfg.MaxGlobalConcurrentRuns-active)
	if err != nil {
		return fmt.Errorf("failed to list due tasks: %w", err)
	}

	// Due tasks are processed sequentially so admission counters stay
	// monotonic within a tick
	for _, task := range due {
		if err := s.fireTask(ctx, task, now); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to fire due task")
		}
	}

	return s.flushQueuedHeads(ctx, cfg.MaxGlobalConcurrentRuns)
}

// fireTask creates a run for one due task, dispatches it and advances
// the task's schedule.
func (s *CronScheduler) fireTask(ctx context.Context, task *types.Task, now time.Time) error {
	repo, err := s.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Str("task_id", task.ID).Str("repo_id", task.RepositoryID).Msg("Task repository missing, skipping")
			return nil
		}
		return err
	}

	run := &types.Run{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		RepositoryID: repo.ID,
		ProjectID:    repo.ProjectID,
		Attempt:      1,
		State:        types.RunStateQueued,
		CreatedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if _, err := s.dispatcher.Dispatch(ctx, repo, task, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Dispatch failed")
	}

	if task.Kind == types.TaskKindOneShot {
		// One-shot schedules are consumed on first firing
		task.NextRunAt = nil
		task.Enabled = false
		return s.store.UpdateTask(ctx, task)
	}

	next, err := NextCronTime(task.CronExpr, now.Add(time.Second))
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Str("cron", task.CronExpr).Msg("Invalid cron expression, disabling task")
		task.Enabled = false
		return s.store.UpdateTask(ctx, task)
	}
	task.NextRunAt = &next
	return s.store.UpdateTask(ctx, task)
}

// flushQueuedHeads walks queued runs oldest first and dispatches the
// head of each distinct task's queue until the global cap is reached.
func (s *CronScheduler) flushQueuedHeads(ctx context.Context, maxGlobal int) error {
	queued, err := s.store.ListRunsByState(ctx, types.RunStateQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued runs: %w", err)
	}

	seen := make(map[string]bool)
	for _, run := range queued {
		if seen[run.TaskID] {
			continue
		}
		seen[run.TaskID] = true

		active, err := s.store.CountActiveRuns(ctx)
		if err != nil {
			return err
		}
		if active >= maxGlobal {
			return nil
		}

		if _, err := s.dispatcher.DispatchNextQueuedForTask(ctx, run.TaskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", run.TaskID).Msg("Failed to dispatch queued head")
		}
	}
	return nil
}

// NextCronTime returns the first firing of expr strictly after from
func NextCronTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
