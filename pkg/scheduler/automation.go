package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/dispatch"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AutomationScheduler fires user-defined automation definitions on the
// same cadence and drift rules as the cron scheduler, and records an
// execution-history row per firing.
type AutomationScheduler struct {
	store      storage.Store
	settings   *settings.Provider
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewAutomationScheduler creates an automation scheduler
func NewAutomationScheduler(store storage.Store, provider *settings.Provider, dispatcher *dispatch.Dispatcher) *AutomationScheduler {
	return &AutomationScheduler{
		store:      store,
		settings:   provider,
		dispatcher: dispatcher,
		logger:     log.WithComponent("automation"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the automation loop
func (s *AutomationScheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the automation loop
func (s *AutomationScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *AutomationScheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info().Msg("Automation scheduler started")

	next := time.Now()
	for {
		interval := s.tickInterval(ctx)
		next = next.Add(interval)
		wait := time.Until(next)
		if wait < 0 {
			next = time.Now()
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			s.logger.Info().Msg("Automation scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Automation scheduler stopped")
			return
		}

		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("Automation tick failed")
		}
	}
}

func (s *AutomationScheduler) tickInterval(ctx context.Context) time.Duration {
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

// Tick fires every due automation once
func (s *AutomationScheduler) Tick(ctx context.Context) error {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}

	active, err := s.store.CountActiveRuns(ctx)
	if err != nil {
		return err
	}
	if active >= cfg.MaxGlobalConcurrentRuns {
		return nil
	}

	now := time.Now().UTC()
	due, err := s.store.ListDueAutomations(ctx, now, cfg.MaxGlobalConcurrentRuns-active)
	if err != nil {
		return fmt.Errorf("failed to list due automations: %w", err)
	}

	for _, automation := range due {
		if err := s.fire(ctx, automation, now); err != nil {
			s.logger.Error().Err(err).Str("automation_id", automation.ID).Msg("Failed to fire automation")
		}
	}
	return nil
}

func (s *AutomationScheduler) fire(ctx context.Context, automation *types.Automation, now time.Time) error {
	task, err := s.store.GetTask(ctx, automation.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Str("automation_id", automation.ID).Msg("Automation task missing, disabling")
			automation.Enabled = false
			return s.store.UpdateAutomation(ctx, automation)
		}
		return err
	}
	repo, err := s.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return err
	}

	record := &types.AutomationRun{
		ID:           uuid.New().String(),
		AutomationID: automation.ID,
		FiredAt:      now,
	}

	run := &types.Run{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		RepositoryID:    repo.ID,
		ProjectID:       repo.ProjectID,
		Attempt:         1,
		State:           types.RunStateQueued,
		CreatedAt:       now,
		AutomationRunID: record.ID,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create automation run: %w", err)
	}
	record.RunID = run.ID

	accepted, err := s.dispatcher.Dispatch(ctx, repo, task, run)
	switch {
	case err != nil:
		record.Outcome = "error"
	case accepted:
		record.Outcome = "dispatched"
	default:
		record.Outcome = "deferred"
	}
	if err := s.store.CreateAutomationRun(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("automation_id", automation.ID).Msg("Failed to record automation run")
	}

	automation.LastSummary = fmt.Sprintf("fired at %s: %s", now.Format(time.RFC3339), record.Outcome)
	nextTime, cronErr := NextCronTime(automation.CronExpr, now.Add(time.Second))
	if cronErr != nil {
		s.logger.Error().Err(cronErr).Str("automation_id", automation.ID).Msg("Invalid automation cron, disabling")
		automation.Enabled = false
	} else {
		automation.NextRunAt = &nextTime
	}
	return s.store.UpdateAutomation(ctx, automation)
}
