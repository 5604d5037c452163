package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service restores consistency after restarts and terminates runs that
// outlive their thresholds.
type Service struct {
	store    storage.Store
	client   workerapi.Client
	settings *settings.Provider
	broker   *events.Broker
	recorder metrics.Recorder
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Config holds recovery construction inputs
type Config struct {
	Store    storage.Store
	Client   workerapi.Client
	Settings *settings.Provider
	Broker   *events.Broker
	Recorder metrics.Recorder
}

// NewService creates a recovery service
func NewService(cfg Config) *Service {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Service{
		store:    cfg.Store,
		client:   cfg.Client,
		settings: cfg.Settings,
		broker:   cfg.Broker,
		recorder: recorder,
		logger:   log.WithComponent("recovery"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunStartupRecovery reconciles persisted state left over from a
// previous process: orphaned Running runs fail, Running workflow
// executions fail, approval/queue backlogs are surfaced, and orphan
// containers are reaped.
func (s *Service) RunStartupRecovery(ctx context.Context) error {
	running, err := s.store.ListRunsByState(ctx, types.RunStateRunning)
	if err != nil {
		return fmt.Errorf("failed to list running runs: %w", err)
	}
	for _, run := range running {
		summary := "Run orphaned by control-plane restart"
		if err := s.store.MarkRunCompleted(ctx, run.ID, false, summary, nil, types.FailureClassOrphanRecovery, ""); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to fail orphaned run")
			continue
		}
		s.createFinding(ctx, run, "Run orphaned", summary, types.FailureClassOrphanRecovery)
		s.publish(events.EventRunFailed, run.ID, summary)
		s.recorder.RecoveryTermination(string(types.FailureClassOrphanRecovery))
	}
	if len(running) > 0 {
		s.logger.Info().Int("count", len(running)).Msg("Failed orphaned running runs")
	}

	executions, err := s.store.ListWorkflowExecutionsByState(ctx, types.WorkflowStateRunning)
	if err != nil {
		return fmt.Errorf("failed to list running workflow executions: %w", err)
	}
	for _, exec := range executions {
		exec.State = types.WorkflowStateFailed
		now := time.Now().UTC()
		exec.EndedAt = &now
		exec.Summary = "Workflow execution orphaned by control-plane restart"
		if err := s.store.UpdateWorkflowExecution(ctx, exec); err != nil {
			s.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to fail orphaned workflow execution")
		}
	}

	pending, err := s.store.ListRunsByState(ctx, types.RunStatePendingApproval)
	if err != nil {
		return err
	}
	queued, err := s.store.ListRunsByState(ctx, types.RunStateQueued)
	if err != nil {
		return err
	}
	s.logger.Info().
		Int("pending_approval", len(pending)).
		Int("queued", len(queued)).
		Msg("Startup backlog")

	return s.reconcileOrphanContainers(ctx)
}

// reconcileOrphanContainers asks the fleet to remove containers whose
// run-id label is unknown to the store
func (s *Service) reconcileOrphanContainers(ctx context.Context) error {
	ids, err := s.store.ListAllRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list run ids: %w", err)
	}
	result, err := s.client.ReconcileOrphanedContainers(ctx, ids)
	if err != nil {
		// Fleet may be unreachable at startup; the dead-run monitor
		// does not retry this, so orphans stay until the next startup
		s.logger.Warn().Err(err).Msg("Orphan container reconciliation failed")
		return nil
	}
	if result.RemovedCount > 0 {
		s.logger.Info().
			Int("removed", result.RemovedCount).
			Strs("ids", result.RemovedIDs).
			Msg("Removed orphan containers")
	}
	return nil
}

// Start launches the dead-run monitor when auto-termination is enabled
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the monitor
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load settings, monitor disabled")
		return
	}
	if !cfg.EnableAutoTermination {
		s.logger.Info().Msg("Dead-run detection disabled")
		return
	}

	interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("Dead-run monitor started")

	for {
		select {
		case <-ticker.C:
			if err := s.CheckDeadRuns(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Dead-run check failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("Dead-run monitor stopped")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("Dead-run monitor stopped")
			return
		}
	}
}

// CheckDeadRuns applies the stale, zombie and overdue cascades to every
// Running run. The strongest matching cascade wins.
func (s *Service) CheckDeadRuns(ctx context.Context) error {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}

	running, err := s.store.ListRunsByState(ctx, types.RunStateRunning)
	if err != nil {
		return fmt.Errorf("failed to list running runs: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range running {
		age := now.Sub(run.LastActivity())

		switch {
		case age > time.Duration(cfg.MaxRunAgeHours)*time.Hour:
			s.terminate(ctx, run, types.FailureClassOverdueRun, true,
				fmt.Sprintf("Run exceeded maximum age of %dh", cfg.MaxRunAgeHours))

		case age > time.Duration(cfg.ZombieRunThresholdMinutes)*time.Minute:
			s.terminate(ctx, run, types.FailureClassZombieRun, true,
				fmt.Sprintf("Run showed no activity for %dm, force killing", cfg.ZombieRunThresholdMinutes))

		case age > time.Duration(cfg.StaleRunThresholdMinutes)*time.Minute:
			s.terminate(ctx, run, types.FailureClassStaleRun, false,
				fmt.Sprintf("Run showed no activity for %dm", cfg.StaleRunThresholdMinutes))
		}
	}
	return nil
}

// terminate ends one run: soft termination cancels the job, forced
// termination kills the container. Either way the run fails with the
// cascade's class, publishes status and records a finding.
func (s *Service) terminate(ctx context.Context, run *types.Run, class types.FailureClass, force bool, summary string) {
	logger := s.logger.With().Str("run_id", run.ID).Str("class", string(class)).Logger()

	if force {
		result, err := s.client.KillContainer(ctx, run.ID, summary, true)
		if err != nil {
			logger.Warn().Err(err).Msg("Kill rpc failed")
		} else if !result.Killed && result.Error != "" {
			logger.Warn().Str("error", result.Error).Msg("Container kill reported failure")
		}
	} else {
		if err := s.client.CancelJob(ctx, run.ID); err != nil {
			logger.Warn().Err(err).Msg("Cancel rpc failed")
		}
	}

	if err := s.store.MarkRunCompleted(ctx, run.ID, false, summary, nil, class, ""); err != nil {
		logger.Error().Err(err).Msg("Failed to fail terminated run")
		return
	}

	s.createFinding(ctx, run, "Run terminated", summary, class)
	s.publish(events.EventRunFailed, run.ID, summary)
	s.recorder.RecoveryTermination(string(class))
	logger.Info().Msg("Run terminated")
}

func (s *Service) createFinding(ctx context.Context, run *types.Run, title, detail string, class types.FailureClass) {
	finding := &types.Finding{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		TaskID:       run.TaskID,
		Title:        title,
		Detail:       detail,
		FailureClass: class,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateFinding(ctx, finding); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to create finding")
	}
}

func (s *Service) publish(eventType events.EventType, runID, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, RunID: runID, Message: message})
}
