package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/runtimes"
	"github.com/forgeops/foreman/pkg/security"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher places queued runs onto task runtimes after admission
// control, prompt assembly and secret enrichment.
type Dispatcher struct {
	store    storage.Store
	settings *settings.Provider
	secrets  *security.SecretsManager
	client   workerapi.Client
	pool     *runtimes.Manager
	broker   *events.Broker
	recorder metrics.Recorder
	logger   zerolog.Logger
}

// Config holds dispatcher construction inputs. Pool may be nil when
// runtime reservation is handled elsewhere.
type Config struct {
	Store    storage.Store
	Settings *settings.Provider
	Secrets  *security.SecretsManager
	Client   workerapi.Client
	Pool     *runtimes.Manager
	Broker   *events.Broker
	Recorder metrics.Recorder
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Dispatcher{
		store:    cfg.Store,
		settings: cfg.Settings,
		secrets:  cfg.Secrets,
		client:   cfg.Client,
		pool:     cfg.Pool,
		broker:   cfg.Broker,
		recorder: recorder,
		logger:   log.WithComponent("dispatcher"),
	}
}

// Dispatch attempts to place one run. Returns true when the run was
// accepted by a runtime or parked in PendingApproval; false leaves the
// run Queued (admission denial) or Failed (runtime rejection).
func (d *Dispatcher) Dispatch(ctx context.Context, repo *types.Repository, task *types.Task, run *types.Run) (bool, error) {
	logger := d.logger.With().Str("run_id", run.ID).Str("task_id", task.ID).Logger()

	// Approval gate: no placement, the run waits for a decision
	if task.Approval.RequireApproval {
		if err := d.store.MarkRunPendingApproval(ctx, run.ID); err != nil {
			return false, fmt.Errorf("failed to park run for approval: %w", err)
		}
		d.publish(events.EventRunPendingApproval, run.ID, "Run awaits approval")
		logger.Info().Msg("Run parked pending approval")
		return true, nil
	}

	admitted, err := d.admit(ctx, task, run)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, nil
	}

	req, err := d.buildRequest(ctx, repo, task, run)
	if err != nil {
		return false, err
	}

	// Reserve a runtime for the duration of this placement
	var lease *runtimes.DispatchLease
	if d.pool != nil {
		var ok bool
		lease, ok = d.pool.AcquireForDispatch(ctx)
		if !ok {
			d.recorder.RunDeferred("no_runtime")
			logger.Debug().Msg("No runtime available, run stays queued")
			return false, nil
		}
	}

	result, err := d.client.DispatchJob(ctx, req)
	if err != nil {
		if lease != nil {
			lease.Abort()
		}
		return false, fmt.Errorf("dispatch rpc failed: %w", err)
	}

	if !result.Accepted {
		if lease != nil {
			lease.Abort()
		}
		reason := result.Reason
		if reason == "" {
			reason = "runtime rejected dispatch"
		}
		if err := d.store.MarkRunCompleted(ctx, run.ID, false, reason, nil, types.FailureClassDispatchRejected, ""); err != nil {
			logger.Error().Err(err).Msg("Failed to mark rejected run")
		}
		d.createFinding(ctx, run, task, "Dispatch rejected", reason, types.FailureClassDispatchRejected)
		d.publish(events.EventRunFailed, run.ID, reason)
		d.recorder.RunFailed(string(types.FailureClassDispatchRejected))
		logger.Warn().Str("reason", reason).Msg("Runtime rejected dispatch")
		return false, nil
	}

	if err := d.store.MarkRunStarted(ctx, run.ID, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("Failed to mark run started")
	}
	if lease != nil {
		lease.Confirm()
	}
	d.publish(events.EventRunStarted, run.ID, "Run started")
	d.recorder.RunDispatched()
	logger.Info().Int("attempt", run.Attempt).Msg("Run dispatched")
	return true, nil
}

// admit enforces the admission limits in order: global, project,
// repository, task. A failed check leaves the run Queued.
func (d *Dispatcher) admit(ctx context.Context, task *types.Task, run *types.Run) (bool, error) {
	cfg, err := d.settings.Current(ctx)
	if err != nil {
		return false, err
	}

	active, err := d.store.CountActiveRuns(ctx)
	if err != nil {
		return false, err
	}
	if active >= cfg.MaxGlobalConcurrentRuns {
		d.recorder.RunDeferred("global")
		return false, nil
	}

	if run.ProjectID != "" {
		count, err := d.store.CountActiveRunsByProject(ctx, run.ProjectID)
		if err != nil {
			return false, err
		}
		if count >= cfg.PerProjectConcurrencyLimit {
			d.recorder.RunDeferred("project")
			return false, nil
		}
	}

	count, err := d.store.CountActiveRunsByRepo(ctx, run.RepositoryID)
	if err != nil {
		return false, err
	}
	if count >= cfg.PerRepoConcurrencyLimit {
		d.recorder.RunDeferred("repo")
		return false, nil
	}

	if task.ConcurrencyLimit > 0 {
		count, err := d.store.CountActiveRunsByTask(ctx, task.ID)
		if err != nil {
			return false, err
		}
		if count >= task.ConcurrencyLimit {
			d.recorder.RunDeferred("task")
			return false, nil
		}
	}

	return true, nil
}

// buildRequest composes the dispatch request: layered prompt, secrets,
// harness settings, labels.
func (d *Dispatcher) buildRequest(ctx context.Context, repo *types.Repository, task *types.Task, run *types.Run) (*workerapi.DispatchRequest, error) {
	env := make(map[string]string)

	// Decrypt provider secrets into canonical env names. Decryption
	// failures skip the secret, never abort the dispatch.
	for _, secret := range repo.Secrets {
		plaintext, err := d.secrets.Decrypt(secret.Data)
		if err != nil {
			d.logger.Warn().
				Str("run_id", run.ID).
				Str("secret", secret.Name).
				Err(err).
				Msg("Failed to decrypt secret, skipping")
			continue
		}
		for _, name := range canonicalSecretEnv(secret.Provider, secret.Name) {
			env[name] = string(plaintext)
		}
	}

	harnessEnv(env, task.Harnessing.Model, task.Harnessing.Temperature, task.Harnessing.MaxTokens, task.Harnessing.Additional)

	labels := map[string]string{
		workerapi.LabelRunID:  run.ID,
		workerapi.LabelTaskID: task.ID,
		workerapi.LabelRepoID: repo.ID,
	}
	if run.ProjectID != "" {
		labels[workerapi.LabelProjectID] = run.ProjectID
	}

	return &workerapi.DispatchRequest{
		RunID:              run.ID,
		TaskID:             task.ID,
		RepositoryID:       repo.ID,
		ProjectID:          run.ProjectID,
		Harness:            task.Harness,
		Command:            task.Command,
		Prompt:             BuildLayeredPrompt(repo, task),
		ExecTimeoutSeconds: int(task.ExecTimeout.Seconds()),
		Attempt:            run.Attempt,
		Sandbox:            task.Sandbox,
		Artifacts:          task.Artifacts,
		GitURL:             repo.GitURL,
		ArtifactPath:       repo.ArtifactPath,
		Labels:             labels,
		Env:                env,
	}, nil
}

// DispatchNextQueuedForTask picks the oldest queued run for a task and
// runs the placement algorithm on it.
func (d *Dispatcher) DispatchNextQueuedForTask(ctx context.Context, taskID string) (bool, error) {
	run, err := d.store.OldestQueuedRunForTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	repo, err := d.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return false, err
	}

	return d.Dispatch(ctx, repo, task, run)
}

// Cancel asks the fleet to stop a run. Failures are logged and
// swallowed; the event stream settles the run's final state.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) {
	if err := d.client.CancelJob(ctx, runID); err != nil {
		d.logger.Warn().Err(err).Str("run_id", runID).Msg("Cancel rpc failed")
	}
}

func (d *Dispatcher) publish(eventType events.EventType, runID, message string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{Type: eventType, RunID: runID, Message: message})
}

func (d *Dispatcher) createFinding(ctx context.Context, run *types.Run, task *types.Task, title, detail string, class types.FailureClass) {
	finding := &types.Finding{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		TaskID:       task.ID,
		Title:        title,
		Detail:       detail,
		FailureClass: class,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.CreateFinding(ctx, finding); err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to create finding")
	}
	d.publish(events.EventFindingCreated, run.ID, title)
}
