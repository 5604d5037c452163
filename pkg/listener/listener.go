package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/dispatch"
	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// reconnectBackoff paces resubscription after a dropped stream
	reconnectBackoff = 2 * time.Second

	// maxRetryDelay caps the exponential retry backoff
	maxRetryDelay = 300 * time.Second
)

// RouteCleaner removes a run's proxy route once the run completes.
// The presentation layer provides the real implementation.
type RouteCleaner interface {
	RemoveRoute(runID string)
}

// Listener consumes the fleet-wide worker event stream: it persists
// run log events, projects completion envelopes into terminal run
// state, fires findings and schedules retries.
type Listener struct {
	store      storage.Store
	client     workerapi.Client
	dispatcher *dispatch.Dispatcher
	broker     *events.Broker
	routes     RouteCleaner
	recorder   metrics.Recorder
	logger     zerolog.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config holds listener construction inputs. Routes may be nil.
type Config struct {
	Store      storage.Store
	Client     workerapi.Client
	Dispatcher *dispatch.Dispatcher
	Broker     *events.Broker
	Routes     RouteCleaner
	Recorder   metrics.Recorder
}

// NewListener creates a worker-event listener
func NewListener(cfg Config) *Listener {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Listener{
		store:      cfg.Store,
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		broker:     cfg.Broker,
		routes:     cfg.Routes,
		recorder:   recorder,
		logger:     log.WithComponent("listener"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the stream loop
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop halts the stream loop and waits for in-flight retries
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// run maintains a single long-lived subscription with small reconnect
// backoff. Shutdown cancels cleanly without reporting an error.
func (l *Listener) run(ctx context.Context) {
	l.logger.Info().Msg("Worker event listener started")

	for {
		if l.stopping(ctx) {
			l.logger.Info().Msg("Worker event listener stopped")
			return
		}

		stream, err := l.client.SubscribeEvents(ctx)
		if err != nil {
			if l.stopping(ctx) {
				l.logger.Info().Msg("Worker event listener stopped")
				return
			}
			l.logger.Warn().Err(err).Msg("Event stream subscribe failed, retrying")
			l.sleep(ctx, reconnectBackoff)
			continue
		}

		l.consume(ctx, stream)
		stream.Close()

		if l.stopping(ctx) {
			l.logger.Info().Msg("Worker event listener stopped")
			return
		}
		l.sleep(ctx, reconnectBackoff)
	}
}

func (l *Listener) stopping(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (l *Listener) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.stopCh:
	case <-ctx.Done():
	}
}

func (l *Listener) consume(ctx context.Context, stream workerapi.EventStream) {
	for {
		event, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || l.stopping(ctx) {
				// Clean shutdown or graceful stream end
				return
			}
			l.logger.Warn().Err(err).Msg("Event stream broke, reconnecting")
			return
		}
		l.handleEvent(ctx, event)
	}
}

// handleEvent routes one stream message by kind. Per-run ordering is
// preserved because the stream is consumed sequentially.
func (l *Listener) handleEvent(ctx context.Context, event *workerapi.Event) {
	l.recorder.WorkerEvent(event.Kind)

	switch event.Kind {
	case workerapi.EventKindLogChunk:
		// Chunked log output is published, never persisted
		l.publish(events.EventRunLogChunk, event.RunID, event.Message)

	case workerapi.EventKindCompleted:
		l.handleCompleted(ctx, event)

	default:
		l.persistRunEvent(ctx, event)
		l.publish(events.EventRunLog, event.RunID, event.Message)
	}
}

// persistRunEvent stores a non-completion event as a structured event.
// Events carrying their own sequence are deduped by it; the rest get a
// store-allocated per-run sequence.
func (l *Listener) persistRunEvent(ctx context.Context, event *workerapi.Event) {
	seq, ok := payloadSequence(event.PayloadJSON)
	if !ok {
		var err error
		seq, err = l.store.NextRunSequence(ctx, event.RunID)
		if err != nil {
			l.logger.Error().Err(err).Str("run_id", event.RunID).Msg("Failed to allocate event sequence")
			return
		}
	}

	structured := &types.StructuredEvent{
		RunID:         event.RunID,
		Sequence:      seq,
		EventType:     event.Kind,
		Summary:       event.Message,
		Payload:       []byte(event.PayloadJSON),
		SchemaVersion: 1,
		Timestamp:     time.UnixMilli(event.TimestampMs).UTC(),
	}
	if category, ok := payloadCategory(event.PayloadJSON); ok {
		structured.Category = category
	}

	if err := l.store.AppendStructuredEvent(ctx, structured); err != nil {
		l.logger.Error().Err(err).Str("run_id", event.RunID).Msg("Failed to persist run event")
	}
}

func payloadSequence(payload string) (int64, bool) {
	if payload == "" {
		return 0, false
	}
	var probe struct {
		Sequence *int64 `json:"sequence"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil || probe.Sequence == nil {
		return 0, false
	}
	return *probe.Sequence, true
}

func payloadCategory(payload string) (string, bool) {
	if payload == "" {
		return "", false
	}
	var probe struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil || probe.Category == "" {
		return "", false
	}
	return probe.Category, true
}

// handleCompleted projects a completion envelope into terminal run
// state, cleans the proxy route, and evaluates the retry policy.
func (l *Listener) handleCompleted(ctx context.Context, event *workerapi.Event) {
	logger := l.logger.With().Str("run_id", event.RunID).Logger()

	envelope, err := workerapi.ParseEnvelope(event.PayloadJSON)
	if err != nil {
		logger.Warn().Err(err).Msg("Unparseable completion envelope")
		envelope = &workerapi.Envelope{
			Status:  "failed",
			Summary: "Envelope validation failed",
			Error:   fmt.Sprintf("Envelope validation: %v", err),
		}
	}

	succeeded := envelope.Succeeded()
	class := types.FailureClassNone
	if !succeeded {
		class = ClassifyFailure(envelope.Error)
	}

	if err := l.store.MarkRunCompleted(ctx, event.RunID, succeeded, envelope.Summary, []byte(event.PayloadJSON), class, envelope.PRURL()); err != nil {
		logger.Error().Err(err).Msg("Failed to persist run completion")
		return
	}

	if l.routes != nil {
		l.routes.RemoveRoute(event.RunID)
	}

	if succeeded {
		l.publish(events.EventRunSucceeded, event.RunID, envelope.Summary)
		return
	}

	l.publish(events.EventRunFailed, event.RunID, envelope.Summary)
	l.recorder.RunFailed(string(class))
	l.recordFailure(ctx, event.RunID, envelope, class)
	l.maybeRetry(ctx, event.RunID)
}

// ClassifyFailure derives a failure class from envelope error text by
// keyword match. This is a stopgap; richer classification lives
// downstream.
func ClassifyFailure(errorText string) types.FailureClass {
	if strings.Contains(errorText, "Envelope validation") {
		return types.FailureClassEnvelopeValidation
	}
	lower := strings.ToLower(errorText)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "cancelled") {
		return types.FailureClassTimeout
	}
	return types.FailureClassNone
}

func (l *Listener) recordFailure(ctx context.Context, runID string, envelope *workerapi.Envelope, class types.FailureClass) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		l.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to load failed run for finding")
		return
	}

	detail := envelope.Error
	if detail == "" {
		detail = envelope.Summary
	}
	finding := &types.Finding{
		ID:           uuid.New().String(),
		RunID:        runID,
		TaskID:       run.TaskID,
		Title:        "Run failed",
		Detail:       detail,
		FailureClass: class,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.CreateFinding(ctx, finding); err != nil {
		l.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to create finding")
	}
	l.publish(events.EventFindingCreated, runID, finding.Detail)
}

// maybeRetry schedules a fresh attempt when the retry policy allows
func (l *Listener) maybeRetry(ctx context.Context, runID string) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		l.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to load run for retry")
		return
	}
	task, err := l.store.GetTask(ctx, run.TaskID)
	if err != nil {
		l.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to load task for retry")
		return
	}

	if run.Attempt >= task.Retry.MaxAttempts {
		return
	}

	delay := RetryDelay(task.Retry, run.Attempt)
	l.logger.Info().
		Str("run_id", runID).
		Int("attempt", run.Attempt).
		Dur("delay", delay).
		Msg("Scheduling retry")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}

		l.dispatchRetry(ctx, run, task)
	}()
}

func (l *Listener) dispatchRetry(ctx context.Context, failed *types.Run, task *types.Task) {
	repo, err := l.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		l.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to load repository for retry")
		return
	}

	retry := &types.Run{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		RepositoryID:    failed.RepositoryID,
		ProjectID:       failed.ProjectID,
		Attempt:         failed.Attempt + 1,
		State:           types.RunStateQueued,
		CreatedAt:       time.Now().UTC(),
		AutomationRunID: failed.AutomationRunID,
	}
	if err := l.store.CreateRun(ctx, retry); err != nil {
		l.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to create retry run")
		return
	}

	l.recorder.RunRetried()
	if _, err := l.dispatcher.Dispatch(ctx, repo, task, retry); err != nil {
		l.logger.Error().Err(err).Str("run_id", retry.ID).Msg("Retry dispatch failed")
	}
}

// RetryDelay computes base * multiplier^(attempt-1) seconds, capped at
// five minutes
func RetryDelay(policy types.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseBackoffSeconds)
	if base <= 0 {
		base = 1
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}
	seconds := base * math.Pow(mult, float64(attempt-1))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (l *Listener) publish(eventType events.EventType, runID, message string) {
	if l.broker == nil {
		return
	}
	l.broker.Publish(&events.Event{Type: eventType, RunID: runID, Message: message})
}
