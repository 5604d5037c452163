package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_runs_dispatched_total",
			Help: "Total number of runs accepted by a task runtime",
		},
	)

	RunsDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_runs_deferred_total",
			Help: "Total number of runs left queued by an admission limit",
		},
		[]string{"limit"},
	)

	RunsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_runs_failed_total",
			Help: "Total number of failed runs by failure class",
		},
		[]string{"class"},
	)

	RunRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_run_retries_total",
			Help: "Total number of retry dispatches after failed attempts",
		},
	)

	// Runtime pool metrics
	RuntimesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_runtimes_total",
			Help: "Total number of task runtimes by state",
		},
		[]string{"state"},
	)

	RuntimeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_runtime_starts_total",
			Help: "Total number of runtime start attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Loop metrics
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduler_tick_duration_seconds",
			Help:    "Duration of cron scheduler ticks",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_pool_reconciliation_duration_seconds",
			Help:    "Duration of runtime pool reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_recovery_terminations_total",
			Help: "Total number of runs terminated by the recovery monitor",
		},
		[]string{"class"},
	)

	BackgroundWorkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_background_work_total",
			Help: "Total number of background work items by terminal state",
		},
		[]string{"state"},
	)

	WorkerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_worker_events_total",
			Help: "Total number of worker events consumed by kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the default Prometheus registry.
// Must be called once at startup.
func Register() {
	prometheus.MustRegister(
		RunsDispatched,
		RunsDeferred,
		RunsFailed,
		RunRetries,
		RuntimesTotal,
		RuntimeStarts,
		SchedulerTickDuration,
		ReconciliationDuration,
		RecoveryTerminations,
		BackgroundWorkTotal,
		WorkerEventsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer tracks elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed seconds into the histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
