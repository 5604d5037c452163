package metrics

// Recorder is the metrics surface components depend on. The prometheus
// implementation updates the package collectors; Noop discards
// everything and is always acceptable.
type Recorder interface {
	RunDispatched()
	RunDeferred(limit string)
	RunFailed(class string)
	RunRetried()
	RuntimeStart(outcome string)
	RecoveryTermination(class string)
	BackgroundWorkDone(state string)
	WorkerEvent(kind string)
}

// PromRecorder records into the package-level prometheus collectors
type PromRecorder struct{}

func (PromRecorder) RunDispatched()                 { RunsDispatched.Inc() }
func (PromRecorder) RunDeferred(limit string)       { RunsDeferred.WithLabelValues(limit).Inc() }
func (PromRecorder) RunFailed(class string)         { RunsFailed.WithLabelValues(class).Inc() }
func (PromRecorder) RunRetried()                    { RunRetries.Inc() }
func (PromRecorder) RuntimeStart(outcome string)    { RuntimeStarts.WithLabelValues(outcome).Inc() }
func (PromRecorder) RecoveryTermination(class string) {
	RecoveryTerminations.WithLabelValues(class).Inc()
}
func (PromRecorder) BackgroundWorkDone(state string) { BackgroundWorkTotal.WithLabelValues(state).Inc() }
func (PromRecorder) WorkerEvent(kind string)         { WorkerEventsTotal.WithLabelValues(kind).Inc() }

// Noop discards all recordings
type Noop struct{}

func (Noop) RunDispatched()             {}
func (Noop) RunDeferred(string)         {}
func (Noop) RunFailed(string)           {}
func (Noop) RunRetried()                {}
func (Noop) RuntimeStart(string)        {}
func (Noop) RecoveryTermination(string) {}
func (Noop) BackgroundWorkDone(string)  {}
func (Noop) WorkerEvent(string)         {}
