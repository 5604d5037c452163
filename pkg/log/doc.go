/*
Package log provides structured logging for Foreman using zerolog.

All components obtain a child logger through WithComponent and attach
entity ids (run, task, runtime) as fields rather than formatting them
into messages:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("run_id", run.ID).Msg("Run dispatched")

Init must be called once at process start, before any component is
constructed.
*/
package log
