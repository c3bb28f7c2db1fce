/*
Package log provides structured logging for sane-workflows using zerolog.

The logging parts of the orchestrator core (resource pool, HPC model,
scheduler) never format their own log lines; each takes a zerolog.Logger from
its caller, and cmd/sane builds that logger with WithComponent, so a single
call to Init controls the level and encoding (console or JSON) for the whole
process. The DAG and the durable state do not log.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("action_id", "build").Msg("action finished")

WithAction, WithHost, and WithRun attach the identifiers that show up across
almost every log line this project emits: which action, which host it ran on,
and which run (a single run_actions invocation) it belongs to. Uninitialized
use of the package-level Logger is a silent no-op, matching zerolog's own zero
value semantics, so packages may log from init() without special-casing tests
that never call Init.
*/
package log
