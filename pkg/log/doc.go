/*
Package log provides structured logging for Stratum using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. Every terminal tags its log lines
with the terminal role and machine id so that logs from the three services
sharing one machine can be separated downstream.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Terminal loggers:

	samplerLog := log.WithTerminal("sampler", machineID)
	samplerLog.Info().Float64("tick_seconds", 1.0).Msg("Sampler started")

	execLog := log.WithTerminal("executor", machineID).
		With().Str("process_id", processID).Logger()
	execLog.Error().Err(err).Int("step_sequence", seq).Msg("Step failed")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - WithTerminal for the role/machine pair, WithProcessID for runs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Float64, .Err)
  - Enables log aggregation and querying
*/
package log
