package writer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/types"
)

const verifyTolerance = 0.01

// process drives one claimed command to completion: resolve the write
// path, attempt the PLC write with bounded retry, optionally verify, and
// finalize the row. It runs in its own goroutine.
func (w *Writer) process(cmd *types.ControlCommand) {
	logger := w.logger.With().Str("command_id", cmd.ID).Logger()
	start := time.Now()

	if cmd.TimeoutMS != nil {
		// Accepted for compatibility; deadlines are not enforced yet.
		logger.Debug().Int("timeout_ms", *cmd.TimeoutMS).Msg("Command carries a timeout hint")
	}

	err := w.writeWithRetry(cmd, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		metrics.CommandsProcessedTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).
			Dur("elapsed", time.Since(start)).
			Msg("Parameter command failed")
		if ferr := w.store.FailControlCommand(ctx, cmd.ID, truncate(err.Error(), 500)); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to finalize command as failed")
		}
		return
	}

	metrics.CommandsProcessedTotal.WithLabelValues("completed").Inc()
	logger.Info().
		Float64("target_value", cmd.TargetValue).
		Dur("elapsed", time.Since(start)).
		Msg("Parameter command completed")
	if cerr := w.store.CompleteControlCommand(ctx, cmd.ID); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to finalize command as completed")
	}
}

// writeWithRetry performs the PLC write, spacing attempts by the
// configured backoff schedule. Before each attempt the transport is
// checked and, when down, given up to the reconnect window to come back.
func (w *Writer) writeWithRetry(cmd *types.ControlCommand, logger zerolog.Logger) error {
	attempts := len(w.tuning.RetryBackoffs)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := w.tuning.RetryBackoffs[attempt-2]
			logger.Warn().Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying parameter write")
			if !w.sleep(delay) {
				return lastErr
			}
		}

		w.ensureConnected(logger)

		metrics.WriteAttemptsTotal.Inc()
		lastErr = w.performWrite(cmd, logger)
		if lastErr == nil {
			w.verify(cmd, logger)
			return nil
		}
	}
	return fmt.Errorf("write failed after %d attempts: %w", attempts, lastErr)
}

// ensureConnected waits up to the reconnect window for the transport; a
// still-down transport lets the attempt proceed and fail, consuming one
// slot of the retry budget
func (w *Writer) ensureConnected(logger zerolog.Logger) {
	if w.client.IsConnected() {
		return
	}
	logger.Warn().
		Dur("wait", w.tuning.ReconnectWait).
		Msg("PLC disconnected, waiting for reconnection")
	ctx, cancel := context.WithTimeout(context.Background(), w.tuning.ReconnectWait)
	defer cancel()
	if err := w.client.Reconnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("PLC reconnection failed")
	}
}

// performWrite resolves the command's write path and issues one typed
// write. Resolution order: direct-address override, then catalog lookup
// by parameter id, then by display name. A catalog-resolved write that
// fails on transport falls back to the parameter's raw write address.
func (w *Writer) performWrite(cmd *types.ControlCommand, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if addr, typeName := cmd.RawAddress(); addr != nil {
		return w.writeRaw(ctx, *addr, typeName, cmd.TargetValue, logger)
	}

	p, err := w.resolveParameter(cmd)
	if err != nil {
		return err
	}

	werr := w.client.WriteParameter(ctx, p.ID, cmd.TargetValue)
	if werr == nil {
		return nil
	}

	// Degraded fallback: bypass the adapter's resolution and address the
	// register directly.
	if p.WriteAddress != nil {
		typeName := string(p.DataType)
		logger.Warn().Err(werr).
			Str("parameter_id", p.ID).
			Uint16("address", *p.WriteAddress).
			Msg("Adapter write failed, falling back to direct address")
		return w.writeRaw(ctx, *p.WriteAddress, &typeName, cmd.TargetValue, logger)
	}
	return werr
}

func (w *Writer) resolveParameter(cmd *types.ControlCommand) (*types.Parameter, error) {
	if cmd.ComponentParameterID != nil {
		if p, ok := w.cache.GetByID(*cmd.ComponentParameterID); ok {
			return p, nil
		}
		return nil, fmt.Errorf("unknown parameter id %q", *cmd.ComponentParameterID)
	}
	if cmd.ParameterName != nil {
		p, err := w.cache.GetByName(*cmd.ParameterName)
		if err != nil {
			return nil, fmt.Errorf("resolve parameter %q: %w", *cmd.ParameterName, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("command has no address, parameter id or parameter name")
}

// writeRaw maps a declared (or inferred) data type to the typed write for
// a direct register address. Binary targets become coil writes with
// value != 0; integer shapes use the int32 path; everything else is a
// 32-bit float.
func (w *Writer) writeRaw(ctx context.Context, addr uint16, typeName *string, value float64, logger zerolog.Logger) error {
	kind := ""
	if typeName != nil {
		kind = *typeName
	}

	switch kind {
	case "binary", "coil":
		return w.client.WriteCoil(ctx, addr, value != 0)
	case "int32", "int", "integer":
		return w.client.WriteInt32(ctx, addr, int32(value))
	case "int16":
		return w.client.WriteInt16(ctx, addr, int16(value))
	case "float", "holding", "":
		if kind == "" && value == math.Trunc(value) {
			// No declared type: whole values take the integer path.
			return w.client.WriteInt32(ctx, addr, int32(value))
		}
		return w.client.WriteFloat(ctx, addr, value)
	default:
		logger.Warn().Str("data_type", kind).Msg("Unknown data type, writing as float")
		return w.client.WriteFloat(ctx, addr, value)
	}
}

// verify reads the setpoint back when verification is enabled. A mismatch
// is advisory: it is logged and counted but the command still succeeds.
func (w *Writer) verify(cmd *types.ControlCommand, logger zerolog.Logger) {
	if !w.tuning.VerifyWrites {
		return
	}
	if addr, _ := cmd.RawAddress(); addr != nil {
		// A direct-address write has no catalog entry to read back
		// through; surface the gap instead of skipping silently.
		logger.Warn().Uint16("address", *addr).Msg("Verification skipped for direct-address command")
		return
	}
	p, err := w.resolveParameter(cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("Verification skipped, target not resolvable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	actual, err := w.client.ReadSetpoint(ctx, p.ID)
	if err != nil {
		logger.Warn().Err(err).Str("parameter_id", p.ID).Msg("Verification readback failed")
		return
	}
	if math.Abs(actual-cmd.TargetValue) > verifyTolerance {
		metrics.VerificationMismatchesTotal.Inc()
		logger.Warn().
			Str("parameter_id", p.ID).
			Float64("target", cmd.TargetValue).
			Float64("actual", actual).
			Msg("Write verification mismatch")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
