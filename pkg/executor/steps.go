package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/types"
)

func contextWithShortTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// executeLeaf dispatches one non-loop step. Unknown kinds fail the run;
// the dispatch is exhaustive so a new kind cannot silently succeed.
func (e *Executor) executeLeaf(rn *run, exec *types.ProcessExecution, step *types.Step, counter int, loopIter *int, logger zerolog.Logger) stepOutcome {
	logger.Info().
		Str("step_id", step.ID).
		Str("type", string(step.Type)).
		Int("overall_step", counter).
		Msg("Executing step")

	switch step.Type {
	case types.StepValve:
		return e.executeValve(rn, exec, step, loopIter, logger)
	case types.StepPurge:
		return e.executePurge(rn, step, logger)
	case types.StepParameter:
		return e.executeParameter(rn, exec, step, loopIter, logger)
	default:
		return failed(fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// executeValve opens the valve coil, holds for the configured duration on
// the monotonic clock, then closes it. Cancellation during the hold still
// closes the valve before yielding.
func (e *Executor) executeValve(rn *run, exec *types.ProcessExecution, step *types.Step, loopIter *int, logger zerolog.Logger) stepOutcome {
	cfg := valveConfig(step, logger)
	addr := e.valveCoilAddress(cfg.ValveNumber)
	name := fmt.Sprintf("valve_%d", cfg.ValveNumber)

	open := e.auditedCoilWrite(exec, step, loopIter, types.OpValveOpen, name, addr, true)
	if open != nil {
		return failed(fmt.Sprintf("valve %d open failed: %v", cfg.ValveNumber, open))
	}

	interrupted := e.hold(rn, time.Duration(cfg.DurationMS)*time.Millisecond)

	closeErr := e.auditedCoilWrite(exec, step, loopIter, types.OpValveClose, name, addr, false)
	if closeErr != nil {
		return failed(fmt.Sprintf("valve %d close failed: %v", cfg.ValveNumber, closeErr))
	}
	if interrupted {
		return cancelled()
	}
	return ok()
}

// executePurge is a timed wait; gas type and flow rate are recorded but
// have no PLC effect in the current scope
func (e *Executor) executePurge(rn *run, step *types.Step, logger zerolog.Logger) stepOutcome {
	cfg := purgeConfig(step, logger)

	ev := logger.Info().Int("duration_ms", cfg.DurationMS)
	if cfg.GasType != nil {
		ev = ev.Str("gas_type", *cfg.GasType)
	}
	if cfg.FlowRate != nil {
		ev = ev.Float64("flow_rate", *cfg.FlowRate)
	}
	ev.Msg("Purging")

	if e.hold(rn, time.Duration(cfg.DurationMS)*time.Millisecond) {
		return cancelled()
	}
	return ok()
}

// executeParameter delegates to the adapter's typed write path. A missing
// id or value skips the step; it never crashes the run.
func (e *Executor) executeParameter(rn *run, exec *types.ProcessExecution, step *types.Step, loopIter *int, logger zerolog.Logger) stepOutcome {
	cfg, found := parameterConfig(step)
	if !found {
		return skipped("parameter step missing parameter id or target value")
	}

	// Accept either an id or a display name in the config.
	paramID := cfg.ParameterID
	p, okByID := e.cache.GetByID(paramID)
	if !okByID {
		byName, err := e.cache.GetByName(paramID)
		if err != nil {
			return skipped(fmt.Sprintf("unknown parameter %q", paramID))
		}
		p = byName
		paramID = p.ID
	}

	rec := e.newAudit(exec, step, loopIter, types.OpParameterWrite, p.Name)
	rec.TargetValue = &cfg.TargetValue
	if p.WriteAddress != nil {
		rec.ModbusAddress = p.WriteAddress
		mt := string(p.WriteKind)
		rec.ModbusType = &mt
	}

	ctx, cancel := contextWithShortTimeout()
	defer cancel()

	writeStart := time.Now().UTC()
	rec.PLCWriteStart = &writeStart
	err := e.client.WriteParameter(ctx, paramID, cfg.TargetValue)
	writeEnd := time.Now().UTC()
	rec.PLCWriteEnd = &writeEnd

	if err != nil {
		e.finishAudit(rec, "failed", err)
		return failed(fmt.Sprintf("parameter write %s=%v failed: %v", paramID, cfg.TargetValue, err))
	}

	if e.tuning.VerifyWrites {
		e.verifyWrite(ctx, rec, paramID, cfg.TargetValue, logger)
	}

	e.finishAudit(rec, "completed", nil)
	return ok()
}

// verifyWrite reads the setpoint back and records the comparison. A
// mismatch is logged but does not fail the step.
func (e *Executor) verifyWrite(ctx context.Context, rec *types.AuditRecord, paramID string, target float64, logger zerolog.Logger) {
	rec.VerificationAttempted = true
	actual, err := e.client.ReadSetpoint(ctx, paramID)
	if err != nil {
		logger.Warn().Err(err).Str("parameter_id", paramID).Msg("Verification readback failed")
		return
	}
	rec.ActualValue = &actual
	rec.VerificationSuccess = math.Abs(actual-target) <= 0.01
	if !rec.VerificationSuccess {
		logger.Warn().
			Str("parameter_id", paramID).
			Float64("target", target).
			Float64("actual", actual).
			Msg("Write verification mismatch")
	}
}

// hold waits for d, waking immediately on cancellation. Returns true when
// the hold was interrupted.
func (e *Executor) hold(rn *run, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-rn.cancelCh:
		return true
	}
}

// valveCoilAddress maps a valve number to its coil. A parameter named
// valve_<n> in the catalog takes precedence; otherwise the valve number is
// the coil address, matching the device's default layout.
func (e *Executor) valveCoilAddress(valveNumber int) uint16 {
	if p, err := e.cache.GetByName(fmt.Sprintf("valve_%d", valveNumber)); err == nil && p.WriteAddress != nil {
		return *p.WriteAddress
	}
	return uint16(valveNumber)
}

// auditedCoilWrite performs one coil write with a full audit row
func (e *Executor) auditedCoilWrite(exec *types.ProcessExecution, step *types.Step, loopIter *int, op types.OperationType, name string, addr uint16, on bool) error {
	rec := e.newAudit(exec, step, loopIter, op, name)
	target := 0.0
	if on {
		target = 1.0
	}
	rec.TargetValue = &target
	rec.ModbusAddress = &addr
	mt := string(types.RegisterCoil)
	rec.ModbusType = &mt

	ctx, cancel := contextWithShortTimeout()
	defer cancel()

	writeStart := time.Now().UTC()
	rec.PLCWriteStart = &writeStart
	err := e.client.WriteCoil(ctx, addr, on)
	writeEnd := time.Now().UTC()
	rec.PLCWriteEnd = &writeEnd

	if err != nil {
		e.finishAudit(rec, "failed", err)
		return err
	}
	e.finishAudit(rec, "completed", nil)
	return nil
}

func (e *Executor) newAudit(exec *types.ProcessExecution, step *types.Step, loopIter *int, op types.OperationType, name string) *types.AuditRecord {
	return &types.AuditRecord{
		ID:            uuid.New().String(),
		ProcessID:     exec.ID,
		RecipeID:      exec.RecipeID,
		StepID:        step.ID,
		MachineID:     e.machineID,
		OperationType: op,
		ParameterName: name,
		StepSequence:  step.Sequence,
		LoopIteration: loopIter,
		InitiatedAt:   time.Now().UTC(),
	}
}

func (e *Executor) finishAudit(rec *types.AuditRecord, status string, opErr error) {
	now := time.Now().UTC()
	rec.OperationCompletedAt = &now
	rec.DurationMS = now.Sub(rec.InitiatedAt).Milliseconds()
	rec.FinalStatus = status
	if opErr != nil {
		msg := truncate(opErr.Error(), 500)
		rec.ErrorMessage = &msg
	}

	ctx, cancel := contextWithShortTimeout()
	defer cancel()
	if err := e.store.InsertAudit(ctx, rec); err != nil {
		e.logger.Warn().Err(err).
			Str("operation", string(rec.OperationType)).
			Msg("Failed to write audit row")
	}
}
