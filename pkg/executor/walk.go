package executor

import (
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/types"
)

// stepOutcome is the tagged result of one step execution. The walker, not
// the step, decides how each outcome affects the run.
type stepOutcome struct {
	kind    outcomeKind
	message string
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

func ok() stepOutcome                { return stepOutcome{kind: outcomeOK} }
func skipped(msg string) stepOutcome { return stepOutcome{kind: outcomeSkipped, message: msg} }
func failed(msg string) stepOutcome  { return stepOutcome{kind: outcomeFailed, message: msg} }
func cancelled() stepOutcome         { return stepOutcome{kind: outcomeCancelled} }

// totalOverallSteps expands loops at traversal time: 1 per non-loop root
// step, iteration count times the expanded weight of the children per loop.
// Nested loops multiply.
func totalOverallSteps(r *types.Recipe, logger zerolog.Logger) int {
	total := 0
	for _, root := range r.RootSteps() {
		total += stepWeight(r, root, logger)
	}
	return total
}

func stepWeight(r *types.Recipe, s *types.Step, logger zerolog.Logger) int {
	if s.Type != types.StepLoop {
		return 1
	}
	n := loopIterations(s, logger)
	w := 0
	for _, child := range r.ChildrenOf(s.ID) {
		w += stepWeight(r, child, logger)
	}
	return n * w
}

// walk executes root steps in sequence order, checking cancellation before
// each step
func (e *Executor) walk(rn *run, recipe *types.Recipe, exec *types.ProcessExecution, state *types.ExecutionState, logger zerolog.Logger) stepOutcome {
	counter := 0
	for _, root := range recipe.RootSteps() {
		if rn.cancelled() {
			return cancelled()
		}
		out := e.executeNode(rn, recipe, exec, state, root, &counter, nil, nil, logger)
		if out.kind == outcomeFailed || out.kind == outcomeCancelled {
			return out
		}
	}
	return ok()
}

// executeNode executes one step node. Loops expand structurally; leaves
// execute once and advance the overall counter.
func (e *Executor) executeNode(rn *run, recipe *types.Recipe, exec *types.ProcessExecution, state *types.ExecutionState, step *types.Step, counter *int, loopIter, loopCount *int, logger zerolog.Logger) stepOutcome {
	if rn.cancelled() {
		return cancelled()
	}

	if step.Type == types.StepLoop {
		n := loopIterations(step, logger)
		children := recipe.ChildrenOf(step.ID)
		for i := 1; i <= n; i++ {
			iter, count := i, n
			for _, child := range children {
				if rn.cancelled() {
					return cancelled()
				}
				out := e.executeNode(rn, recipe, exec, state, child, counter, &iter, &count, logger)
				if out.kind == outcomeFailed || out.kind == outcomeCancelled {
					return out
				}
			}
		}
		return ok()
	}

	*counter++
	timer := metrics.NewTimer()
	out := e.executeLeaf(rn, exec, step, *counter, loopIter, logger)
	metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(timer.Duration().Seconds())
	metrics.StepsExecutedTotal.WithLabelValues(string(step.Type), resultLabel(out)).Inc()

	// Progress-update failures never fail the step.
	e.updateProgress(exec, state, step, *counter, loopIter, loopCount, logger)

	if out.kind == outcomeSkipped {
		logger.Error().
			Str("step_id", step.ID).
			Int("step_sequence", step.Sequence).
			Str("reason", out.message).
			Msg("Step skipped")
		return ok()
	}
	return out
}

func resultLabel(out stepOutcome) string {
	switch out.kind {
	case outcomeOK:
		return "ok"
	case outcomeSkipped:
		return "skipped"
	case outcomeFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Defensive config resolution. Malformed step config must never crash the
// executor: missing loop counts default to 1, durations to 1000 ms, valve
// numbers to 1.

const (
	defaultValveNumber = 1
	defaultDurationMS  = 1000
)

func loopIterations(s *types.Step, logger zerolog.Logger) int {
	if s.Loop != nil {
		if s.Loop.IterationCount > 0 {
			return s.Loop.IterationCount
		}
		logger.Warn().Str("step_id", s.ID).Int("count", s.Loop.IterationCount).
			Msg("Invalid loop count, defaulting to 1 iteration")
		return 1
	}
	if n, found := rawInt(s, "iteration_count", "count"); found {
		if n > 0 {
			return n
		}
		logger.Warn().Str("step_id", s.ID).Int("count", n).
			Msg("Invalid loop count, defaulting to 1 iteration")
		return 1
	}
	logger.Warn().Str("step_id", s.ID).Msg("Missing loop count, defaulting to 1 iteration")
	return 1
}

func valveConfig(s *types.Step, logger zerolog.Logger) types.ValveConfig {
	cfg := types.ValveConfig{ValveNumber: defaultValveNumber, DurationMS: defaultDurationMS}
	if s.Valve != nil {
		cfg = *s.Valve
	} else {
		if n, found := rawInt(s, "valve_number", "valve"); found {
			cfg.ValveNumber = n
		}
		if d, found := rawInt(s, "duration_ms", "duration"); found {
			cfg.DurationMS = d
		}
	}
	if cfg.ValveNumber <= 0 {
		logger.Warn().Str("step_id", s.ID).Msg("Missing valve number, defaulting to 1")
		cfg.ValveNumber = defaultValveNumber
	}
	if cfg.DurationMS <= 0 {
		logger.Warn().Str("step_id", s.ID).Msg("Missing valve duration, defaulting to 1000 ms")
		cfg.DurationMS = defaultDurationMS
	}
	return cfg
}

func purgeConfig(s *types.Step, logger zerolog.Logger) types.PurgeConfig {
	cfg := types.PurgeConfig{DurationMS: defaultDurationMS}
	if s.Purge != nil {
		cfg = *s.Purge
	} else {
		if d, found := rawInt(s, "duration_ms", "duration"); found {
			cfg.DurationMS = d
		}
		if gas, found := rawString(s, "gas_type", "gas"); found {
			cfg.GasType = &gas
		}
		if flow, found := rawFloat(s, "flow_rate", "flow"); found {
			cfg.FlowRate = &flow
		}
	}
	if cfg.DurationMS <= 0 {
		logger.Warn().Str("step_id", s.ID).Msg("Missing purge duration, defaulting to 1000 ms")
		cfg.DurationMS = defaultDurationMS
	}
	return cfg
}

// parameterConfig returns the resolved parameter step config, or false
// when id or value is missing; the walker skips such steps.
func parameterConfig(s *types.Step) (types.ParameterStepConfig, bool) {
	if s.Parameter != nil && s.Parameter.ParameterID != "" {
		return *s.Parameter, true
	}
	id, idFound := rawString(s, "parameter_id", "parameter")
	value, valueFound := rawFloat(s, "target_value", "value")
	if !idFound || !valueFound {
		return types.ParameterStepConfig{}, false
	}
	return types.ParameterStepConfig{ParameterID: id, TargetValue: value}, true
}

// Raw parameters_json accessors, the backwards-compatible fallback when a
// step carries no normalized config row. Values may arrive as JSON numbers
// or as numeric strings; both are accepted.

func rawObject(s *types.Step) map[string]any {
	if len(s.RawParams) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.RawParams, &m); err != nil {
		return nil
	}
	return m
}

func rawInt(s *types.Step, keys ...string) (int, bool) {
	if f, found := rawFloat(s, keys...); found {
		return int(f), true
	}
	return 0, false
}

func rawFloat(s *types.Step, keys ...string) (float64, bool) {
	m := rawObject(s)
	for _, key := range keys {
		v, present := m[key]
		if !present || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func rawString(s *types.Step, keys ...string) (string, bool) {
	m := rawObject(s)
	for _, key := range keys {
		if v, present := m[key]; present {
			if str, isStr := v.(string); isStr && str != "" {
				return str, true
			}
		}
	}
	return "", false
}

// updateProgress writes the execution state row after a step. Failures are
// logged and swallowed; progress is advisory.
func (e *Executor) updateProgress(exec *types.ProcessExecution, state *types.ExecutionState, step *types.Step, counter int, loopIter, loopCount *int, logger zerolog.Logger) {
	state.CurrentOverallStep = counter
	state.CurrentStepID = &step.ID
	state.CurrentStepName = &step.Name
	stepType := step.Type
	state.CurrentStepType = &stepType
	state.CurrentLoopIteration = loopIter
	state.CurrentLoopCount = loopCount
	state.CurrentValveNumber = nil
	state.CurrentValveDurationMS = nil
	state.CurrentPurgeDurationMS = nil
	state.CurrentParameterID = nil
	state.CurrentParameterValue = nil

	switch step.Type {
	case types.StepValve:
		cfg := valveConfig(step, logger)
		state.CurrentValveNumber = &cfg.ValveNumber
		state.CurrentValveDurationMS = &cfg.DurationMS
	case types.StepPurge:
		cfg := purgeConfig(step, logger)
		state.CurrentPurgeDurationMS = &cfg.DurationMS
	case types.StepParameter:
		if cfg, found := parameterConfig(step); found {
			state.CurrentParameterID = &cfg.ParameterID
			state.CurrentParameterValue = &cfg.TargetValue
		}
	}

	ctx, cancel := contextWithShortTimeout()
	defer cancel()
	if err := e.store.UpdateExecutionState(ctx, state); err != nil {
		logger.Warn().Err(err).Int("step", counter).Msg("Progress update failed")
	}
}
