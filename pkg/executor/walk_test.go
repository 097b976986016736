package executor

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/nanofab/stratum/pkg/types"
)

func step(id string, typ types.StepType, seq int, parent *string) *types.Step {
	return &types.Step{ID: id, RecipeID: "r1", Sequence: seq, Type: typ, Name: id, ParentStepID: parent}
}

func rawStep(id string, typ types.StepType, seq int, raw string) *types.Step {
	s := step(id, typ, seq, nil)
	s.RawParams = json.RawMessage(raw)
	return s
}

func sptr(s string) *string { return &s }

func TestTotalOverallSteps(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name  string
		steps []*types.Step
		want  int
	}{
		{
			name: "flat sequence",
			steps: []*types.Step{
				step("s1", types.StepValve, 1, nil),
				step("s2", types.StepPurge, 2, nil),
				step("s3", types.StepParameter, 3, nil),
			},
			want: 3,
		},
		{
			name: "loop multiplies children",
			steps: func() []*types.Step {
				loop := step("loop", types.StepLoop, 1, nil)
				loop.Loop = &types.LoopConfig{IterationCount: 10}
				return []*types.Step{
					loop,
					step("c1", types.StepValve, 2, sptr("loop")),
					step("c2", types.StepPurge, 3, sptr("loop")),
				}
			}(),
			want: 20,
		},
		{
			name: "roots plus loop",
			steps: func() []*types.Step {
				loop := step("loop", types.StepLoop, 3, nil)
				loop.Loop = &types.LoopConfig{IterationCount: 3}
				return []*types.Step{
					step("s1", types.StepValve, 1, nil),
					step("s2", types.StepPurge, 2, nil),
					loop,
					step("c1", types.StepValve, 4, sptr("loop")),
					step("c2", types.StepPurge, 5, sptr("loop")),
				}
			}(),
			want: 8,
		},
		{
			name: "nested loops multiply",
			steps: func() []*types.Step {
				outer := step("outer", types.StepLoop, 1, nil)
				outer.Loop = &types.LoopConfig{IterationCount: 3}
				inner := step("inner", types.StepLoop, 2, sptr("outer"))
				inner.Loop = &types.LoopConfig{IterationCount: 2}
				return []*types.Step{
					outer,
					inner,
					step("c1", types.StepValve, 3, sptr("inner")),
				}
			}(),
			want: 6,
		},
		{
			name: "empty loop counts zero",
			steps: func() []*types.Step {
				loop := step("loop", types.StepLoop, 1, nil)
				loop.Loop = &types.LoopConfig{IterationCount: 4}
				return []*types.Step{loop}
			}(),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &types.Recipe{ID: "r1", Steps: tt.steps}
			assert.Equal(t, tt.want, totalOverallSteps(r, logger))
		})
	}
}

// TestLoopIterationsDefensive pins the defensive defaults for malformed
// loop configuration
func TestLoopIterationsDefensive(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name string
		step *types.Step
		want int
	}{
		{name: "normalized config", step: func() *types.Step {
			s := step("l", types.StepLoop, 1, nil)
			s.Loop = &types.LoopConfig{IterationCount: 7}
			return s
		}(), want: 7},
		{name: "zero count defaults to one", step: func() *types.Step {
			s := step("l", types.StepLoop, 1, nil)
			s.Loop = &types.LoopConfig{IterationCount: 0}
			return s
		}(), want: 1},
		{name: "raw iteration_count", step: rawStep("l", types.StepLoop, 1, `{"iteration_count": 5}`), want: 5},
		{name: "raw legacy count key", step: rawStep("l", types.StepLoop, 1, `{"count": 4}`), want: 4},
		{name: "raw numeric string", step: rawStep("l", types.StepLoop, 1, `{"count": "6"}`), want: 6},
		{name: "raw negative defaults to one", step: rawStep("l", types.StepLoop, 1, `{"count": -2}`), want: 1},
		{name: "missing config defaults to one", step: step("l", types.StepLoop, 1, nil), want: 1},
		{name: "malformed json defaults to one", step: rawStep("l", types.StepLoop, 1, `{broken`), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, loopIterations(tt.step, logger))
		})
	}
}

func TestValveConfigDefensive(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name         string
		step         *types.Step
		wantValve    int
		wantDuration int
	}{
		{name: "normalized config", step: func() *types.Step {
			s := step("v", types.StepValve, 1, nil)
			s.Valve = &types.ValveConfig{ValveNumber: 3, DurationMS: 250}
			return s
		}(), wantValve: 3, wantDuration: 250},
		{name: "raw params", step: rawStep("v", types.StepValve, 1, `{"valve_number": 2, "duration_ms": 50}`),
			wantValve: 2, wantDuration: 50},
		{name: "raw legacy keys", step: rawStep("v", types.StepValve, 1, `{"valve": 4, "duration": 75}`),
			wantValve: 4, wantDuration: 75},
		{name: "missing config gets defaults", step: step("v", types.StepValve, 1, nil),
			wantValve: 1, wantDuration: 1000},
		{name: "invalid values get defaults", step: rawStep("v", types.StepValve, 1, `{"valve_number": 0, "duration_ms": -5}`),
			wantValve: 1, wantDuration: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valveConfig(tt.step, logger)
			assert.Equal(t, tt.wantValve, cfg.ValveNumber)
			assert.Equal(t, tt.wantDuration, cfg.DurationMS)
		})
	}
}

func TestPurgeConfigDefensive(t *testing.T) {
	logger := zerolog.Nop()

	s := rawStep("p", types.StepPurge, 1, `{"duration_ms": 30, "gas_type": "N2", "flow_rate": 20.5}`)
	cfg := purgeConfig(s, logger)
	assert.Equal(t, 30, cfg.DurationMS)
	if assert.NotNil(t, cfg.GasType) {
		assert.Equal(t, "N2", *cfg.GasType)
	}
	if assert.NotNil(t, cfg.FlowRate) {
		assert.Equal(t, 20.5, *cfg.FlowRate)
	}

	empty := purgeConfig(step("p", types.StepPurge, 1, nil), logger)
	assert.Equal(t, 1000, empty.DurationMS)
	assert.Nil(t, empty.GasType)
}

func TestParameterConfig(t *testing.T) {
	s := step("ps", types.StepParameter, 1, nil)
	s.Parameter = &types.ParameterStepConfig{ParameterID: "p-temp", TargetValue: 250}
	cfg, found := parameterConfig(s)
	assert.True(t, found)
	assert.Equal(t, "p-temp", cfg.ParameterID)
	assert.Equal(t, 250.0, cfg.TargetValue)

	raw := rawStep("ps", types.StepParameter, 1, `{"parameter_id": "p-temp", "target_value": "42.5"}`)
	cfg, found = parameterConfig(raw)
	assert.True(t, found)
	assert.Equal(t, 42.5, cfg.TargetValue)

	// Missing value means the step must be skipped, not executed.
	_, found = parameterConfig(rawStep("ps", types.StepParameter, 1, `{"parameter_id": "p-temp"}`))
	assert.False(t, found)

	_, found = parameterConfig(step("ps", types.StepParameter, 1, nil))
	assert.False(t, found)
}
