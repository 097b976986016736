package plc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/stratum/pkg/types"
)

// testCatalog is a minimal in-memory Catalog for backend tests
type testCatalog struct {
	params []*types.Parameter
}

func (c *testCatalog) GetByID(id string) (*types.Parameter, bool) {
	for _, p := range c.params {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

func (c *testCatalog) Readable() []*types.Parameter {
	var out []*types.Parameter
	for _, p := range c.params {
		if p.Readable() {
			out = append(out, p)
		}
	}
	return out
}

func (c *testCatalog) Writable() []*types.Parameter {
	var out []*types.Parameter
	for _, p := range c.params {
		if p.Writable() {
			out = append(out, p)
		}
	}
	return out
}

func addr(a uint16) *uint16 { return &a }

func fval(f float64) *float64 { return &f }

func newTestCatalog() *testCatalog {
	return &testCatalog{params: []*types.Parameter{
		{
			ID:           "p-temp",
			Name:         "chamber_temperature",
			ColumnName:   "chamber_temperature",
			DataType:     types.DataTypeFloat,
			ReadAddress:  addr(100),
			ReadKind:     types.RegisterHolding,
			WriteAddress: addr(200),
			WriteKind:    types.RegisterHolding,
			IsWritable:   true,
			MinValue:     fval(0),
			MaxValue:     fval(500),
		},
		{
			ID:           "p-valve",
			Name:         "valve_1",
			ColumnName:   "valve_1",
			DataType:     types.DataTypeBinary,
			ReadAddress:  addr(5),
			ReadKind:     types.RegisterCoil,
			WriteAddress: addr(5),
			WriteKind:    types.RegisterCoil,
			IsWritable:   true,
		},
		{
			ID:          "p-count",
			Name:        "cycle_count",
			ColumnName:  "cycle_count",
			DataType:    types.DataTypeInt32,
			ReadAddress: addr(300),
			ReadKind:    types.RegisterHolding,
		},
	}}
}

func TestSimClientRequiresConnection(t *testing.T) {
	sim := NewSimClient(newTestCatalog())

	_, err := sim.ReadParameter(context.Background(), "p-temp")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = sim.WriteFloat(context.Background(), 200, 1.0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSimClientReadAll(t *testing.T) {
	sim := NewSimClient(newTestCatalog())
	require.NoError(t, sim.Connect(context.Background()))

	sim.SetRegister(100, 123.5)
	sim.SetCoil(5, true)

	values, err := sim.ReadAllParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 123.5, values["p-temp"])
	assert.Equal(t, 1.0, values["p-valve"])
	assert.Equal(t, 0.0, values["p-count"])
}

func TestSimClientWriteParameterRoundTrip(t *testing.T) {
	sim := NewSimClient(newTestCatalog())
	require.NoError(t, sim.Connect(context.Background()))

	require.NoError(t, sim.WriteParameter(context.Background(), "p-temp", 250.5))

	got, err := sim.ReadSetpoint(context.Background(), "p-temp")
	require.NoError(t, err)
	assert.Equal(t, 250.5, got)
}

func TestSimClientBinaryWriteSetsCoil(t *testing.T) {
	sim := NewSimClient(newTestCatalog())
	require.NoError(t, sim.Connect(context.Background()))

	require.NoError(t, sim.WriteParameter(context.Background(), "p-valve", 1))
	assert.True(t, sim.Coil(5))

	require.NoError(t, sim.WriteParameter(context.Background(), "p-valve", 0))
	assert.False(t, sim.Coil(5))
}

// TestSimClientClampsToBounds verifies the simulation clamps register
// writes to the owning parameter's declared range
func TestSimClientClampsToBounds(t *testing.T) {
	tests := []struct {
		name  string
		write float64
		want  float64
	}{
		{name: "below min clamps up", write: -10, want: 0},
		{name: "above max clamps down", write: 900, want: 500},
		{name: "in range passes through", write: 250, want: 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimClient(newTestCatalog())
			require.NoError(t, sim.Connect(context.Background()))

			require.NoError(t, sim.WriteFloat(context.Background(), 200, tt.write))
			assert.Equal(t, tt.want, sim.Register(200))
		})
	}
}

func TestSimClientFaultInjection(t *testing.T) {
	sim := NewSimClient(newTestCatalog())

	sim.FailConnects(true)
	assert.ErrorIs(t, sim.Connect(context.Background()), ErrConnectFailed)

	sim.FailConnects(false)
	require.NoError(t, sim.Connect(context.Background()))

	sim.FailReads(true)
	_, err := sim.ReadAllParameters(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	sim.FailReads(false)

	sim.FailWrites(true)
	assert.ErrorIs(t, sim.WriteCoil(context.Background(), 5, true), ErrTimeout)
	sim.FailWrites(false)
	assert.NoError(t, sim.WriteCoil(context.Background(), 5, true))
}

func TestSimClientUnknownParameter(t *testing.T) {
	sim := NewSimClient(newTestCatalog())
	require.NoError(t, sim.Connect(context.Background()))

	_, err := sim.ReadParameter(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownParam)

	err = sim.WriteParameter(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrUnknownParam)
}

// TestSimClientReadOnlyGuards verifies lookup-path writes reject parameters
// without a write address and setpoint reads reject non-writable ones
func TestSimClientReadOnlyGuards(t *testing.T) {
	sim := NewSimClient(newTestCatalog())
	require.NoError(t, sim.Connect(context.Background()))

	_, err := sim.ReadSetpoint(context.Background(), "p-count")
	assert.ErrorIs(t, err, ErrNotWritable)

	err = sim.WriteParameter(context.Background(), "p-count", 5)
	assert.ErrorIs(t, err, ErrNotWritable)
}
