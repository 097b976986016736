package plc

import (
	"context"
	"errors"

	"github.com/nanofab/stratum/pkg/types"
)

// Sentinel errors surfaced by both backends
var (
	ErrConnectFailed  = errors.New("plc: connect failed")
	ErrNotConnected   = errors.New("plc: not connected")
	ErrTimeout        = errors.New("plc: transport timeout")
	ErrInvalidAddress = errors.New("plc: invalid address")
	ErrTypeMismatch   = errors.New("plc: type mismatch")
	ErrNotReadable    = errors.New("plc: parameter has no read address")
	ErrNotWritable    = errors.New("plc: parameter is not writable")
	ErrUnknownParam   = errors.New("plc: unknown parameter")
)

// Catalog resolves parameter identity to transport addresses. Implemented
// by params.Cache; the adapter never loads metadata itself.
type Catalog interface {
	GetByID(id string) (*types.Parameter, bool)
	Readable() []*types.Parameter
	Writable() []*types.Parameter
}

// Client is the uniform transport to the device. A single instance
// serializes concurrent access to its underlying transport; reads and
// writes are atomic with respect to each other. All terminals depend on
// this abstraction; no terminal parses Modbus frames directly.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Reconnect re-establishes the transport with bounded backoff. It
	// never blocks past the context deadline.
	Reconnect(ctx context.Context) error

	// ReadParameter returns the current value using the parameter's read
	// address; ReadAllParameters does so for every readable parameter.
	ReadParameter(ctx context.Context, id string) (float64, error)
	ReadAllParameters(ctx context.Context) (map[string]float64, error)

	// ReadSetpoint reads back from a writable parameter's write address,
	// used by the sampler to detect externally-made setpoint changes.
	ReadSetpoint(ctx context.Context, id string) (float64, error)
	ReadAllSetpoints(ctx context.Context) (map[string]float64, error)

	// Typed writes address the device directly.
	WriteFloat(ctx context.Context, addr uint16, v float64) error
	WriteInt32(ctx context.Context, addr uint16, v int32) error
	WriteInt16(ctx context.Context, addr uint16, v int16) error
	WriteCoil(ctx context.Context, addr uint16, on bool) error

	// WriteParameter resolves the target by id and dispatches on the
	// parameter's data shape. Binary targets derive from the scalar as
	// value != 0.
	WriteParameter(ctx context.Context, id string, value float64) error
}

// writeByShape dispatches a resolved parameter write onto the typed paths.
// Shared by both backends so type mapping cannot drift between them.
func writeByShape(ctx context.Context, c Client, p *types.Parameter, value float64) error {
	if !p.Writable() {
		return ErrNotWritable
	}
	addr := *p.WriteAddress
	switch p.DataType {
	case types.DataTypeBinary:
		return c.WriteCoil(ctx, addr, value != 0)
	case types.DataTypeInt32:
		return c.WriteInt32(ctx, addr, int32(value))
	case types.DataTypeInt16:
		return c.WriteInt16(ctx, addr, int16(value))
	case types.DataTypeFloat:
		return c.WriteFloat(ctx, addr, value)
	default:
		return ErrTypeMismatch
	}
}
