package plc

import (
	"context"
	"fmt"
	"sync"

	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/types"
)

// SimClient is the in-process simulation backend. It exposes identical
// operation signatures to the Modbus backend and clamps register writes to
// the declared bounds of the parameter owning the address. It doubles as
// the transport fake in terminal tests, with fault injection knobs.
type SimClient struct {
	catalog Catalog

	mu        sync.Mutex
	connected bool
	coils     map[uint16]bool
	registers map[uint16]float64

	// indexed by write address for bounds clamping on raw register writes
	boundsByAddr map[uint16]*types.Parameter

	failConnect bool
	failReads   bool
	failWrites  bool
}

// NewSimClient creates a simulation backend seeded with zero values for
// every address the catalog declares
func NewSimClient(catalog Catalog) *SimClient {
	s := &SimClient{
		catalog:      catalog,
		coils:        make(map[uint16]bool),
		registers:    make(map[uint16]float64),
		boundsByAddr: make(map[uint16]*types.Parameter),
	}
	for _, p := range catalog.Readable() {
		s.seed(p, *p.ReadAddress, p.ReadKind)
	}
	for _, p := range catalog.Writable() {
		s.seed(p, *p.WriteAddress, p.WriteKind)
		s.boundsByAddr[*p.WriteAddress] = p
	}
	return s
}

func (s *SimClient) seed(p *types.Parameter, addr uint16, kind types.RegisterKind) {
	if kind == types.RegisterCoil {
		s.coils[addr] = false
		return
	}
	s.registers[addr] = 0
}

// Connect marks the simulation connected
func (s *SimClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnect {
		return ErrConnectFailed
	}
	s.connected = true
	metrics.PLCConnected.Set(1)
	return nil
}

// Disconnect marks the simulation disconnected
func (s *SimClient) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	metrics.PLCConnected.Set(0)
	return nil
}

// IsConnected reports simulated transport state
func (s *SimClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reconnect re-establishes the simulated transport immediately
func (s *SimClient) Reconnect(ctx context.Context) error {
	metrics.PLCReconnectsTotal.Inc()
	return s.Connect(ctx)
}

// ReadParameter returns the current value at the parameter's read address
func (s *SimClient) ReadParameter(ctx context.Context, id string) (float64, error) {
	p, ok := s.catalog.GetByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	if !p.Readable() {
		return 0, fmt.Errorf("%w: %s", ErrNotReadable, id)
	}
	return s.read(ctx, *p.ReadAddress, p.ReadKind)
}

// ReadAllParameters returns current values for all readable parameters
func (s *SimClient) ReadAllParameters(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64)
	for _, p := range s.catalog.Readable() {
		v, err := s.read(ctx, *p.ReadAddress, p.ReadKind)
		if err != nil {
			return nil, err
		}
		values[p.ID] = v
	}
	return values, nil
}

// ReadSetpoint reads back the parameter's write address
func (s *SimClient) ReadSetpoint(ctx context.Context, id string) (float64, error) {
	p, ok := s.catalog.GetByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	if !p.Writable() {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, id)
	}
	return s.read(ctx, *p.WriteAddress, p.WriteKind)
}

// ReadAllSetpoints reads back every writable parameter's write address
func (s *SimClient) ReadAllSetpoints(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64)
	for _, p := range s.catalog.Writable() {
		v, err := s.read(ctx, *p.WriteAddress, p.WriteKind)
		if err != nil {
			return nil, err
		}
		values[p.ID] = v
	}
	return values, nil
}

func (s *SimClient) read(ctx context.Context, addr uint16, kind types.RegisterKind) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !s.connected {
		return 0, ErrNotConnected
	}
	if s.failReads {
		return 0, ErrTimeout
	}
	if kind == types.RegisterCoil {
		if s.coils[addr] {
			return 1, nil
		}
		return 0, nil
	}
	return s.registers[addr], nil
}

// WriteFloat writes a register pair, clamped to any declared bounds
func (s *SimClient) WriteFloat(ctx context.Context, addr uint16, v float64) error {
	return s.writeRegister(ctx, addr, v)
}

// WriteInt32 writes a register pair, clamped to any declared bounds
func (s *SimClient) WriteInt32(ctx context.Context, addr uint16, v int32) error {
	return s.writeRegister(ctx, addr, float64(v))
}

// WriteInt16 writes a single register, clamped to any declared bounds
func (s *SimClient) WriteInt16(ctx context.Context, addr uint16, v int16) error {
	return s.writeRegister(ctx, addr, float64(v))
}

// WriteCoil writes a coil
func (s *SimClient) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected {
		return ErrNotConnected
	}
	if s.failWrites {
		return ErrTimeout
	}
	s.coils[addr] = on
	return nil
}

// WriteParameter resolves by id and writes via the parameter's data shape
func (s *SimClient) WriteParameter(ctx context.Context, id string, value float64) error {
	p, ok := s.catalog.GetByID(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	return writeByShape(ctx, s, p, value)
}

func (s *SimClient) writeRegister(ctx context.Context, addr uint16, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected {
		return ErrNotConnected
	}
	if s.failWrites {
		return ErrTimeout
	}
	// The simulation clamps to declared bounds; the real backend does not.
	if p, ok := s.boundsByAddr[addr]; ok {
		if p.MinValue != nil && v < *p.MinValue {
			v = *p.MinValue
		}
		if p.MaxValue != nil && v > *p.MaxValue {
			v = *p.MaxValue
		}
	}
	s.registers[addr] = v
	return nil
}

// Fault injection and scenario helpers, used by tests and the simulation
// deployment mode.

// FailConnects makes Connect fail until cleared
func (s *SimClient) FailConnects(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnect = fail
}

// FailReads makes all reads fail with a transport timeout until cleared
func (s *SimClient) FailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

// FailWrites makes all writes fail with a transport timeout until cleared
func (s *SimClient) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// SetRegister seeds a holding-register value directly, bypassing clamping
func (s *SimClient) SetRegister(addr uint16, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[addr] = v
}

// SetCoil seeds a coil value directly
func (s *SimClient) SetCoil(addr uint16, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[addr] = on
}

// Coil returns the current coil state, for test assertions
func (s *SimClient) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

// Register returns the current register value, for test assertions
func (s *SimClient) Register(addr uint16) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[addr]
}
