package plc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"

	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/types"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// ModbusClient is the real transport backend speaking Modbus/TCP through
// goburrow/modbus. One instance per terminal; the mutex serializes all
// transport-level calls so concurrent terminal actors cannot interleave
// register operations.
type ModbusClient struct {
	addr    string
	catalog Catalog
	timeout time.Duration

	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

// NewModbusClient creates a client for the device at addr ("host:port").
// Connect must be called before use.
func NewModbusClient(addr string, catalog Catalog) *ModbusClient {
	return &ModbusClient{
		addr:    addr,
		catalog: catalog,
		timeout: 5 * time.Second,
	}
}

// Connect establishes the TCP transport
func (m *ModbusClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *ModbusClient) connectLocked(ctx context.Context) error {
	if m.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	handler := modbus.NewTCPClientHandler(m.addr)
	handler.Timeout = m.timeout
	handler.SlaveId = 1

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, m.addr, err)
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	m.connected = true
	metrics.PLCConnected.Set(1)
	logger := log.WithComponent("plc")
	logger.Info().Str("addr", m.addr).Msg("PLC connected")
	return nil
}

// Disconnect closes the transport
func (m *ModbusClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked()
}

func (m *ModbusClient) disconnectLocked() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	metrics.PLCConnected.Set(0)
	if m.handler != nil {
		return m.handler.Close()
	}
	return nil
}

// IsConnected reports transport state
func (m *ModbusClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Reconnect re-establishes the transport with bounded exponential backoff,
// giving up when the context expires
func (m *ModbusClient) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.disconnectLocked()
	m.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx

	return backoff.Retry(func() error {
		metrics.PLCReconnectsTotal.Inc()
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.connectLocked(ctx)
	}, backoff.WithContext(bo, ctx))
}

// ReadParameter returns the current value from the parameter's read address
func (m *ModbusClient) ReadParameter(ctx context.Context, id string) (float64, error) {
	p, ok := m.catalog.GetByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	if !p.Readable() {
		return 0, fmt.Errorf("%w: %s", ErrNotReadable, id)
	}
	return m.readValue(ctx, p, *p.ReadAddress, p.ReadKind)
}

// ReadAllParameters reads the current value of every readable parameter.
// A transport failure aborts the scan; the caller skips the tick.
func (m *ModbusClient) ReadAllParameters(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64)
	for _, p := range m.catalog.Readable() {
		v, err := m.readValue(ctx, p, *p.ReadAddress, p.ReadKind)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.ID, err)
		}
		values[p.ID] = v
	}
	return values, nil
}

// ReadSetpoint reads back from a writable parameter's write address
func (m *ModbusClient) ReadSetpoint(ctx context.Context, id string) (float64, error) {
	p, ok := m.catalog.GetByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	if !p.Writable() {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, id)
	}
	return m.readValue(ctx, p, *p.WriteAddress, p.WriteKind)
}

// ReadAllSetpoints reads back every writable parameter's write address
func (m *ModbusClient) ReadAllSetpoints(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64)
	for _, p := range m.catalog.Writable() {
		v, err := m.readValue(ctx, p, *p.WriteAddress, p.WriteKind)
		if err != nil {
			return nil, fmt.Errorf("read setpoint %s: %w", p.ID, err)
		}
		values[p.ID] = v
	}
	return values, nil
}

func (m *ModbusClient) readValue(ctx context.Context, p *types.Parameter, addr uint16, kind types.RegisterKind) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.connected {
		return 0, ErrNotConnected
	}

	if kind == types.RegisterCoil {
		bits, err := m.client.ReadCoils(addr, 1)
		if err != nil {
			return 0, m.transportErr(err)
		}
		if len(bits) < 1 {
			return 0, ErrInvalidAddress
		}
		if bits[0]&0x01 != 0 {
			return 1, nil
		}
		return 0, nil
	}

	switch p.DataType {
	case types.DataTypeFloat:
		regs, err := m.client.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return 0, m.transportErr(err)
		}
		if len(regs) < 4 {
			return 0, ErrInvalidAddress
		}
		return decodeFloat32(regs), nil
	case types.DataTypeInt32:
		regs, err := m.client.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return 0, m.transportErr(err)
		}
		if len(regs) < 4 {
			return 0, ErrInvalidAddress
		}
		return float64(decodeInt32(regs)), nil
	case types.DataTypeInt16, types.DataTypeBinary:
		regs, err := m.client.ReadHoldingRegisters(addr, 1)
		if err != nil {
			return 0, m.transportErr(err)
		}
		if len(regs) < 2 {
			return 0, ErrInvalidAddress
		}
		return float64(decodeInt16(regs)), nil
	default:
		return 0, ErrTypeMismatch
	}
}

// WriteFloat writes a big-endian float32 over a register pair
func (m *ModbusClient) WriteFloat(ctx context.Context, addr uint16, v float64) error {
	return m.writeRegisters(ctx, addr, 2, encodeFloat32(v))
}

// WriteInt32 writes a big-endian int32 over a register pair
func (m *ModbusClient) WriteInt32(ctx context.Context, addr uint16, v int32) error {
	return m.writeRegisters(ctx, addr, 2, encodeInt32(v))
}

// WriteInt16 writes a single holding register
func (m *ModbusClient) WriteInt16(ctx context.Context, addr uint16, v int16) error {
	return m.writeRegisters(ctx, addr, 1, encodeInt16(v))
}

// WriteCoil writes a single coil
func (m *ModbusClient) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.connected {
		return ErrNotConnected
	}

	value := coilOff
	if on {
		value = coilOn
	}
	if _, err := m.client.WriteSingleCoil(addr, value); err != nil {
		return m.transportErr(err)
	}
	return nil
}

// WriteParameter resolves the target by id and writes via its data shape.
// The real backend performs no bounds clamping; the device's declared
// bounds are advisory here.
func (m *ModbusClient) WriteParameter(ctx context.Context, id string, value float64) error {
	p, ok := m.catalog.GetByID(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	return writeByShape(ctx, m, p, value)
}

func (m *ModbusClient) writeRegisters(ctx context.Context, addr uint16, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.connected {
		return ErrNotConnected
	}

	if _, err := m.client.WriteMultipleRegisters(addr, quantity, data); err != nil {
		return m.transportErr(err)
	}
	return nil
}

// transportErr maps a goburrow error onto the sentinel taxonomy. A lost
// connection flips connected so callers see ErrNotConnected until the
// monitor reconnects; the failing call itself is not retried here.
func (m *ModbusClient) transportErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "illegal data address") {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	// Any other transport failure is treated as a lost connection.
	m.connected = false
	metrics.PLCConnected.Set(0)
	if m.handler != nil {
		m.handler.Close()
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}
