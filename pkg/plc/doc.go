/*
Package plc provides the uniform transport adapter to the ALD machine's
PLC device.

Two backends implement the same Client interface: ModbusClient speaks
Modbus/TCP (coils plus big-endian 32-bit values over holding-register
pairs) and SimClient is an in-process simulation used for development and
tests. Terminals choose a backend at startup from PLC_TYPE and otherwise
never distinguish them.

# Architecture

	┌──────────── PLC ADAPTER ─────────────┐
	│                                       │
	│  Client interface                     │
	│   ├── ReadParameter / ReadAll         │  read addresses
	│   ├── ReadSetpoint / ReadAllSetpoints │  write-address readback
	│   ├── WriteFloat/Int32/Int16/Coil     │  raw typed writes
	│   └── WriteParameter                  │  id-resolved writes
	│                                       │
	│  ModbusClient ──► goburrow/modbus TCP │
	│  SimClient    ──► in-memory registers │
	│  Monitor      ──► probe + reconnect   │
	└───────────────────────────────────────┘

A single client instance serializes concurrent transport access; reads and
writes are atomic with respect to each other. The simulation backend clamps
register writes to the declared parameter bounds; the real backend performs
no clamping, matching the device contract.

The Monitor probes connectivity on a fixed period, publishes transitions on
the event broker, and reconnects with bounded backoff. Adapter callers are
never blocked on reconnection: a lost connection surfaces ErrNotConnected
until the transport is restored.
*/
package plc
