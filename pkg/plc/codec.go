package plc

import (
	"encoding/binary"
	"math"
)

// Register codec: big-endian 32-bit values over pairs of 16-bit holding
// registers, matching the device's wire layout.

func encodeFloat32(v float64) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	return b
}

func decodeFloat32(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func encodeInt16(v int16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

func decodeInt16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}
