package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nanofab/stratum/pkg/config"
)

// TestInitialConnectErr verifies an unreachable real PLC aborts startup
// with a non-zero exit while the simulation backend starts degraded
func TestInitialConnectErr(t *testing.T) {
	connectErr := errors.New("dial tcp 10.0.0.5:502: connection refused")

	err := initialConnectErr(config.PLCReal, connectErr)
	assert.Error(t, err)
	assert.ErrorIs(t, err, connectErr)

	assert.NoError(t, initialConnectErr(config.PLCSimulation, connectErr))
	assert.NoError(t, initialConnectErr(config.PLCReal, nil))
}
