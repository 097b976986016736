package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MACHINE_ID", "TERMINAL_ROLE", "PLC_TYPE", "PLC_HOST", "PLC_PORT",
		"DATABASE_URL", "DATA_DIR", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MACHINE_ID", "ald-01")
	t.Setenv("DATABASE_URL", "postgres://localhost/stratum")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, PLCSimulation, cfg.PLCType)
	assert.Equal(t, "127.0.0.1:502", cfg.PLCAddr())
	assert.Equal(t, time.Second, cfg.Tuning.SampleInterval)
	assert.Equal(t, 1100*time.Millisecond, cfg.Tuning.TimingViolation)
	assert.Equal(t, 5*time.Second, cfg.Tuning.CommandPollInterval)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, cfg.Tuning.RetryBackoffs)
	assert.Equal(t, time.Second, cfg.Tuning.PollDegraded)
	assert.Equal(t, 10*time.Second, cfg.Tuning.PollHealthy)
	assert.Equal(t, time.Minute, cfg.Tuning.SafetySweep)
	assert.Equal(t, 30*time.Second, cfg.Tuning.ReconnectWait)
	assert.False(t, cfg.Tuning.VerifyWrites)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing machine id", mutate: func(c *Config) { c.MachineID = "" }, wantErr: "MACHINE_ID"},
		{name: "missing database url", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "DATABASE_URL"},
		{name: "bad plc type", mutate: func(c *Config) { c.PLCType = "emulated" }, wantErr: "PLC_TYPE"},
		{name: "bad role", mutate: func(c *Config) { c.Role = "observer" }, wantErr: "TERMINAL_ROLE"},
		{name: "bad port", mutate: func(c *Config) { c.PLCPort = 0 }, wantErr: "PLC_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				MachineID:   "ald-01",
				DatabaseURL: "postgres://localhost/stratum",
				PLCType:     PLCSimulation,
				PLCPort:     502,
				Tuning:      DefaultTuning(),
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MACHINE_ID", "ald-02")
	t.Setenv("DATABASE_URL", "postgres://db/stratum")
	t.Setenv("PLC_TYPE", "real")
	t.Setenv("PLC_HOST", "10.0.0.50")
	t.Setenv("PLC_PORT", "1502")
	t.Setenv("TERMINAL_ROLE", "writer")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, PLCReal, cfg.PLCType)
	assert.Equal(t, "10.0.0.50:1502", cfg.PLCAddr())
	assert.Equal(t, RoleWriter, cfg.Role)
}

func TestLoadInvalidPortFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLC_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 502, cfg.PLCPort)
}

// TestLoadYAMLOverlay verifies the tuning file overrides individual knobs
// while untouched knobs keep their defaults
func TestLoadYAMLOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("MACHINE_ID", "ald-01")
	t.Setenv("DATABASE_URL", "postgres://localhost/stratum")

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := `
tuning:
  sample_interval: 500ms
  verify_writes: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Tuning.SampleInterval)
	assert.True(t, cfg.Tuning.VerifyWrites)
	// Untouched knobs keep defaults.
	assert.Equal(t, 5*time.Second, cfg.Tuning.CommandPollInterval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
