package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PLCType selects the transport backend
type PLCType string

const (
	PLCReal       PLCType = "real"
	PLCSimulation PLCType = "simulation"
)

// Role selects which terminal a process runs
type Role string

const (
	RoleSampler  Role = "sampler"
	RoleExecutor Role = "executor"
	RoleWriter   Role = "writer"
)

// Tuning holds the timing knobs, all defaulted. Values may be overridden
// per-key from the optional YAML tuning file.
type Tuning struct {
	SampleInterval      time.Duration   `yaml:"sample_interval"`
	TimingViolation     time.Duration   `yaml:"timing_violation_threshold"`
	CommandPollInterval time.Duration   `yaml:"command_poll_interval"`
	RetryBackoffs       []time.Duration `yaml:"retry_backoffs"`
	RealtimeWatchdog    time.Duration   `yaml:"realtime_watchdog"`
	PollDegraded        time.Duration   `yaml:"poll_degraded"`
	PollHealthy         time.Duration   `yaml:"poll_healthy"`
	SafetySweep         time.Duration   `yaml:"safety_sweep"`
	ReconnectWait       time.Duration   `yaml:"reconnect_wait"`
	InsertRetries       int             `yaml:"insert_retries"`
	RecorderInterval    time.Duration   `yaml:"recorder_interval"`
	VerifyWrites        bool            `yaml:"verify_writes"`
}

// Config holds the full environment-driven configuration for one terminal
type Config struct {
	MachineID   string  `yaml:"machine_id"`
	Role        Role    `yaml:"terminal_role"`
	PLCType     PLCType `yaml:"plc_type"`
	PLCHost     string  `yaml:"plc_host"`
	PLCPort     int     `yaml:"plc_port"`
	DatabaseURL string  `yaml:"database_url"`
	DataDir     string  `yaml:"data_dir"`
	LogLevel    string  `yaml:"log_level"`
	LogJSON     bool    `yaml:"log_json"`

	Tuning Tuning `yaml:"tuning"`
}

// DefaultTuning returns the documented defaults for every knob
func DefaultTuning() Tuning {
	return Tuning{
		SampleInterval:      1 * time.Second,
		TimingViolation:     1100 * time.Millisecond,
		CommandPollInterval: 5 * time.Second,
		RetryBackoffs:       []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
		RealtimeWatchdog:    10 * time.Second,
		PollDegraded:        1 * time.Second,
		PollHealthy:         10 * time.Second,
		SafetySweep:         60 * time.Second,
		ReconnectWait:       30 * time.Second,
		InsertRetries:       3,
		RecorderInterval:    1 * time.Second,
		VerifyWrites:        false,
	}
}

// Load builds a Config from the environment, then overlays the YAML tuning
// file at path when path is non-empty
func Load(path string) (*Config, error) {
	cfg := &Config{
		MachineID:   os.Getenv("MACHINE_ID"),
		Role:        Role(os.Getenv("TERMINAL_ROLE")),
		PLCType:     PLCType(envOr("PLC_TYPE", string(PLCSimulation))),
		PLCHost:     envOr("PLC_HOST", "127.0.0.1"),
		PLCPort:     envInt("PLC_PORT", 502),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("DATA_DIR", "/var/lib/stratum"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogJSON:     envOr("LOG_FORMAT", "json") == "json",
		Tuning:      DefaultTuning(),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return cfg, nil
}

// UnmarshalYAML accepts durations in Go syntax ("500ms", "1m30s") and
// overrides only the knobs present in the file, keeping defaults for the
// rest
func (t *Tuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SampleInterval      string   `yaml:"sample_interval"`
		TimingViolation     string   `yaml:"timing_violation_threshold"`
		CommandPollInterval string   `yaml:"command_poll_interval"`
		RetryBackoffs       []string `yaml:"retry_backoffs"`
		RealtimeWatchdog    string   `yaml:"realtime_watchdog"`
		PollDegraded        string   `yaml:"poll_degraded"`
		PollHealthy         string   `yaml:"poll_healthy"`
		SafetySweep         string   `yaml:"safety_sweep"`
		ReconnectWait       string   `yaml:"reconnect_wait"`
		InsertRetries       *int     `yaml:"insert_retries"`
		RecorderInterval    string   `yaml:"recorder_interval"`
		VerifyWrites        *bool    `yaml:"verify_writes"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	set := func(dst *time.Duration, s string) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*dst = d
		return nil
	}

	for _, item := range []struct {
		dst *time.Duration
		src string
	}{
		{&t.SampleInterval, raw.SampleInterval},
		{&t.TimingViolation, raw.TimingViolation},
		{&t.CommandPollInterval, raw.CommandPollInterval},
		{&t.RealtimeWatchdog, raw.RealtimeWatchdog},
		{&t.PollDegraded, raw.PollDegraded},
		{&t.PollHealthy, raw.PollHealthy},
		{&t.SafetySweep, raw.SafetySweep},
		{&t.ReconnectWait, raw.ReconnectWait},
		{&t.RecorderInterval, raw.RecorderInterval},
	} {
		if err := set(item.dst, item.src); err != nil {
			return err
		}
	}

	if len(raw.RetryBackoffs) > 0 {
		backoffs := make([]time.Duration, 0, len(raw.RetryBackoffs))
		for _, s := range raw.RetryBackoffs {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid retry backoff %q: %w", s, err)
			}
			backoffs = append(backoffs, d)
		}
		t.RetryBackoffs = backoffs
	}
	if raw.InsertRetries != nil {
		t.InsertRetries = *raw.InsertRetries
	}
	if raw.VerifyWrites != nil {
		t.VerifyWrites = *raw.VerifyWrites
	}
	return nil
}

// Validate checks required fields. Terminals exit non-zero on error.
func (c *Config) Validate() error {
	if c.MachineID == "" {
		return fmt.Errorf("MACHINE_ID is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.PLCType {
	case PLCReal, PLCSimulation:
	default:
		return fmt.Errorf("invalid PLC_TYPE %q (want real or simulation)", c.PLCType)
	}
	if c.Role != "" {
		switch c.Role {
		case RoleSampler, RoleExecutor, RoleWriter:
		default:
			return fmt.Errorf("invalid TERMINAL_ROLE %q (want sampler, executor or writer)", c.Role)
		}
	}
	if c.PLCPort <= 0 || c.PLCPort > 65535 {
		return fmt.Errorf("invalid PLC_PORT %d", c.PLCPort)
	}
	return nil
}

// PLCAddr returns the host:port dial target for the real backend
func (c *Config) PLCAddr() string {
	return fmt.Sprintf("%s:%d", c.PLCHost, c.PLCPort)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
