package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanofab/stratum/pkg/config"
	"github.com/nanofab/stratum/pkg/deadletter"
	"github.com/nanofab/stratum/pkg/events"
	"github.com/nanofab/stratum/pkg/executor"
	"github.com/nanofab/stratum/pkg/lockfile"
	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/params"
	"github.com/nanofab/stratum/pkg/plc"
	"github.com/nanofab/stratum/pkg/sampler"
	"github.com/nanofab/stratum/pkg/store"
	"github.com/nanofab/stratum/pkg/writer"
)

var (
	configPath  string
	metricsAddr string
)

func init() {
	for _, cmd := range []*cobra.Command{samplerCmd, executorCmd, writerCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "Optional YAML tuning file overlaying the environment")
		cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (disabled when empty)")
	}
}

var samplerCmd = &cobra.Command{
	Use:   "sampler",
	Short: "Run the parameter sampler terminal",
	Long: `Run terminal T1: read every mapped parameter from the PLC once a
second, persist the readings as wide rows, and reconcile externally-made
setpoint changes back into the parameter catalog.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTerminal(config.RoleSampler)
	},
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run the recipe executor terminal",
	Long: `Run terminal T2: claim pending recipe commands, execute the recipe
step tree against the PLC with a full audit trail, and record progress
continuously for the duration of each run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTerminal(config.RoleExecutor)
	},
}

var writerCmd = &cobra.Command{
	Use:   "writer",
	Short: "Run the parameter control writer terminal",
	Long: `Run terminal T3: consume single-parameter control commands over the
realtime change feed with polling fallback, and perform typed PLC writes
with bounded retry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTerminal(config.RoleWriter)
	},
}

// runTerminal wires the shared infrastructure and runs one terminal until
// SIGINT or SIGTERM
func runTerminal(role config.Role) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stderr})
	logger := log.WithTerminal(string(role), cfg.MachineID)

	// One instance per role per machine.
	lock, err := lockfile.Acquire(cfg.DataDir, string(role), cfg.MachineID)
	if err != nil {
		var held *lockfile.ErrHeld
		if errors.As(err, &held) {
			return fmt.Errorf("another %s instance is already running (pid %d)", role, held.PID)
		}
		return err
	}
	defer lock.Release()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	cache, err := params.Load(ctx, st, cfg.MachineID)
	if err != nil {
		// An empty catalog degrades the terminal but does not stop it;
		// raw-address commands and recipe holds still work.
		logger.Error().Err(err).Msg("Parameter catalog load failed, starting with empty cache")
	} else {
		logger.Info().Int("parameters", cache.Len()).Msg("Parameter catalog loaded")
	}

	var client plc.Client
	switch cfg.PLCType {
	case config.PLCReal:
		client = plc.NewModbusClient(cfg.PLCAddr(), cache)
	default:
		client = plc.NewSimClient(cache)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		if fatal := initialConnectErr(cfg.PLCType, err); fatal != nil {
			return fatal
		}
		// Simulation backend: the monitor keeps retrying, so the terminal
		// starts degraded instead of exiting.
		logger.Error().Err(err).Str("plc", cfg.PLCAddr()).Msg("Initial PLC connection failed, starting degraded")
	}
	defer client.Disconnect()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	monitor := plc.NewMonitor(client, broker, 5*time.Second)
	monitor.Start()
	defer monitor.Stop()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	stop, err := startTerminal(role, cfg, client, st, cache, broker)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", Version).
		Str("plc_type", string(cfg.PLCType)).
		Msg("Terminal running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	stop()
	return nil
}

// initialConnectErr decides whether a failed startup connection aborts
// the terminal. An unreachable real PLC is fatal; the simulation backend
// is local, so a transient failure there starts degraded and recovers
// through the monitor.
func initialConnectErr(plcType config.PLCType, err error) error {
	if err == nil {
		return nil
	}
	if plcType == config.PLCReal {
		return fmt.Errorf("initial PLC connection failed: %w", err)
	}
	return nil
}

// startTerminal starts the role-specific component and returns its stop
// function
func startTerminal(role config.Role, cfg *config.Config, client plc.Client, st *store.Client, cache *params.Cache, broker *events.Broker) (func(), error) {
	switch role {
	case config.RoleSampler:
		dlq, err := deadletter.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open dead-letter queue: %w", err)
		}
		s := sampler.New(cfg.MachineID, client, st, cache, dlq, broker, cfg.Tuning)
		s.Start()
		return func() {
			s.Stop()
			dlq.Close()
		}, nil

	case config.RoleExecutor:
		e := executor.New(cfg.MachineID, client, st, cache, broker, cfg.Tuning)
		e.Start()
		return e.Stop, nil

	case config.RoleWriter:
		listener := store.NewListener(cfg.DatabaseURL, store.ControlCommandChannel, cfg.Tuning.RealtimeWatchdog, broker)
		if err := listener.Start(); err != nil {
			return nil, fmt.Errorf("failed to start change feed listener: %w", err)
		}
		w := writer.New(cfg.MachineID, client, st, cache, listener, cfg.Tuning)
		w.Start()
		return func() {
			w.Stop()
			listener.Stop()
		}, nil

	default:
		return nil, fmt.Errorf("unknown terminal role %q", role)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger := log.WithComponent("metrics")
		logger.Error().Err(err).Msg("Metrics endpoint failed")
	}
}
