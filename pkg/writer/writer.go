package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/config"
	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/params"
	"github.com/nanofab/stratum/pkg/plc"
	"github.com/nanofab/stratum/pkg/store"
	"github.com/nanofab/stratum/pkg/types"
)

// Store is the database surface the writer needs
type Store interface {
	ListPendingControlCommands(ctx context.Context, machineID string) ([]*types.ControlCommand, error)
	GetControlCommand(ctx context.Context, id string) (*types.ControlCommand, error)
	ClaimControlCommand(ctx context.Context, id string) error
	CompleteControlCommand(ctx context.Context, id string) error
	FailControlCommand(ctx context.Context, id, errMsg string) error
}

// Realtime is the push-path change-feed; implemented by store.Listener
type Realtime interface {
	Notifications() <-chan string
	Healthy() bool
}

// Writer is terminal T3: it consumes single-parameter write commands with
// low latency over the realtime push path and correctness fallback over
// polling, performing typed PLC writes with bounded retry.
type Writer struct {
	machineID string
	client    plc.Client
	store     Store
	cache     *params.Cache
	realtime  Realtime
	tuning    config.Tuning
	logger    zerolog.Logger

	dedupe *dedupeSet

	// sleep is injectable so retry-spacing tests run without wall time.
	// It returns false when the writer is stopping.
	sleep func(d time.Duration) bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a writer. realtime may be nil, in which case only the pull
// paths run (permanently degraded).
func New(machineID string, client plc.Client, st Store, cache *params.Cache, realtime Realtime, tuning config.Tuning) *Writer {
	w := &Writer{
		machineID: machineID,
		client:    client,
		store:     st,
		cache:     cache,
		realtime:  realtime,
		tuning:    tuning,
		logger:    log.WithTerminal("writer", machineID),
		dedupe:    newDedupeSet(),
		stopCh:    make(chan struct{}),
	}
	w.sleep = func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-w.stopCh:
			return false
		}
	}
	return w
}

// Start launches the push consumer, the poll fallback and the safety sweep
func (w *Writer) Start() {
	if w.realtime != nil {
		w.wg.Add(1)
		go w.pushLoop()
	}
	w.wg.Add(2)
	go w.pollLoop()
	go w.sweepLoop()
	w.logger.Info().Msg("Parameter writer started")
}

// Stop waits for the ingestion loops and any in-flight command routines
func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info().Msg("Parameter writer stopped")
}

// pushLoop consumes realtime insert notifications
func (w *Writer) pushLoop() {
	defer w.wg.Done()
	for {
		select {
		case id := <-w.realtime.Notifications():
			w.ingestByID(id, "push")
		case <-w.stopCh:
			return
		}
	}
}

// pollLoop polls for unexecuted commands, fast while the push path is
// degraded and slow while it is healthy
func (w *Writer) pollLoop() {
	defer w.wg.Done()
	for {
		interval := w.tuning.PollHealthy
		if w.realtime == nil || !w.realtime.Healthy() {
			interval = w.tuning.PollDegraded
		}
		select {
		case <-time.After(interval):
			w.sweep("poll")
		case <-w.stopCh:
			return
		}
	}
}

// sweepLoop is the hard-safety sweep that runs regardless of push health
func (w *Writer) sweepLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tuning.SafetySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep("sweep")
		case <-w.stopCh:
			return
		}
	}
}

// ingestByID fetches, filters and claims one pushed command
func (w *Writer) ingestByID(id, source string) {
	if w.dedupe.Seen(id) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd, err := w.store.GetControlCommand(ctx, id)
	if err != nil {
		w.logger.Warn().Err(err).Str("command_id", id).Msg("Failed to load pushed command")
		return
	}
	if cmd.MachineID != nil && *cmd.MachineID != w.machineID {
		return
	}
	if cmd.ExecutedAt != nil {
		return
	}
	w.claimAndProcess(ctx, cmd, source)
}

// sweep claims every pending command visible to this machine
func (w *Writer) sweep(source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmds, err := w.store.ListPendingControlCommands(ctx, w.machineID)
	if err != nil {
		w.logger.Error().Err(err).Str("source", source).Msg("Command poll failed")
		return
	}
	for _, cmd := range cmds {
		if w.dedupe.Seen(cmd.ID) {
			continue
		}
		w.claimAndProcess(ctx, cmd, source)
	}
}

func (w *Writer) claimAndProcess(ctx context.Context, cmd *types.ControlCommand, source string) {
	if err := w.store.ClaimControlCommand(ctx, cmd.ID); err != nil {
		if !errors.Is(err, store.ErrNotClaimed) {
			w.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Claim failed")
		}
		return
	}
	if !w.dedupe.Add(cmd.ID) {
		return
	}

	metrics.CommandsBySourceTotal.WithLabelValues(source).Inc()
	w.logger.Info().
		Str("command_id", cmd.ID).
		Str("source", source).
		Float64("target_value", cmd.TargetValue).
		Msg("Claimed parameter command")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.process(cmd)
	}()
}
