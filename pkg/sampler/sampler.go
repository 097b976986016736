package sampler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/config"
	"github.com/nanofab/stratum/pkg/deadletter"
	"github.com/nanofab/stratum/pkg/events"
	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/params"
	"github.com/nanofab/stratum/pkg/plc"
	"github.com/nanofab/stratum/pkg/types"
)

// setpointTolerance is the reconciliation threshold: differences at or
// below this are considered equal.
const setpointTolerance = 0.01

// Store is the database surface the sampler needs
type Store interface {
	GetSetValues(ctx context.Context, machineID string) (map[string]float64, error)
	UpdateSetValue(ctx context.Context, parameterID string, value float64) error
	InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error)
}

// Stats is the in-memory, log-exposed metrics view of the sampler
type Stats struct {
	ReadCyclesOK     uint64
	ReadCyclesFailed uint64
	WritesOK         uint64
	WritesFailed     uint64
	TimingViolations uint64
	SetpointChanges  uint64
	DeadLettered     uint64
	AvgTickSeconds   float64
	LastError        string
}

// Sampler is terminal T1: it produces one wide time-series row per second
// and reconciles externally-made setpoint changes, with the PLC as the
// source of truth.
type Sampler struct {
	machineID string
	client    plc.Client
	store     Store
	cache     *params.Cache
	dlq       *deadletter.Queue
	broker    *events.Broker
	tuning    config.Tuning
	logger    zerolog.Logger

	// queue hands completed readings to the writer goroutine; the tick
	// loop never waits on database latency beyond this enqueue.
	queue chan *types.Reading

	mu    sync.Mutex
	stats Stats

	stopCh     chan struct{}
	tickDone   chan struct{}
	writerDone chan struct{}
	dumpDone   chan struct{}
}

// New creates a sampler. The dead-letter queue and broker may be nil in
// tests; everything else is required.
func New(machineID string, client plc.Client, st Store, cache *params.Cache, dlq *deadletter.Queue, broker *events.Broker, tuning config.Tuning) *Sampler {
	return &Sampler{
		machineID:  machineID,
		client:     client,
		store:      st,
		cache:      cache,
		dlq:        dlq,
		broker:     broker,
		tuning:     tuning,
		logger:     log.WithTerminal("sampler", machineID),
		queue:      make(chan *types.Reading, 64),
		stopCh:     make(chan struct{}),
		tickDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		dumpDone:   make(chan struct{}),
	}
}

// Start launches the tick loop, the database writer and the stats dump
func (s *Sampler) Start() {
	if s.dlq != nil {
		// Best-effort replay of rows stranded by a previous run.
		if n, err := s.dlq.Replay(context.Background(), s.store); err != nil {
			s.logger.Warn().Err(err).Int("replayed", n).Msg("Dead-letter replay incomplete")
		}
	}

	go s.writerLoop()
	go s.tickLoop()
	go s.dumpLoop()
	s.logger.Info().
		Dur("interval", s.tuning.SampleInterval).
		Int("parameters", s.cache.Len()).
		Msg("Sampler started")
}

// Stop drains the writer and waits for all loops to exit
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.tickDone
	close(s.queue)
	<-s.writerDone
	<-s.dumpDone
	s.logger.Info().Msg("Sampler stopped")
}

// Stats returns a snapshot of the in-memory metrics
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// tickLoop runs the 1 Hz cycle. Timing uses the monotonic clock: system
// clock adjustments cannot produce negative sleeps.
func (s *Sampler) tickLoop() {
	defer close(s.tickDone)

	for {
		start := time.Now()
		s.tick(start)

		elapsed := time.Since(start)
		if elapsed > s.tuning.TimingViolation {
			metrics.TimingViolationsTotal.Inc()
			s.mu.Lock()
			s.stats.TimingViolations++
			s.mu.Unlock()
			s.logger.Warn().
				Dur("elapsed", elapsed).
				Dur("threshold", s.tuning.TimingViolation).
				Msg("Tick timing violation")
		}
		s.observeTick(elapsed)

		sleep := s.tuning.SampleInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-time.After(sleep):
		case <-s.stopCh:
			return
		}
	}
}

// tick performs one sampling cycle: read all parameters, enqueue the wide
// record, then reconcile setpoints against the database
func (s *Sampler) tick(start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.tuning.SampleInterval)
	defer cancel()

	values, err := s.client.ReadAllParameters(ctx)
	if err != nil {
		metrics.SamplerTicksTotal.WithLabelValues("failed").Inc()
		s.recordError(fmt.Errorf("read cycle failed: %w", err))
		s.mu.Lock()
		s.stats.ReadCyclesFailed++
		s.mu.Unlock()
		return
	}

	reading := s.buildReading(start, values)
	if len(reading.Values) == 0 {
		// Empty metadata or all values invalid: nothing to persist.
		metrics.SamplerTicksTotal.WithLabelValues("empty").Inc()
		s.logger.Debug().Msg("Empty wide record, tick skipped")
	} else {
		s.enqueue(reading)
	}

	metrics.SamplerTicksTotal.WithLabelValues("ok").Inc()
	s.mu.Lock()
	s.stats.ReadCyclesOK++
	s.mu.Unlock()

	setpoints, err := s.client.ReadAllSetpoints(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Setpoint readback failed, reconciliation skipped")
		return
	}
	s.reconcileSetpoints(ctx, setpoints)
}

// buildReading maps parameter ids to wide-row columns, dropping invalid
// numerics with a warning
func (s *Sampler) buildReading(ts time.Time, values map[string]float64) *types.Reading {
	reading := &types.Reading{Timestamp: ts, Values: make(map[string]float64, len(values))}
	for id, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.logger.Warn().Str("parameter_id", id).Float64("value", v).
				Msg("Dropping invalid numeric from wide record")
			continue
		}
		col, ok := s.cache.ColumnName(id)
		if !ok {
			continue
		}
		reading.Values[col] = v
	}
	return reading
}

// enqueue hands the reading to the writer without blocking. A full queue
// means the database has fallen behind a full minute of samples; the row
// goes straight to the dead-letter queue rather than stalling the tick.
func (s *Sampler) enqueue(r *types.Reading) {
	select {
	case s.queue <- r:
	default:
		s.logger.Error().Time("tick", r.Timestamp).Msg("Writer queue full, dead-lettering reading")
		s.deadLetter(r)
	}
}

// reconcileSetpoints compares PLC setpoint readbacks against the
// database's commanded targets. The PLC always wins: any difference above
// the tolerance overwrites the database value.
func (s *Sampler) reconcileSetpoints(ctx context.Context, plcSetpoints map[string]float64) {
	dbValues, err := s.store.GetSetValues(ctx, s.machineID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load set values, reconciliation skipped")
		return
	}

	for id, plcVal := range plcSetpoints {
		dbVal, ok := dbValues[id]
		if !ok {
			continue
		}
		delta := plcVal - dbVal
		if math.Abs(delta) <= setpointTolerance {
			continue
		}

		if err := s.store.UpdateSetValue(ctx, id, plcVal); err != nil {
			s.logger.Error().Err(err).Str("parameter_id", id).
				Msg("Failed to reconcile setpoint")
			continue
		}

		pct := 0.0
		if dbVal != 0 {
			pct = delta / dbVal * 100
		}
		s.logger.Info().
			Str("parameter_id", id).
			Float64("db_value", dbVal).
			Float64("plc_value", plcVal).
			Str("delta", fmt.Sprintf("%+.2f", delta)).
			Str("delta_pct", fmt.Sprintf("%+.1f%%", pct)).
			Msg("External setpoint change detected, PLC wins")

		metrics.SetpointChangesTotal.Inc()
		s.mu.Lock()
		s.stats.SetpointChanges++
		s.mu.Unlock()

		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventSetpointChanged,
				Message: fmt.Sprintf("parameter %s: %.2f -> %.2f", id, dbVal, plcVal),
				Metadata: map[string]string{
					"parameter_id": id,
					"delta":        fmt.Sprintf("%+.2f", delta),
				},
			})
		}
	}
}

// writerLoop drains the queue, retrying each wide insert with bounded
// exponential backoff before dead-lettering
func (s *Sampler) writerLoop() {
	defer close(s.writerDone)

	for reading := range s.queue {
		if err := s.insertWithRetry(reading); err != nil {
			metrics.SamplerWritesTotal.WithLabelValues("failed").Inc()
			s.recordError(err)
			s.mu.Lock()
			s.stats.WritesFailed++
			s.mu.Unlock()
			s.deadLetter(reading)
			continue
		}
		metrics.SamplerWritesTotal.WithLabelValues("ok").Inc()
		s.mu.Lock()
		s.stats.WritesOK++
		s.mu.Unlock()
	}
}

func (s *Sampler) insertWithRetry(r *types.Reading) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	attempts := uint64(s.tuning.InsertRetries)
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.store.InsertReadingWide(ctx, r.Timestamp, r.Values)
		return err
	}, backoff.WithMaxRetries(bo, attempts-1))
}

func (s *Sampler) deadLetter(r *types.Reading) {
	if s.dlq == nil {
		return
	}
	if err := s.dlq.Append(r); err != nil {
		s.logger.Error().Err(err).Time("tick", r.Timestamp).
			Msg("Failed to dead-letter reading, sample lost")
		return
	}
	metrics.DeadLetteredRowsTotal.Inc()
	s.mu.Lock()
	s.stats.DeadLettered++
	s.mu.Unlock()
}

// dumpLoop logs the in-memory stats once a minute
func (s *Sampler) dumpLoop() {
	defer close(s.dumpDone)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := s.Stats()
			s.logger.Info().
				Uint64("read_cycles_ok", st.ReadCyclesOK).
				Uint64("read_cycles_failed", st.ReadCyclesFailed).
				Uint64("writes_ok", st.WritesOK).
				Uint64("writes_failed", st.WritesFailed).
				Uint64("timing_violations", st.TimingViolations).
				Uint64("external_setpoint_changes_detected", st.SetpointChanges).
				Uint64("dead_lettered", st.DeadLettered).
				Float64("avg_tick_seconds", st.AvgTickSeconds).
				Str("last_error", st.LastError).
				Msg("Sampler stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sampler) observeTick(d time.Duration) {
	metrics.SamplerTickDuration.Observe(d.Seconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	// Exponentially-weighted rolling average over roughly the last minute.
	if s.stats.AvgTickSeconds == 0 {
		s.stats.AvgTickSeconds = d.Seconds()
	} else {
		s.stats.AvgTickSeconds = 0.98*s.stats.AvgTickSeconds + 0.02*d.Seconds()
	}
}

func (s *Sampler) recordError(err error) {
	s.logger.Error().Err(err).Msg("Sampler error")
	s.mu.Lock()
	s.stats.LastError = err.Error()
	s.mu.Unlock()
}
