package sampler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/stratum/pkg/config"
	"github.com/nanofab/stratum/pkg/deadletter"
	"github.com/nanofab/stratum/pkg/params"
	"github.com/nanofab/stratum/pkg/plc"
	"github.com/nanofab/stratum/pkg/types"
)

// memStore implements Store in memory
type memStore struct {
	mu        sync.Mutex
	setValues map[string]float64
	updates   map[string]float64
	inserts   []map[string]float64
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{
		setValues: make(map[string]float64),
		updates:   make(map[string]float64),
	}
}

func (m *memStore) GetSetValues(ctx context.Context, machineID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.setValues))
	for k, v := range m.setValues {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) UpdateSetValue(ctx context.Context, parameterID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[parameterID] = value
	m.setValues[parameterID] = value
	return nil
}

func (m *memStore) InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.inserts = append(m.inserts, payload)
	return len(payload), nil
}

func (m *memStore) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserts)
}

func (m *memStore) updatedValue(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.updates[id]
	return v, ok
}

type paramLoader struct{ params []*types.Parameter }

func (l *paramLoader) ListParameters(ctx context.Context, machineID string) ([]*types.Parameter, error) {
	return l.params, nil
}

func addr(a uint16) *uint16 { return &a }

func testCache(t *testing.T) *params.Cache {
	t.Helper()
	cache, err := params.Load(context.Background(), &paramLoader{params: []*types.Parameter{
		{
			ID:           "p-temp",
			Name:         "chamber_temperature",
			ColumnName:   "chamber_temperature",
			DataType:     types.DataTypeFloat,
			ReadAddress:  addr(100),
			ReadKind:     types.RegisterHolding,
			WriteAddress: addr(200),
			WriteKind:    types.RegisterHolding,
			IsWritable:   true,
		},
		{
			ID:          "p-pressure",
			Name:        "chamber_pressure",
			ColumnName:  "chamber_pressure",
			DataType:    types.DataTypeFloat,
			ReadAddress: addr(102),
			ReadKind:    types.RegisterHolding,
		},
	}}, "m1")
	require.NoError(t, err)
	return cache
}

func newTestSampler(t *testing.T, st Store, dlq *deadletter.Queue) (*Sampler, *plc.SimClient) {
	t.Helper()
	cache := testCache(t)
	sim := plc.NewSimClient(cache)
	require.NoError(t, sim.Connect(context.Background()))

	tuning := config.DefaultTuning()
	tuning.SampleInterval = 10 * time.Millisecond
	tuning.TimingViolation = time.Second
	tuning.InsertRetries = 1
	return New("m1", sim, st, cache, dlq, nil, tuning), sim
}

// TestTickProducesWideRecord verifies one tick maps parameter values to
// their stable wide-row columns
func TestTickProducesWideRecord(t *testing.T) {
	st := newMemStore()
	s, sim := newTestSampler(t, st, nil)

	sim.SetRegister(100, 251.5)
	sim.SetRegister(102, 0.85)

	s.tick(time.Now())

	select {
	case reading := <-s.queue:
		assert.Equal(t, 251.5, reading.Values["chamber_temperature"])
		assert.Equal(t, 0.85, reading.Values["chamber_pressure"])
	default:
		t.Fatal("tick did not enqueue a reading")
	}
	assert.Equal(t, uint64(1), s.Stats().ReadCyclesOK)
}

// TestTickDropsInvalidNumerics verifies NaN and Inf never reach the
// database row
func TestTickDropsInvalidNumerics(t *testing.T) {
	st := newMemStore()
	s, sim := newTestSampler(t, st, nil)

	sim.SetRegister(100, math.NaN())
	sim.SetRegister(102, 0.85)

	s.tick(time.Now())

	select {
	case reading := <-s.queue:
		_, hasTemp := reading.Values["chamber_temperature"]
		assert.False(t, hasTemp)
		assert.Equal(t, 0.85, reading.Values["chamber_pressure"])
	default:
		t.Fatal("tick did not enqueue a reading")
	}
}

func TestTickFailedReadCountsFailure(t *testing.T) {
	st := newMemStore()
	s, sim := newTestSampler(t, st, nil)

	sim.FailReads(true)
	s.tick(time.Now())

	assert.Equal(t, uint64(1), s.Stats().ReadCyclesFailed)
	assert.Empty(t, s.queue)
}

// TestSetpointReconciliation verifies an externally-changed PLC setpoint
// overwrites the database value, and in-tolerance differences do not
func TestSetpointReconciliation(t *testing.T) {
	st := newMemStore()
	st.setValues["p-temp"] = 250.0
	s, sim := newTestSampler(t, st, nil)

	// In tolerance: no update.
	sim.SetRegister(200, 250.005)
	s.tick(time.Now())
	_, updated := st.updatedValue("p-temp")
	assert.False(t, updated)

	// Outside tolerance: the PLC wins.
	sim.SetRegister(200, 255.0)
	s.tick(time.Now())
	v, updated := st.updatedValue("p-temp")
	require.True(t, updated)
	assert.Equal(t, 255.0, v)
	assert.Equal(t, uint64(1), s.Stats().SetpointChanges)
}

// TestStartStopLifecycle runs the full loop briefly against the
// simulation and verifies rows reach the store
func TestStartStopLifecycle(t *testing.T) {
	st := newMemStore()
	s, sim := newTestSampler(t, st, nil)
	sim.SetRegister(100, 100)

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Greater(t, st.insertCount(), 2)
	stats := s.Stats()
	assert.Greater(t, stats.ReadCyclesOK, uint64(2))
	assert.Equal(t, stats.WritesOK, uint64(st.insertCount()))
}

// TestInsertFailureDeadLetters verifies a reading that exhausts its insert
// retries lands in the dead-letter queue and is replayed on next start
func TestInsertFailureDeadLetters(t *testing.T) {
	dir := t.TempDir()
	dlq, err := deadletter.Open(dir)
	require.NoError(t, err)

	st := newMemStore()
	st.insertErr = errors.New("db down")
	s, sim := newTestSampler(t, st, dlq)
	sim.SetRegister(100, 42)

	s.Start()
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	queued, err := dlq.Len()
	require.NoError(t, err)
	assert.Greater(t, queued, 0)
	assert.Greater(t, s.Stats().DeadLettered, uint64(0))
	require.NoError(t, dlq.Close())

	// Database recovers; a fresh sampler replays the stranded rows.
	dlq2, err := deadletter.Open(dir)
	require.NoError(t, err)
	defer dlq2.Close()

	st.mu.Lock()
	st.insertErr = nil
	st.mu.Unlock()

	s2, _ := newTestSampler(t, st, dlq2)
	s2.Start()
	s2.Stop()

	replayed, err := dlq2.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.Greater(t, st.insertCount(), 0)
}
