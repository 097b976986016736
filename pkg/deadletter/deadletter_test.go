package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/stratum/pkg/types"
)

type collectingInserter struct {
	rows []map[string]float64
	err  error
}

func (c *collectingInserter) InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.rows = append(c.rows, payload)
	return len(payload), nil
}

func reading(ts time.Time, temp float64) *types.Reading {
	return &types.Reading{
		Timestamp: ts,
		Values:    map[string]float64{"chamber_temperature": temp},
	}
}

func TestAppendAndReplay(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, q.Append(reading(base, 100)))
	require.NoError(t, q.Append(reading(base.Add(time.Second), 101)))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := &collectingInserter{}
	replayed, err := q.Replay(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)
	assert.Len(t, dst.rows, 2)

	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestReplayStopsAtFirstFailure verifies rows stay queued when the
// database rejects them, so nothing is lost across restarts
func TestReplayStopsAtFirstFailure(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	base := time.Now().UTC()
	require.NoError(t, q.Append(reading(base, 100)))
	require.NoError(t, q.Append(reading(base.Add(time.Second), 101)))

	dst := &collectingInserter{err: errors.New("db still down")}
	replayed, err := q.Replay(context.Background(), dst)
	require.Error(t, err)
	assert.Equal(t, 0, replayed)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAllPreservesOrderAndValues(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, q.Append(reading(base, 1)))
	require.NoError(t, q.Append(reading(base.Add(time.Second), 2)))

	rows, err := q.All()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, rows[0].Values["chamber_temperature"])
	assert.Equal(t, 2.0, rows[1].Values["chamber_temperature"])
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
}
