package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/types"
)

var bucketWideRows = []byte("wide_rows")

// Queue is the persistent dead-letter store for wide time-series rows that
// could not be written after the retry budget was exhausted. Rows are keyed
// by tick timestamp and replayed out of band; the ON CONFLICT rule on the
// readings table makes replay idempotent.
type Queue struct {
	db *bolt.DB
}

// Open creates or opens the dead-letter database under dataDir
func Open(dataDir string) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "deadletter.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter queue: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWideRows)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Queue{db: db}, nil
}

// Close closes the database
func (q *Queue) Close() error {
	return q.db.Close()
}

// Append stores one undeliverable reading
func (q *Queue) Append(r *types.Reading) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWideRows)
		data, err := json.Marshal(r.Values)
		if err != nil {
			return fmt.Errorf("failed to encode reading: %w", err)
		}
		key := []byte(r.Timestamp.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// Len returns the number of queued readings
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketWideRows).Stats().KeyN
		return nil
	})
	return n, err
}

// All returns every queued reading in timestamp order
func (q *Queue) All() ([]*types.Reading, error) {
	var readings []*types.Reading
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWideRows).ForEach(func(k, v []byte) error {
			ts, err := time.Parse(time.RFC3339Nano, string(k))
			if err != nil {
				return fmt.Errorf("corrupt dead-letter key %q: %w", k, err)
			}
			var values map[string]float64
			if err := json.Unmarshal(v, &values); err != nil {
				return fmt.Errorf("corrupt dead-letter row %q: %w", k, err)
			}
			readings = append(readings, &types.Reading{Timestamp: ts, Values: values})
			return nil
		})
	})
	return readings, err
}

// Inserter is the destination for replayed rows; implemented by store.Client
type Inserter interface {
	InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error)
}

// Replay attempts to deliver every queued reading, deleting rows that are
// accepted. It stops at the first delivery failure and reports how many
// rows were replayed; the remainder stays queued.
func (q *Queue) Replay(ctx context.Context, dst Inserter) (int, error) {
	readings, err := q.All()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, r := range readings {
		if _, err := dst.InsertReadingWide(ctx, r.Timestamp, r.Values); err != nil {
			return replayed, fmt.Errorf("replay stopped at %s: %w", r.Timestamp.Format(time.RFC3339), err)
		}
		if err := q.delete(r.Timestamp); err != nil {
			return replayed, err
		}
		replayed++
	}

	if replayed > 0 {
		logger := log.WithComponent("deadletter")
		logger.Info().
			Int("rows", replayed).
			Msg("Replayed dead-lettered readings")
	}
	return replayed, nil
}

func (q *Queue) delete(ts time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		key := []byte(ts.UTC().Format(time.RFC3339Nano))
		return tx.Bucket(bucketWideRows).Delete(key)
	})
}
