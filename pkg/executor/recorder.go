package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxProgressSamples bounds the snapshot history kept per run; beyond it
// the oldest samples are discarded.
const maxProgressSamples = 600

// progressStore is the slice of Store the recorder uses
type progressStore interface {
	UpdateProgress(ctx context.Context, executionID string, progress json.RawMessage) error
}

// progressSample is one recorder snapshot appended to progress_json
type progressSample struct {
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// recorder is the continuous data recorder that runs for the duration of a
// process execution, appending timestamped snapshots to the execution
// state's progress record
type recorder struct {
	store    progressStore
	execID   string
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	samples []progressSample

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRecorder(st progressStore, execID string, interval time.Duration, logger zerolog.Logger) *recorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &recorder{
		store:    st,
		execID:   execID,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *recorder) Start() {
	go r.run()
}

func (r *recorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *recorder) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.record()
		case <-r.stopCh:
			// One final snapshot so the stored trail covers the full run.
			r.record()
			return
		}
	}
}

func (r *recorder) record() {
	r.mu.Lock()
	r.samples = append(r.samples, progressSample{Timestamp: time.Now().UTC()})
	if len(r.samples) > maxProgressSamples {
		r.samples = r.samples[len(r.samples)-maxProgressSamples:]
	}
	body, err := json.Marshal(r.samples)
	r.mu.Unlock()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateProgress(ctx, r.execID, body); err != nil {
		r.logger.Debug().Err(err).Msg("Progress snapshot failed")
	}
}
