package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/nanofab/stratum/pkg/log"
)

// Lock is the per-terminal single-instance lock. A second instance of the
// same terminal role on the same host fails fast with ErrHeld.
type Lock struct {
	path  string
	flock *flock.Flock
}

// ErrHeld is returned when another live process holds the lock
type ErrHeld struct {
	Path string
	PID  int
}

func (e *ErrHeld) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock %s held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("lock %s held by another process", e.Path)
}

// Acquire takes the exclusive lock for a terminal role and machine. The
// lock file records the holder pid for diagnostics; a stale pid from a
// dead holder is harmless because flock releases with the process.
func Acquire(dataDir, role, machineID string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	path := filepath.Join(dataDir, fmt.Sprintf("stratum-%s-%s.lock", role, machineID))
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, &ErrHeld{Path: path, PID: holderPID(path)}
	}

	// Best effort: record our pid for operators inspecting the host.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logger := log.WithComponent("lockfile")
		logger.Warn().Err(err).Msg("Failed to record pid in lock file")
	}

	return &Lock{path: path, flock: fl}, nil
}

// Release unlocks and removes the lock file
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	os.Remove(l.path)
	return nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

func holderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
