package lockfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "sampler", "ald-01")
	require.NoError(t, err)

	_, err = Acquire(dir, "sampler", "ald-01")
	require.Error(t, err)
	var held *ErrHeld
	assert.ErrorAs(t, err, &held)

	require.NoError(t, lock.Release())

	// Released lock can be taken again.
	lock2, err := Acquire(dir, "sampler", "ald-01")
	require.NoError(t, err)
	assert.NoError(t, lock2.Release())
}

// TestAcquireDifferentRolesCoexist verifies locks are scoped per role and
// machine, so the three terminals can share a host
func TestAcquireDifferentRolesCoexist(t *testing.T) {
	dir := t.TempDir()

	a, err := Acquire(dir, "sampler", "ald-01")
	require.NoError(t, err)
	defer a.Release()

	b, err := Acquire(dir, "executor", "ald-01")
	require.NoError(t, err)
	defer b.Release()

	c, err := Acquire(dir, "sampler", "ald-02")
	require.NoError(t, err)
	defer c.Release()
}

func TestReleaseRemovesLockFile(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "writer", "ald-01")
	require.NoError(t, err)

	path := lock.Path()
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	require.NoError(t, lock.Release())
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
