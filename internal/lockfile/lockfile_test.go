//go:build unix

package lockfile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	first, err := TryAcquire(path)
	require.NoError(t, err)

	// flock locks are per open file description, so a second open in the
	// same process contends like another process would.
	_, err = TryAcquire(path)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, first.Release())

	second, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	held, err := TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = held.Release()
	}()

	lock, err := Acquire(context.Background(), path, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())
	require.NoError(t, lock.Release())
}

func TestAcquireTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	held, err := TryAcquire(path)
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(context.Background(), path, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
