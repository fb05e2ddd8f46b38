package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

func TestAcquireFailsFastWhileHeld(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "exec:1", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()

	release2, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestAcquireDistinctKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)
	defer r1()

	r2, err := l.Acquire(ctx, "exec:2", time.Minute)
	require.NoError(t, err)
	defer r2()
}

func TestExpiredLockCanBeReacquired(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	now := time.Now()
	l.clock = func() time.Time { return now }

	_, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)

	l.clock = func() time.Time { return now.Add(2 * time.Minute) }

	release, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)
	release()
}

func TestStaleReleaseDoesNotFreeNewHolder(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	now := time.Now()
	l.clock = func() time.Time { return now }

	staleRelease, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)

	// Lock expires and a second holder takes it over.
	l.clock = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = l.Acquire(ctx, "exec:1", time.Minute)
	require.NoError(t, err)

	// The first holder's release must not evict the second holder.
	staleRelease()

	_, err = l.Acquire(ctx, "exec:1", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestAcquireHonorsCanceledContext(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, "exec:1", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
