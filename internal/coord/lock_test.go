package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

// newTestLock builds a DistributedLock over the in-memory lock service with a
// controllable clock; sleeps advance the clock instead of blocking.
func newTestLock(clock *fakeClock) (*DistributedLock, *store.MemoryLockService) {
	svc := store.NewMemoryLockService(clock.Now)
	lock := NewDistributedLock(svc, nil,
		WithNowFunc(clock.Now),
		WithSleepFunc(func(d time.Duration) { clock.Advance(d) }),
	)
	return lock, svc
}

func TestDistributedLock_AcquireAndRelease(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, _ := newTestLock(clock)
	ctx := context.Background()

	handle, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "resource", handle.Name())

	require.NoError(t, lock.Release(ctx, handle))

	// The lock is free again.
	handle2, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx, handle2))
}

func TestDistributedLock_ContendedTimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, svc := newTestLock(clock)
	ctx := context.Background()

	// Another owner holds a long lease.
	held, err := svc.Acquire(ctx, "resource", "other-owner", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	_, err = lock.Acquire(ctx, "resource", 500*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeLockTimeout))
}

func TestDistributedLock_ExpiredLeaseIsReclaimed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, svc := newTestLock(clock)
	ctx := context.Background()

	held, err := svc.Acquire(ctx, "resource", "crashed-owner", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	// The crashed holder's lease expires.
	clock.Advance(2 * time.Second)

	handle, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle)
}

func TestDistributedLock_ReleaseIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, _ := newTestLock(clock)
	ctx := context.Background()

	handle, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx, handle))
	require.NoError(t, lock.Release(ctx, handle))
	require.NoError(t, lock.Release(ctx, nil))
}

func TestDistributedLock_StaleHandleCannotReleaseNewHolder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, svc := newTestLock(clock)
	ctx := context.Background()

	stale, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)

	// The stale holder's lease expires and someone else takes the lock.
	clock.Advance(time.Minute)
	held, err := svc.Acquire(ctx, "resource", "new-owner", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, lock.Release(ctx, stale))

	// The new owner still holds the lock.
	held, err = svc.Acquire(ctx, "resource", "third-owner", time.Second)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDistributedLock_WithLockReleasesOnError(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	lock, _ := newTestLock(clock)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := lock.WithLock(ctx, "resource", time.Second, func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// The lock was released despite the error.
	handle, err := lock.Acquire(ctx, "resource", time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle)
}
