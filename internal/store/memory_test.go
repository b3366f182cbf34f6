package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/types"
)

func TestMemoryPropertyStore_SetGetDelete(t *testing.T) {
	s := NewMemoryPropertyStore(0)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryPropertyStore_SizeCeiling(t *testing.T) {
	s := NewMemoryPropertyStore(10)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "0123456789"))

	err := s.Set(ctx, "k", "0123456789x")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeRecordTooLarge))

	// The previous value survives a rejected write.
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0123456789", v)
}

func TestMemoryPropertyStore_ListAllIsACopy(t *testing.T) {
	s := NewMemoryPropertyStore(0)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	all["c"] = "3"
	_, ok, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", "v", time.Minute))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_PutOverwritesTTL(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", "v1", time.Second))
	require.NoError(t, c.Put(ctx, "k", "v2", time.Hour))

	now = now.Add(time.Minute)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestMemoryLockService_Leases(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLockService(func() time.Time { return now })
	ctx := context.Background()

	held, err := l.Acquire(ctx, "res", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	// A different owner cannot take a live lease.
	held, err = l.Acquire(ctx, "res", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	// The same owner re-acquires, extending the lease.
	held, err = l.Acquire(ctx, "res", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	// Once the lease expires anyone can take it.
	now = now.Add(2 * time.Minute)
	held, err = l.Acquire(ctx, "res", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMemoryLockService_ReleaseIsOwnerChecked(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLockService(func() time.Time { return now })
	ctx := context.Background()

	held, err := l.Acquire(ctx, "res", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	// A non-owner release is a no-op.
	require.NoError(t, l.Release(ctx, "res", "b"))
	held, err = l.Acquire(ctx, "res", "c", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, l.Release(ctx, "res", "a"))
	held, err = l.Acquire(ctx, "res", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMemoryLockService_NamesAreIndependent(t *testing.T) {
	l := NewMemoryLockService(nil)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "res-1", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	held, err = l.Acquire(ctx, "res-2", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

// Compile-time interface checks for the in-memory backends.
var (
	_ PropertyStore = (*MemoryPropertyStore)(nil)
	_ Cache         = (*MemoryCache)(nil)
	_ LockService   = (*MemoryLockService)(nil)
)
