// Package store defines the shared-state collaborators every invocation
// coordinates through: a durable key-value property store, a TTL cache, and a
// lease-based lock service. Production implementations live in internal/db;
// the in-memory implementations here back local mode and tests.
//
// These three collaborators are the only shared mutable state in the system.
// Any invocation may run concurrently with another, so every read-modify-write
// on a shared key must happen under a lock or be idempotent.
package store

import (
	"context"
	"time"
)

// PropertyStore is the durable key-value store. Values are strings with a
// per-value size ceiling (about 9 KB) and a total quota, which is why the
// sharded store and pagination exist.
//
// ListAll is unbounded and slow by nature; components should prefer scanning
// a small index value instead of enumerating the key space.
type PropertyStore interface {
	// Get returns the value for key. The second return is false when the key
	// does not exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, replacing any previous value. Implementations
	// reject values over the per-value ceiling with a record_too_large error.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListAll returns every key/value pair. Advisory use only.
	ListAll(ctx context.Context) (map[string]string, error)
}

// Cache is the shared TTL cache used for counters and samples that may be
// lost without correctness impact.
type Cache interface {
	// Get returns the cached value for key, or false when absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key for ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// Locker serializes a read-modify-write sequence on shared keys by running fn
// while holding the named lock. Satisfied by coord.DistributedLock.
type Locker interface {
	WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// LockService is the lease-based mutual-exclusion collaborator. A lock is
// held by an owner token until released or until the lease expires, so a
// crashed invocation cannot wedge the system.
type LockService interface {
	// Acquire attempts to take the named lock for owner with the given lease.
	// Returns false (without error) when another owner holds an unexpired
	// lease.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// Release drops the named lock if owner still holds it. Releasing a lock
	// that is already released or owned by someone else is a no-op.
	Release(ctx context.Context, name, owner string) error
}
