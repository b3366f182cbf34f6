package store

import (
	"context"
	"sync"
	"time"

	"mailroom/internal/types"
)

// MemoryPropertyStore is an in-memory PropertyStore used in local mode and
// tests. It enforces the same per-value ceiling as the production store so
// size-limit behavior is reproducible without a database.
type MemoryPropertyStore struct {
	mu            sync.Mutex
	values        map[string]string
	maxValueBytes int
}

// NewMemoryPropertyStore creates an in-memory property store with the given
// per-value size ceiling. A ceiling of 0 disables the size check.
func NewMemoryPropertyStore(maxValueBytes int) *MemoryPropertyStore {
	return &MemoryPropertyStore{
		values:        make(map[string]string),
		maxValueBytes: maxValueBytes,
	}
}

func (s *MemoryPropertyStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryPropertyStore) Set(_ context.Context, key, value string) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return types.NewAppErrorWithDetails(
			types.ErrCodeRecordTooLarge,
			"value exceeds per-value store ceiling",
			nil,
			map[string]any{"key": key, "size": len(value), "ceiling": s.maxValueBytes},
		)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryPropertyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryPropertyStore) ListAll(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// cacheEntry is one value with its expiry instant.
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-memory TTL cache. Expired entries are evicted lazily
// on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	nowFn   func() time.Time
}

// NewMemoryCache creates an in-memory cache. The nowFn parameter allows tests
// to control time; nil uses time.Now.
func NewMemoryCache(nowFn func() time.Time) *MemoryCache {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		nowFn:   nowFn,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.nowFn().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: c.nowFn().Add(ttl),
	}
	return nil
}

// lockLease records the current holder of one named lock.
type lockLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLockService is an in-memory lease-based LockService. It mirrors the
// production semantics: expired leases are reclaimable, release is idempotent
// and owner-checked.
type MemoryLockService struct {
	mu     sync.Mutex
	leases map[string]lockLease
	nowFn  func() time.Time
}

// NewMemoryLockService creates an in-memory lock service. The nowFn parameter
// allows tests to control time; nil uses time.Now.
func NewMemoryLockService(nowFn func() time.Time) *MemoryLockService {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryLockService{
		leases: make(map[string]lockLease),
		nowFn:  nowFn,
	}
}

func (l *MemoryLockService) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	lease, held := l.leases[name]
	if held && lease.owner != owner && now.Before(lease.expiresAt) {
		return false, nil
	}
	l.leases[name] = lockLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLockService) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, held := l.leases[name]; held && lease.owner == owner {
		delete(l.leases, name)
	}
	return nil
}
