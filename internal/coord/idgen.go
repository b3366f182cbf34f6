package coord

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

// counterBase is the starting value for a fresh shard counter, giving IDs a
// constant width from the first issue.
const counterBase = 1000

// idGenMaxAttempts bounds lock/validation retries before degrading to the
// fallback format.
const idGenMaxAttempts = 3

// idGenLockTimeout bounds the wait per shard lock attempt.
const idGenLockTimeout = 2 * time.Second

// fallbackMarker distinguishes fallback IDs from shard IDs. Fallback IDs are
// still unique for practical purposes but do not sort like shard IDs; callers
// can detect them via IsFallbackID.
const fallbackMarker = "F"

// ShardedIDGenerator issues collision-resistant unique identifiers under
// concurrent invocations. A single global counter under one lock becomes the
// contention bottleneck when many invocations overlap; spreading increments
// across N independent shard counters trades a small chance of non-monotonic
// ordering across shards for an N-fold reduction in lock contention.
type ShardedIDGenerator struct {
	props   store.PropertyStore
	locks   *DistributedLock
	shards  int
	logger  *slog.Logger
	nowFn   func() time.Time
	randFn  func(n int) int // returns [0, n)
	sleepFn func(time.Duration)
}

// IDGeneratorConfig holds the configuration for creating a ShardedIDGenerator.
type IDGeneratorConfig struct {
	Props  store.PropertyStore
	Locks  *DistributedLock
	Shards int

	Logger  *slog.Logger
	NowFn   func() time.Time    // nil uses time.Now
	RandFn  func(n int) int     // nil uses math/rand/v2
	SleepFn func(time.Duration) // nil uses time.Sleep
}

// NewShardedIDGenerator creates a generator spreading counters across
// cfg.Shards independent shards (minimum 1).
func NewShardedIDGenerator(cfg IDGeneratorConfig) *ShardedIDGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	randFn := cfg.RandFn
	if randFn == nil {
		randFn = rand.IntN
	}
	sleepFn := cfg.SleepFn
	if sleepFn == nil {
		sleepFn = time.Sleep
	}
	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	return &ShardedIDGenerator{
		props:   cfg.Props,
		locks:   cfg.Locks,
		shards:  shards,
		logger:  logger,
		nowFn:   nowFn,
		randFn:  randFn,
		sleepFn: sleepFn,
	}
}

// NextID issues the next identifier in the given namespace. The identifier is
// composed of the uppercased namespace, a date prefix, the shard index, and a
// zero-padded counter, e.g. "TKT-20260824-3-001042".
//
// Each attempt picks a pseudo-random shard, takes its lock, reads the stored
// counter, validates that the increment is strictly greater than the prior
// value (corruption/overflow guard), and persists the new value. Lock or
// validation failures retry on another shard with exponential backoff; when
// all attempts are exhausted the generator degrades to a timestamp+random
// fallback ID rather than failing the caller.
func (g *ShardedIDGenerator) NextID(ctx context.Context, namespace string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < idGenMaxAttempts; attempt++ {
		if attempt > 0 {
			g.sleepFn(time.Duration(1<<attempt) * 100 * time.Millisecond)
		}

		shard := g.randFn(g.shards)
		id, err := g.nextFromShard(ctx, namespace, shard)
		if err == nil {
			return id, nil
		}
		lastErr = err

		g.logger.DebugContext(ctx, "shard counter attempt failed",
			"namespace", namespace,
			"shard", shard,
			"attempt", attempt+1,
			"error", err,
		)
	}

	// Availability over strict format: issue a fallback ID instead of failing.
	id := g.fallbackID(namespace)
	g.logger.WarnContext(ctx, "sharded ID generation degraded to fallback format",
		"namespace", namespace,
		"fallback_id", id,
		"error", lastErr,
	)
	return id, nil
}

// nextFromShard performs one locked read-validate-increment-persist cycle
// against a single shard counter.
func (g *ShardedIDGenerator) nextFromShard(ctx context.Context, namespace string, shard int) (string, error) {
	counterKey := fmt.Sprintf("counter:%s:%d", namespace, shard)
	lockName := "idgen:" + counterKey

	var id string
	err := g.locks.WithLock(ctx, lockName, idGenLockTimeout, func(ctx context.Context) error {
		raw, ok, err := g.props.Get(ctx, counterKey)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to read shard counter", err)
		}

		value := counterBase
		if ok {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return types.NewAppErrorWithDetails(
					types.ErrCodeCounterCorruption,
					"shard counter is not an integer",
					err,
					map[string]any{"counter": counterKey, "raw": raw},
				)
			}
			value = parsed
		}

		next := value + 1
		if next <= value {
			// Overflow or storage corruption. The offending value is never
			// persisted.
			return types.NewAppErrorWithDetails(
				types.ErrCodeCounterCorruption,
				"shard counter increment did not advance",
				nil,
				map[string]any{"counter": counterKey, "value": value},
			)
		}

		if err := g.props.Set(ctx, counterKey, strconv.Itoa(next)); err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to persist shard counter", err)
		}

		id = fmt.Sprintf("%s-%s-%d-%06d",
			strings.ToUpper(namespace),
			g.nowFn().UTC().Format("20060102"),
			shard,
			next,
		)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// fallbackID composes a timestamp+random identifier with a marker segment so
// downstream consumers can tell it apart from shard IDs. Fallback IDs do not
// sort the same way as shard IDs.
func (g *ShardedIDGenerator) fallbackID(namespace string) string {
	return fmt.Sprintf("%s-%s-%d-%s",
		strings.ToUpper(namespace),
		fallbackMarker,
		g.nowFn().UTC().UnixMilli(),
		uuid.New().String()[:8],
	)
}

// IsFallbackID reports whether id was issued by the degraded fallback path.
func IsFallbackID(id string) bool {
	parts := strings.SplitN(id, "-", 3)
	return len(parts) >= 2 && parts[1] == fallbackMarker
}
