package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mailroom/internal/coord"
	"mailroom/internal/store"
	"mailroom/internal/types"
)

const (
	continuationKeyPrefix = "continuation:"
	continuationIndexKey  = "continuation:index"
)

// continuationLockTimeout bounds the wait for the index lock. Index mutations
// are short critical sections.
const continuationLockTimeout = 2 * time.Second

// ContinuationStore persists at most one pending continuation per operation
// name in the property store. Scheduling an operation that already has a
// pending continuation overwrites it, so retries cannot pile up while the
// system is degraded.
//
// An index key tracks the set of pending operation names so sweeps read only
// the continuation keys instead of scanning the whole property store. The
// index is a shared key mutated by read-modify-write, so every mutation runs
// under its distributed lock; without it, two concurrently failing jobs could
// each append only their own entry and silently drop the other's retry.
type ContinuationStore struct {
	props  store.PropertyStore
	locks  *coord.DistributedLock
	logger *slog.Logger
}

// NewContinuationStore creates a continuation store.
func NewContinuationStore(props store.PropertyStore, locks *coord.DistributedLock, logger *slog.Logger) *ContinuationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContinuationStore{props: props, locks: locks, logger: logger}
}

// Schedule records a continuation for the operation to run at scheduledAt.
// Any existing continuation for the same operation is replaced.
func (s *ContinuationStore) Schedule(ctx context.Context, c types.Continuation) error {
	if c.Operation == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "continuation operation is required", nil)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal continuation", err)
	}
	if err := s.props.Set(ctx, continuationKeyPrefix+c.Operation, string(raw)); err != nil {
		return fmt.Errorf("persisting continuation for %s: %w", c.Operation, err)
	}
	if err := s.addToIndex(ctx, c.Operation); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "continuation scheduled",
		"operation", c.Operation,
		"scheduled_at", c.ScheduledAt,
	)
	return nil
}

// Get returns the pending continuation for an operation, if any.
func (s *ContinuationStore) Get(ctx context.Context, operation string) (*types.Continuation, bool, error) {
	raw, ok, err := s.props.Get(ctx, continuationKeyPrefix+operation)
	if err != nil {
		return nil, false, fmt.Errorf("reading continuation for %s: %w", operation, err)
	}
	if !ok {
		return nil, false, nil
	}
	var c types.Continuation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		// A corrupt continuation is dropped; the owning job will reschedule on
		// its next failed run if the condition persists.
		s.logger.WarnContext(ctx, "discarding corrupt continuation",
			"operation", operation,
			"error", err,
		)
		if delErr := s.Consume(ctx, operation); delErr != nil {
			return nil, false, delErr
		}
		return nil, false, nil
	}
	return &c, true, nil
}

// ListDue returns all continuations scheduled at or before now, ordered by
// scheduled time.
func (s *ContinuationStore) ListDue(ctx context.Context, now time.Time) ([]types.Continuation, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]types.Continuation, 0, len(index))
	for _, op := range index {
		c, ok, err := s.Get(ctx, op)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !c.ScheduledAt.After(now) {
			due = append(due, *c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	return due, nil
}

// Consume removes the continuation for an operation. Consuming an operation
// with no pending continuation is not an error.
func (s *ContinuationStore) Consume(ctx context.Context, operation string) error {
	if err := s.props.Delete(ctx, continuationKeyPrefix+operation); err != nil {
		return fmt.Errorf("deleting continuation for %s: %w", operation, err)
	}
	return s.removeFromIndex(ctx, operation)
}

func (s *ContinuationStore) readIndex(ctx context.Context) ([]string, error) {
	raw, ok, err := s.props.Get(ctx, continuationIndexKey)
	if err != nil {
		return nil, fmt.Errorf("reading continuation index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var index []string
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		s.logger.WarnContext(ctx, "discarding corrupt continuation index", "error", err)
		return nil, nil
	}
	return index, nil
}

func (s *ContinuationStore) writeIndex(ctx context.Context, index []string) error {
	if len(index) == 0 {
		if err := s.props.Delete(ctx, continuationIndexKey); err != nil {
			return fmt.Errorf("deleting continuation index: %w", err)
		}
		return nil
	}
	sort.Strings(index)
	raw, err := json.Marshal(index)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal continuation index", err)
	}
	if err := s.props.Set(ctx, continuationIndexKey, string(raw)); err != nil {
		return fmt.Errorf("writing continuation index: %w", err)
	}
	return nil
}

func (s *ContinuationStore) addToIndex(ctx context.Context, operation string) error {
	return s.locks.WithLock(ctx, continuationIndexKey, continuationLockTimeout, func(ctx context.Context) error {
		index, err := s.readIndex(ctx)
		if err != nil {
			return err
		}
		for _, op := range index {
			if op == operation {
				return nil
			}
		}
		return s.writeIndex(ctx, append(index, operation))
	})
}

func (s *ContinuationStore) removeFromIndex(ctx context.Context, operation string) error {
	return s.locks.WithLock(ctx, continuationIndexKey, continuationLockTimeout, func(ctx context.Context) error {
		index, err := s.readIndex(ctx)
		if err != nil {
			return err
		}
		out := index[:0]
		for _, op := range index {
			if op != operation {
				out = append(out, op)
			}
		}
		if len(out) == len(index) {
			return nil
		}
		return s.writeIndex(ctx, out)
	})
}
