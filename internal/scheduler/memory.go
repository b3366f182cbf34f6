package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailroom/internal/types"
)

// MemoryTriggerStore is the in-memory TriggerStore used by tests and local
// runs without a database.
type MemoryTriggerStore struct {
	mu       sync.Mutex
	byHandle map[string]types.Trigger
}

// NewMemoryTriggerStore creates an empty in-memory trigger store.
func NewMemoryTriggerStore() *MemoryTriggerStore {
	return &MemoryTriggerStore{byHandle: make(map[string]types.Trigger)}
}

func (s *MemoryTriggerStore) Create(_ context.Context, t *types.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHandle[t.Handle]; exists {
		return types.NewAppError(types.ErrCodeInternalStore, "trigger handle already exists", nil)
	}
	s.byHandle[t.Handle] = *t
	return nil
}

func (s *MemoryTriggerStore) DeleteByJob(_ context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, t := range s.byHandle {
		if t.JobName == jobName {
			delete(s.byHandle, handle)
		}
	}
	return nil
}

func (s *MemoryTriggerStore) GetByJob(_ context.Context, jobName string) (*types.Trigger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byHandle {
		if t.JobName == jobName {
			out := t
			return &out, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryTriggerStore) List(_ context.Context) ([]types.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Trigger, 0, len(s.byHandle))
	for _, t := range s.byHandle {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out, nil
}

func (s *MemoryTriggerStore) ListDue(_ context.Context, now time.Time) ([]types.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Trigger, 0)
	for _, t := range s.byHandle {
		if !t.NextFire.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	return out, nil
}

func (s *MemoryTriggerStore) UpdateNextFire(_ context.Context, handle string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHandle[handle]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundTrigger, "trigger not found", nil)
	}
	t.NextFire = next
	s.byHandle[handle] = t
	return nil
}
