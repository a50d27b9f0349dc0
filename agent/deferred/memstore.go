package deferred

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store. It backs tests and DSN-less dev
// runs with the same claim semantics as the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Execution)}
}

func (s *MemoryStore) Create(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[ex.ID]; exists {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}
	clone := *ex
	s.records[ex.ID] = &clone
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Execution
	for _, ex := range s.records {
		if (ex.Status == StatusQueued || ex.Status == StatusFailed) && !ex.NextRetryAt.After(now) {
			clone := *ex
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if ex.Status != StatusQueued && ex.Status != StatusFailed {
		return false, nil
	}
	if ex.NextRetryAt.After(now) {
		return false, nil
	}
	ex.Status = StatusProcessing
	ex.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, id string, now time.Time) error {
	return s.update(id, func(ex *Execution) {
		ex.Status = StatusStarted
		ex.LastError = ""
		ex.LastAttemptAt = now
		ex.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, lastError string, nextRetryAt, now time.Time) error {
	return s.update(id, func(ex *Execution) {
		ex.Status = StatusFailed
		ex.Attempts = attempts
		ex.LastError = lastError
		ex.NextRetryAt = nextRetryAt
		ex.LastAttemptAt = now
		ex.UpdatedAt = now
	})
}

func (s *MemoryStore) Abandon(_ context.Context, id string, attempts int, lastError string, now time.Time) error {
	return s.update(id, func(ex *Execution) {
		ex.Status = StatusAbandoned
		ex.Attempts = attempts
		ex.LastError = lastError
		ex.LastAttemptAt = now
		ex.UpdatedAt = now
	})
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	clone := *ex
	return &clone, nil
}

func (s *MemoryStore) update(id string, apply func(*Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.records[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	apply(ex)
	return nil
}
