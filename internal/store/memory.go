package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in a process-local map. It is the fallback
// when no durable backend is configured or reachable.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	// Copy the payload so callers cannot mutate stored bytes.
	e.Payload = append([]byte(nil), e.Payload...)
	return &e, nil
}

func (s *MemoryStore) Set(_ context.Context, e Entry) error {
	if e.Key == "" {
		return ErrEmptyKey
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if !e.Valid(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Backend: "memory", ByKind: make(map[string]int)}
	for _, e := range s.entries {
		st.Total++
		st.ByKind[e.Kind]++
		if !e.Valid(now) {
			st.Expired++
		}
	}
	return st, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
