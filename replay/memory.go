package replay

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how many writes pass between expired-entry sweeps.
const sweepInterval = 1024

// MemoryStore is an in-process Store. It does not survive restarts and is not
// shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetIfAbsent implements Store
func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)

	s.writes++
	if s.writes%sweepInterval == 0 {
		s.sweepLocked(now)
	}
	return true, nil
}

// Exists implements Store
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	return ok && s.now().Before(exp), nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, key)
		}
	}
}
