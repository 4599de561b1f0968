package vault

import (
	"context"
	"sync"
)

// MemoryStore keeps sealed keys in memory. Keys are lost on restart, so it is
// only suitable for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]SealedKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]SealedKey)}
}

// Put implements Store
func (s *MemoryStore) Put(_ context.Context, key SealedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.Ref]; exists {
		return ErrKeyExists
	}
	key.Sealed = append([]byte(nil), key.Sealed...)
	s.keys[key.Ref] = key
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, ref string) (*SealedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[ref]
	if !ok {
		return nil, ErrKeyNotFound
	}
	key.Sealed = append([]byte(nil), key.Sealed...)
	return &key, nil
}
