package settlement

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Suitable for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a store whose records expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &MemoryStore{
		records: make(map[string]Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements RecordStore
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

// PutPending implements RecordStore
func (s *MemoryStore) PutPending(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[rec.Key]; ok && now.Before(existing.ExpiresAt) {
		return ErrRecordExists
	}
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)
	s.records[rec.Key] = rec
	return nil
}

// MarkSettled implements RecordStore
func (s *MemoryStore) MarkSettled(_ context.Context, key, reference, payer string, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	now := s.now()
	if settledAt.IsZero() {
		settledAt = now
	}
	rec.Status = StatusSettled
	rec.Reference = reference
	rec.Payer = payer
	rec.SettledAt = settledAt
	rec.ExpiresAt = now.Add(s.ttl)
	s.records[key] = rec
	return nil
}

// Delete implements RecordStore
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
