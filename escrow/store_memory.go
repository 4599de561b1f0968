package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps escrows in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Escrow
	byJob map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Escrow),
		byJob: make(map[string]string),
	}
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, e Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byJob[e.JobID]; exists {
		return ErrJobExists
	}
	s.byID[e.ID] = clone(e)
	s.byJob[e.JobID] = e.ID
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e = clone(e)
	return &e, nil
}

// GetByJob implements Store
func (s *MemoryStore) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	s.mu.RLock()
	id, ok := s.byJob[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// List implements Store. Results are ordered newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Escrow, 0, len(s.byID))
	for _, e := range s.byID {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return []Escrow{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Transition implements Store
func (s *MemoryStore) Transition(_ context.Context, id string, expected, next Status, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != expected {
		return ErrConflict
	}

	e.Status = next
	e.UpdatedAt = u.At
	e.Pending = nil
	if u.FundingReference != "" {
		e.FundingReference = u.FundingReference
		e.FundedBy = u.FundedBy
		e.FundedAt = u.At
	}
	if u.ClosingReference != "" {
		e.ClosingReference = u.ClosingReference
		e.ClosingAmount = u.ClosingAmount
	}
	if u.DisputeReason != "" {
		e.DisputeReason = u.DisputeReason
	}
	if next.Terminal() {
		e.ClosedAt = u.At
	}
	s.byID[id] = e
	return nil
}

// SetPending implements Store
func (s *MemoryStore) SetPending(_ context.Context, id string, expected Status, p *PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != expected || (p != nil && e.Pending != nil) {
		return ErrConflict
	}
	if p != nil {
		cp := *p
		p = &cp
	}
	e.Pending = p
	s.byID[id] = e
	return nil
}

func clone(e Escrow) Escrow {
	if e.Pending != nil {
		p := *e.Pending
		e.Pending = &p
	}
	return e
}
