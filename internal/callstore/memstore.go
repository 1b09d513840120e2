package callstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and single-node development
// runs without a database.
type MemStore struct {
	mu      sync.RWMutex
	vendors map[string]Vendor // keyed by phone number
	calls   map[string]CallRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		vendors: make(map[string]Vendor),
		calls:   make(map[string]CallRecord),
	}
}

func (s *MemStore) VendorByPhone(_ context.Context, phone string) (Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[phone]
	if !ok {
		return Vendor{}, ErrNotFound
	}
	return v, nil
}

func (s *MemStore) UpsertVendor(_ context.Context, v Vendor) (Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.vendors[v.PhoneNumber]; ok {
		v.ID = prev.ID
		v.CreatedAt = prev.CreatedAt
	} else {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	s.vendors[v.PhoneNumber] = v
	return v, nil
}

func (s *MemStore) SaveCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *MemStore) SetSummary(_ context.Context, callID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.Summary = summary
	s.calls[callID] = rec
	return nil
}

// Calls returns a copy of all stored call records. Test helper.
func (s *MemStore) Calls() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		out = append(out, rec)
	}
	return out
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() {}
