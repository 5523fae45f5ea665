package dedup

import (
	"context"
	"sync"
	"time"
)

type phase int

const (
	phasePending phase = iota
	phaseDone
)

type record struct {
	phase     phase
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key Key, lease time.Duration) (Outcome, error) {
	if err := ValidTTL(lease); err != nil {
		return Busy, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if rec, ok := s.records[k]; ok && now.Before(rec.expiresAt) {
		if rec.phase == phaseDone {
			return Done, nil
		}
		return Busy, nil
	}

	s.records[k] = record{phase: phasePending, expiresAt: now.Add(lease)}
	return Acquired, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key, ttl time.Duration) error {
	if err := ValidTTL(ttl); err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key.String()] = record{phase: phaseDone, expiresAt: now.Add(ttl)}
	return nil
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key Key) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	return ok && rec.phase == phaseDone && now.Before(rec.expiresAt), nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key.String())
	return nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
