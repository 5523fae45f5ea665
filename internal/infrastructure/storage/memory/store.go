// Package memory provides in-process implementations of the storage ports.
// Units of work are serialized and rolled back from a snapshot on error,
// which matches the isolation the Postgres implementation provides for the
// rows it locks.
package memory

import (
	"context"
	"sort"
	"sync"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/core/tx"
	"markhub/internal/domain/markingcode"
)

var (
	_ markingcode.Repository = (*Store)(nil)
	_ tx.Manager             = (*Store)(nil)
)

// Store keeps marking codes and revisions in maps.
type Store struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	codes     map[id.ID]*markingcode.MarkingCode
	revisions map[id.ID][]markingcode.Revision
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		codes:     make(map[id.ID]*markingcode.MarkingCode),
		revisions: make(map[id.ID][]markingcode.Revision),
	}
}

type txKey struct{}

type snapshot struct {
	codes     map[id.ID]*markingcode.MarkingCode
	revisions map[id.ID][]markingcode.Revision
}

// RunInTransaction implements tx.Manager. Nested calls join the outer unit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bool); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		codes:     make(map[id.ID]*markingcode.MarkingCode, len(s.codes)),
		revisions: make(map[id.ID][]markingcode.Revision, len(s.revisions)),
	}
	for k, v := range s.codes {
		snap.codes[k] = v
	}
	for k, v := range s.revisions {
		snap.revisions[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = snap.codes
	s.revisions = snap.revisions
}

// Create implements markingcode.Repository.
func (s *Store) Create(_ context.Context, code *markingcode.MarkingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(code)
}

// CreateBatch implements markingcode.Repository.
func (s *Store) CreateBatch(_ context.Context, codes []*markingcode.MarkingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range codes {
		if err := s.insert(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insert(code *markingcode.MarkingCode) error {
	if _, exists := s.codes[code.ID]; exists {
		return apperror.NewConflict("marking code already exists").WithDetail("code_id", code.ID)
	}
	stored := code.Clone()
	s.codes[code.ID] = stored
	s.revisions[code.ID] = []markingcode.Revision{stored.Current.Clone()}
	return nil
}

// Get implements markingcode.Repository.
func (s *Store) Get(_ context.Context, codeID id.ID) (*markingcode.MarkingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeID]
	if !ok {
		return nil, apperror.NewNotFound("marking_code", codeID)
	}
	return code.Clone(), nil
}

// AppendRevision implements markingcode.Repository.
func (s *Store) AppendRevision(_ context.Context, rev *markingcode.Revision, expected id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[rev.CodeID]
	if !ok {
		return apperror.NewNotFound("marking_code", rev.CodeID)
	}
	if code.CurrentRevisionID != expected {
		return apperror.NewConcurrentModification("marking_code", rev.CodeID).
			WithDetail("expected_revision", expected).
			WithDetail("current_revision", code.CurrentRevisionID)
	}

	updated := code.Clone()
	updated.Current = rev.Clone()
	updated.CurrentRevisionID = rev.ID
	updated.Stamp.Touch(rev.ActorID, rev.CreatedAt)
	s.codes[rev.CodeID] = updated

	history := s.revisions[rev.CodeID]
	next := make([]markingcode.Revision, len(history), len(history)+1)
	copy(next, history)
	s.revisions[rev.CodeID] = append(next, rev.Clone())
	return nil
}

// Revisions implements markingcode.Repository.
func (s *Store) Revisions(_ context.Context, codeID id.ID) ([]markingcode.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.revisions[codeID]
	out := make([]markingcode.Revision, len(history))
	for i, r := range history {
		out[i] = r.Clone()
	}
	return out, nil
}

// FindByOrder implements markingcode.Repository.
func (s *Store) FindByOrder(_ context.Context, orderID id.ID, statuses []markingcode.Status) ([]*markingcode.MarkingCode, error) {
	return s.filter(func(c *markingcode.MarkingCode) bool {
		if c.OrderID() == nil || *c.OrderID() != orderID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if c.Status() == st {
				return true
			}
		}
		return false
	}), nil
}

// FindByPart implements markingcode.Repository.
func (s *Store) FindByPart(_ context.Context, partID string) ([]*markingcode.MarkingCode, error) {
	return s.filter(func(c *markingcode.MarkingCode) bool {
		return c.PartID() == partID
	}), nil
}

// FindByLot implements markingcode.Repository.
func (s *Store) FindByLot(_ context.Context, lotID string) ([]*markingcode.MarkingCode, error) {
	return s.filter(func(c *markingcode.MarkingCode) bool {
		return c.Attributes.LotID == lotID
	}), nil
}

// filter returns clones of matching codes in reservation order.
func (s *Store) filter(match func(*markingcode.MarkingCode) bool) []*markingcode.MarkingCode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*markingcode.MarkingCode
	for _, c := range s.codes {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Current.CreatedAt, out[j].Current.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// LockCandidate implements markingcode.Repository. The lock is the
// serialized unit of work itself.
func (s *Store) LockCandidate(_ context.Context, c markingcode.Criteria) (*markingcode.MarkingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *markingcode.MarkingCode
	for _, code := range s.codes {
		if !c.Matches(code) {
			continue
		}
		if best == nil || c.Before(code, best) {
			best = code
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// EverLinked implements markingcode.Repository.
func (s *Store) EverLinked(_ context.Context, codeID id.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.revisions[codeID] {
		if r.OrderID != nil {
			return true, nil
		}
	}
	return false, nil
}

// Delete implements markingcode.Repository.
func (s *Store) Delete(_ context.Context, codeID id.ID, expected id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok {
		return apperror.NewNotFound("marking_code", codeID)
	}
	if code.CurrentRevisionID != expected {
		return apperror.NewConcurrentModification("marking_code", codeID)
	}
	delete(s.codes, codeID)
	delete(s.revisions, codeID)
	return nil
}

// Len returns the number of stored codes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// All returns every stored code in reservation order.
func (s *Store) All() []*markingcode.MarkingCode {
	return s.filter(func(*markingcode.MarkingCode) bool { return true })
}
