// Package allocation claims exactly one eligible unassigned marking code
// per request.
package allocation

import (
	"context"
	"fmt"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/core/tx"
	"markhub/internal/domain/markingcode"
	"markhub/pkg/logger"
)

// DefaultMaxAttempts bounds retries after a lost CAS race.
const DefaultMaxAttempts = 3

// Request asks for one code of a product for an order item.
type Request struct {
	OwnerUserID id.ID
	// ProfileID is the requesting (selling) profile.
	ProfileID   id.ID
	Product     markingcode.ProductKey
	OrderID     id.ID
	OrderItemID *id.ID
	// PartID stamps the allocation; empty leaves it unset.
	PartID  string
	Comment string
}

// Outcome labels used by observers.
const (
	OutcomeAllocated = "allocated"
	OutcomeNoMatch   = "no_match"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

// Observer is notified of every allocation attempt.
type Observer interface {
	AllocationFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) AllocationFinished(string) {}

// Config tunes the selector.
type Config struct {
	// TestProfileID is the universal test profile; it only receives codes
	// that have no seller.
	TestProfileID *id.ID
	MaxAttempts   int
}

// Selector finds and reserves codes.
type Selector struct {
	repo     markingcode.Repository
	codes    *markingcode.Service
	txm      tx.Manager
	cfg      Config
	observer Observer
}

// NewSelector creates a selector.
func NewSelector(repo markingcode.Repository, codes *markingcode.Service, txm tx.Manager, cfg Config) *Selector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Selector{
		repo:     repo,
		codes:    codes,
		txm:      txm,
		cfg:      cfg,
		observer: nopObserver{},
	}
}

// WithObserver sets the allocation observer.
func (s *Selector) WithObserver(o Observer) *Selector {
	if o != nil {
		s.observer = o
	}
	return s
}

// Criteria builds the matching criteria for req.
func (s *Selector) Criteria(req Request) markingcode.Criteria {
	return markingcode.Criteria{
		OwnerUserID:     req.OwnerUserID,
		ProfileID:       req.ProfileID,
		Product:         req.Product,
		SellerUnsetOnly: s.cfg.TestProfileID != nil && *s.cfg.TestProfileID == req.ProfileID,
	}
}

// Allocate claims one code for req. ok is false when no code matches; that
// is not an error and the caller picks its own fallback.
func (s *Selector) Allocate(ctx context.Context, req Request) (*markingcode.MarkingCode, bool, error) {
	if id.IsNil(req.OrderID) {
		return nil, false, apperror.NewValidation("order is required for allocation")
	}

	criteria := s.Criteria(req)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		code, err := s.claim(ctx, criteria, req)
		switch {
		case err == nil && code == nil:
			s.observer.AllocationFinished(OutcomeNoMatch)
			logger.Debug(ctx, "no eligible marking code",
				"product_id", req.Product.ProductID,
				"order_id", req.OrderID,
			)
			return nil, false, nil
		case err == nil:
			s.observer.AllocationFinished(OutcomeAllocated)
			return code, true, nil
		case apperror.IsConcurrentModification(err):
			s.observer.AllocationFinished(OutcomeConflict)
			logger.Debug(ctx, "allocation lost race, retrying", "attempt", attempt, "order_id", req.OrderID)
			lastErr = err
			continue
		default:
			s.observer.AllocationFinished(OutcomeError)
			return nil, false, fmt.Errorf("allocate: %w", err)
		}
	}
	return nil, false, fmt.Errorf("allocate after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// claim reads and reserves in one unit of work.
func (s *Selector) claim(ctx context.Context, criteria markingcode.Criteria, req Request) (*markingcode.MarkingCode, error) {
	var (
		reserved *markingcode.MarkingCode
		from     markingcode.Status
	)
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		candidate, err := s.repo.LockCandidate(ctx, criteria)
		if err != nil {
			return fmt.Errorf("lock candidate: %w", err)
		}
		if candidate == nil {
			return nil
		}

		from = candidate.Status()
		orderID := req.OrderID
		profileID := req.ProfileID
		reserved, err = s.codes.Apply(ctx, candidate, markingcode.TransitionRequest{
			CodeID:         candidate.ID,
			Transition:     markingcode.TransitionReserve,
			OrderID:        &orderID,
			OwnerProfileID: &profileID,
			Allocation: markingcode.Allocation{
				PartID:      req.PartID,
				OrderItemID: req.OrderItemID,
			},
			Comment: req.Comment,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		s.codes.Applied(markingcode.TransitionReserve, from, reserved.Status())
	}
	return reserved, nil
}
