package markingcode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"markhub/internal/core/apperror"
	appctx "markhub/internal/core/context"
	"markhub/internal/core/entity"
	"markhub/internal/core/id"
	"markhub/internal/core/tx"
	"markhub/pkg/logger"
)

// Service performs every state change of marking codes.
type Service struct {
	repo      Repository
	txm       tx.Manager
	publisher EventPublisher
	observer  Observer
	items     ItemReleaser
	now       func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithObserver registers a transition observer (metrics).
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithItemReleaser frees item bookkeeping when a cancel or return undoes a
// reservation.
func WithItemReleaser(r ItemReleaser) Option {
	return func(s *Service) { s.items = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new marking code service.
func NewService(repo Repository, txm tx.Manager, publisher EventPublisher, opts ...Option) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	s := &Service{
		repo:      repo,
		txm:       txm,
		publisher: publisher,
		observer:  nopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a code coming from ingestion.
//
// A malformed payload does not reject the request: the code is stored in
// StatusError with the reason as comment, and both the code and the
// validation error are returned.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*MarkingCode, error) {
	if err := req.Validate(ctx); err != nil {
		return nil, err
	}
	payloadErr := req.Payload.Validate(ctx)
	code := s.build(ctx, req, payloadErr)

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, code)
	})
	if err != nil {
		return nil, fmt.Errorf("create marking code: %w", err)
	}

	logger.Info(ctx, "marking code created",
		"code_id", code.ID,
		"status", code.Status(),
		"lot_id", code.Attributes.LotID,
	)

	if payloadErr != nil {
		return code, payloadErr
	}
	return code, nil
}

// CreateBatch registers many codes under one lot.
// Codes with malformed payloads are stored in StatusError; the count of
// such codes is logged and they are returned alongside the valid ones.
func (s *Service) CreateBatch(ctx context.Context, reqs []CreateRequest) ([]*MarkingCode, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	lot := reqs[0].LotID
	if lot == "" {
		lot = NewLotID()
	}

	codes := make([]*MarkingCode, 0, len(reqs))
	invalid := 0
	for i := range reqs {
		req := reqs[i]
		if req.LotID == "" {
			req.LotID = lot
		}
		if err := req.Validate(ctx); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		payloadErr := req.Payload.Validate(ctx)
		if payloadErr != nil {
			invalid++
		}
		codes = append(codes, s.build(ctx, req, payloadErr))
	}

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.repo.CreateBatch(ctx, codes)
	})
	if err != nil {
		return nil, fmt.Errorf("create marking code batch: %w", err)
	}

	logger.Info(ctx, "marking code batch created",
		"lot_id", lot,
		"count", len(codes),
		"invalid", invalid,
	)
	return codes, nil
}

func (s *Service) build(ctx context.Context, req CreateRequest, payloadErr error) *MarkingCode {
	now := s.now().UTC()
	actor := appctx.GetActorID(ctx)
	lot := req.LotID
	if lot == "" {
		lot = NewLotID()
	}

	code := &MarkingCode{
		ID: id.New(),
		Attributes: Attributes{
			OwnerUserID:     req.OwnerUserID,
			OwnerProfileID:  req.OwnerProfileID,
			SellerProfileID: req.SellerProfileID,
			Product:         req.Product,
			LotID:           lot,
		},
		Payload:   req.Payload,
		CreatedAt: now,
		Stamp:     entity.Stamp{At: now, By: actor},
	}

	rev := Revision{
		ID:         id.New(),
		CodeID:     code.ID,
		Transition: TransitionCreate,
		Status:     StatusNew,
		ActorID:    actor,
		CreatedAt:  now,
	}
	if payloadErr != nil {
		rev.Status = StatusError
		if appErr, ok := apperror.AsAppError(payloadErr); ok {
			rev.Comment = appErr.Message
		} else {
			rev.Comment = payloadErr.Error()
		}
	}

	code.Current = rev
	code.CurrentRevisionID = rev.ID
	return code
}

// TransitionRequest describes one status change.
type TransitionRequest struct {
	CodeID     id.ID
	Transition Transition
	// ExpectedRevisionID, when set, must equal the current revision.
	ExpectedRevisionID *id.ID
	// OrderID and OwnerProfileID are required by TransitionReserve.
	OrderID        *id.ID
	OwnerProfileID *id.ID
	Allocation     Allocation
	Comment        string
}

// Transition loads the code and applies req in one unit of work.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*MarkingCode, error) {
	var (
		result *MarkingCode
		from   Status
		item   *id.ID
	)
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		code, err := s.repo.Get(ctx, req.CodeID)
		if err != nil {
			return err
		}
		if req.ExpectedRevisionID != nil && *req.ExpectedRevisionID != code.CurrentRevisionID {
			return apperror.NewConcurrentModification("marking_code", code.ID).
				WithDetail("expected_revision", *req.ExpectedRevisionID).
				WithDetail("current_revision", code.CurrentRevisionID)
		}
		from = code.Status()
		item = code.OrderItemID()
		result, err = s.apply(ctx, code, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observer.TransitionApplied(req.Transition, from, result.Status())
	if item != nil && releasesItem(req.Transition) {
		s.releaseItem(ctx, *item)
	}
	return result, nil
}

func releasesItem(t Transition) bool {
	return t == TransitionCancel || t == TransitionReturn
}

// releaseItem runs after commit; a failure leaves a stale key that the next
// reservation pass reclaims.
func (s *Service) releaseItem(ctx context.Context, itemID id.ID) {
	if s.items == nil {
		return
	}
	if err := s.items.ReleaseItem(ctx, itemID); err != nil {
		logger.Error(ctx, "failed to release order item", "order_item_id", itemID, "error", err)
	}
}

// Apply transitions a code already read in the caller's unit of work.
// The revision that was read is the CAS expectation. The observer is not
// notified; the caller reports the transition with Applied once its unit
// of work has committed.
func (s *Service) Apply(ctx context.Context, code *MarkingCode, req TransitionRequest) (*MarkingCode, error) {
	return s.apply(ctx, code, req)
}

// Applied reports a committed transition made through Apply.
func (s *Service) Applied(t Transition, from, to Status) {
	s.observer.TransitionApplied(t, from, to)
}

func (s *Service) apply(ctx context.Context, code *MarkingCode, req TransitionRequest) (*MarkingCode, error) {
	from := code.Status()
	to, err := req.Transition.Target(from)
	if err != nil {
		return nil, apperror.NewInvalidTransition(string(req.Transition), string(from)).
			WithDetail("code_id", code.ID)
	}

	now := s.now().UTC()
	rev := Revision{
		ID:         id.New(),
		CodeID:     code.ID,
		PreviousID: id.Ptr(code.CurrentRevisionID),
		Transition: req.Transition,
		Status:     to,
		Comment:    req.Comment,
		ActorID:    appctx.GetActorID(ctx),
		CreatedAt:  now,
	}

	e := transitions[req.Transition]
	switch {
	case e.link:
		if req.OrderID == nil {
			return nil, apperror.NewValidation("order is required to reserve a code")
		}
		if code.OrderID() != nil {
			return nil, apperror.NewBusinessRule(apperror.CodeInvalidTransition, "code is already linked to an order").
				WithDetail("code_id", code.ID).
				WithDetail("order_id", *code.OrderID())
		}
		rev.OrderID = id.Ptr(*req.OrderID)
		if req.OwnerProfileID != nil {
			rev.OwnerProfileID = id.Ptr(*req.OwnerProfileID)
		}
		rev.Allocation = req.Allocation
	case e.keep:
		prev := code.Current.Clone()
		rev.OrderID = prev.OrderID
		rev.OwnerProfileID = prev.OwnerProfileID
		rev.Allocation = prev.Allocation
	}

	if err := s.repo.AppendRevision(ctx, &rev, code.CurrentRevisionID); err != nil {
		return nil, err
	}

	event := StatusChanged{
		CodeID:     code.ID,
		RevisionID: rev.ID,
		Transition: req.Transition,
		From:       from,
		To:         to,
		OrderID:    rev.OrderID,
		PartID:     rev.Allocation.PartID,
		OccurredAt: now,
	}
	if event.OrderID == nil {
		event.OrderID = code.OrderID()
	}
	if err := s.publisher.PublishStatusChanged(ctx, event); err != nil {
		return nil, fmt.Errorf("publish status change: %w", err)
	}

	updated := code.Clone()
	updated.Current = rev
	updated.CurrentRevisionID = rev.ID
	updated.Stamp.Touch(rev.ActorID, now)

	logger.Debug(ctx, "marking code transitioned",
		"code_id", code.ID,
		"transition", req.Transition,
		"from", from,
		"to", to,
	)
	return updated, nil
}

// Get returns a code with its current revision.
func (s *Service) Get(ctx context.Context, codeID id.ID) (*MarkingCode, error) {
	return s.repo.Get(ctx, codeID)
}

// GetStatus returns the current status of a code.
func (s *Service) GetStatus(ctx context.Context, codeID id.ID) (Status, error) {
	code, err := s.repo.Get(ctx, codeID)
	if err != nil {
		return "", err
	}
	return code.Status(), nil
}

// History returns all revisions of a code, oldest first.
func (s *Service) History(ctx context.Context, codeID id.ID) ([]Revision, error) {
	revs, err := s.repo.Revisions(ctx, codeID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, apperror.NewNotFound("marking_code", codeID)
	}
	return revs, nil
}

// StatusAsOf returns the revision that was current at t.
func (s *Service) StatusAsOf(ctx context.Context, codeID id.ID, t time.Time) (Revision, error) {
	revs, err := s.History(ctx, codeID)
	if err != nil {
		return Revision{}, err
	}
	idx := sort.Search(len(revs), func(i int) bool {
		return revs[i].CreatedAt.After(t)
	})
	if idx == 0 {
		return Revision{}, apperror.NewNotFound("marking_code", codeID).
			WithDetail("as_of", t)
	}
	return revs[idx-1], nil
}

// FindByOrder returns codes linked to an order, optionally filtered by status.
func (s *Service) FindByOrder(ctx context.Context, orderID id.ID, statuses ...Status) ([]*MarkingCode, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, apperror.NewValidation(fmt.Sprintf("unknown status %q", st))
		}
	}
	return s.repo.FindByOrder(ctx, orderID, statuses)
}

// FindByPart returns codes of an allocation part.
func (s *Service) FindByPart(ctx context.Context, partID string) ([]*MarkingCode, error) {
	if partID == "" {
		return nil, apperror.NewValidation("part id is required")
	}
	return s.repo.FindByPart(ctx, partID)
}

// Delete removes a code that is new or in error and was never linked.
func (s *Service) Delete(ctx context.Context, codeID id.ID) error {
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		code, err := s.repo.Get(ctx, codeID)
		if err != nil {
			return err
		}
		return s.deleteLoaded(ctx, code)
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "marking code deleted", "code_id", codeID)
	return nil
}

func (s *Service) deleteLoaded(ctx context.Context, code *MarkingCode) error {
	if !code.Status().Deletable() {
		return apperror.NewBusinessRule(apperror.CodeInvalidTransition,
			fmt.Sprintf("code in status %q cannot be deleted", code.Status())).
			WithDetail("code_id", code.ID)
	}
	linked, err := s.repo.EverLinked(ctx, code.ID)
	if err != nil {
		return err
	}
	if linked {
		return apperror.NewBusinessRule(apperror.CodeInvalidTransition,
			"code has order history and cannot be deleted").
			WithDetail("code_id", code.ID)
	}
	return s.repo.Delete(ctx, code.ID, code.CurrentRevisionID)
}

// Decommission writes a code off without sale.
func (s *Service) Decommission(ctx context.Context, codeID id.ID, comment string) (*MarkingCode, error) {
	return s.Transition(ctx, TransitionRequest{CodeID: codeID, Transition: TransitionDecommission, Comment: comment})
}

// Restore brings a decommissioned code back to the pool.
func (s *Service) Restore(ctx context.Context, codeID id.ID, comment string) (*MarkingCode, error) {
	return s.Transition(ctx, TransitionRequest{CodeID: codeID, Transition: TransitionRestore, Comment: comment})
}

// MarkReturned undoes a reservation because of a business return.
// The code re-enters the pool ahead of new codes.
func (s *Service) MarkReturned(ctx context.Context, codeID id.ID, comment string) (*MarkingCode, error) {
	return s.Transition(ctx, TransitionRequest{CodeID: codeID, Transition: TransitionReturn, Comment: comment})
}

// BulkResult summarizes a bulk administrative operation.
type BulkResult struct {
	Affected int
	Skipped  int
}

// CancelPart releases every reserved code of an allocation part.
// Codes of the part in other statuses are skipped.
func (s *Service) CancelPart(ctx context.Context, partID, comment string) (BulkResult, error) {
	codes, err := s.FindByPart(ctx, partID)
	if err != nil {
		return BulkResult{}, err
	}

	var (
		res  BulkResult
		errs []error
	)
	for _, code := range codes {
		if code.Status() != StatusProcess {
			res.Skipped++
			continue
		}
		_, err := s.Transition(ctx, TransitionRequest{
			CodeID:             code.ID,
			Transition:         TransitionCancel,
			ExpectedRevisionID: id.Ptr(code.CurrentRevisionID),
			Comment:            comment,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("code %s: %w", code.ID, err))
			continue
		}
		res.Affected++
	}

	logger.Info(ctx, "part canceled", "part_id", partID, "affected", res.Affected, "skipped", res.Skipped)
	return res, errors.Join(errs...)
}

// DeleteLot removes every deletable code of an intake lot.
func (s *Service) DeleteLot(ctx context.Context, lotID string) (BulkResult, error) {
	if lotID == "" {
		return BulkResult{}, apperror.NewValidation("lot id is required")
	}
	codes, err := s.repo.FindByLot(ctx, lotID)
	if err != nil {
		return BulkResult{}, err
	}

	var res BulkResult
	for _, code := range codes {
		err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			return s.deleteLoaded(ctx, code)
		})
		if err != nil {
			if apperror.HasCode(err, apperror.CodeInvalidTransition) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("delete code %s: %w", code.ID, err)
		}
		res.Affected++
	}

	logger.Info(ctx, "lot deleted", "lot_id", lotID, "affected", res.Affected, "skipped", res.Skipped)
	return res, nil
}

// NewLotID returns a fresh intake lot id. ULIDs sort by creation time.
func NewLotID() string {
	return ulid.Make().String()
}
