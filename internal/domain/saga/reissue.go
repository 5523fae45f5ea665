package saga

import (
	"context"
	"fmt"

	"markhub/internal/core/apperror"
	"markhub/internal/core/dedup"
	"markhub/internal/core/id"
	"markhub/internal/domain/batch"
	"markhub/pkg/logger"
)

// ReissueHandlerName names the reissue handler in dedup keys.
const ReissueHandlerName = "reissue"

// ReissueHandler discards the reservations of an order and runs a fresh
// reservation pass. Unlike the lifecycle handlers it reports precondition
// failures to the caller.
type ReissueHandler struct {
	deps Deps
	pass *reserver
}

// NewReissueHandler creates the handler.
func NewReissueHandler(deps Deps) *ReissueHandler {
	deps = deps.withDefaults()
	return &ReissueHandler{deps: deps, pass: &reserver{deps: deps}}
}

// Name implements Handler.
func (h *ReissueHandler) Name() string { return ReissueHandlerName }

// Handle implements Handler.
func (h *ReissueHandler) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(ReissueRequested)
	if !ok {
		return fmt.Errorf("reissue handler: unexpected event %T", event)
	}
	_, err := h.Reissue(ctx, ev.OrderID)
	return err
}

// Reissue releases all reservations of orderID and reserves again.
//
// The order must have entered packaging and must not be completed or
// canceled; otherwise PRECONDITION_FAILED is returned and nothing changes.
// A reissue already running for the order yields IDEMPOTENCY_CONFLICT.
func (h *ReissueHandler) Reissue(ctx context.Context, orderID id.ID) (PassResult, error) {
	order, err := h.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return PassResult{}, err
	}
	if err := checkReissue(order); err != nil {
		return PassResult{}, err
	}

	key := dedup.OrderKey(orderID, dedup.ActionReissue, h.Name())
	claim, err := h.deps.Dedup.Claim(ctx, key, h.deps.Policy.Lease)
	if err != nil {
		return PassResult{}, fmt.Errorf("claim reissue key: %w", err)
	}
	if claim != dedup.Acquired {
		return PassResult{}, apperror.NewIdempotencyConflict(key.String())
	}
	defer func() {
		if err := h.deps.Dedup.Release(ctx, key); err != nil {
			logger.Error(ctx, "failed to release reissue key", "key", key.String(), "error", err)
		}
	}()

	released, err := h.pass.releaseOrder(ctx, orderID, "reissue")
	if err != nil {
		return PassResult{Released: released}, err
	}

	res, err := h.pass.run(ctx, order, batch.ScopeOrder)
	res.Released += released
	if err != nil {
		return res, err
	}

	logger.Info(ctx, "order reissued",
		"order_id", orderID,
		"released", res.Released,
		"reserved", res.Reserved,
		"missed", res.Missed,
	)
	return res, nil
}

func checkReissue(order *Order) error {
	switch {
	case !order.Entered(OrderStatusPackaging):
		return apperror.NewPreconditionFailed("order has never been packaged").
			WithDetail("order_id", order.ID)
	case order.Status == OrderStatusCompleted:
		return apperror.NewPreconditionFailed("order is already completed").
			WithDetail("order_id", order.ID)
	case order.Status == OrderStatusCanceled:
		return apperror.NewPreconditionFailed("order is canceled").
			WithDetail("order_id", order.ID)
	}
	return nil
}
