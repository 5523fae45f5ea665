package saga

import (
	"context"
	"fmt"

	"markhub/internal/core/apperror"
	"markhub/internal/core/dedup"
	"markhub/internal/domain/batch"
	"markhub/pkg/logger"
)

// PackagingHandler reserves codes when a stock movement with an attached
// order enters packaging.
type PackagingHandler struct {
	deps Deps
	pass *reserver
}

// NewPackagingHandler creates the handler.
func NewPackagingHandler(deps Deps) *PackagingHandler {
	deps = deps.withDefaults()
	return &PackagingHandler{deps: deps, pass: &reserver{deps: deps}}
}

// Name implements Handler.
func (h *PackagingHandler) Name() string { return PackagingHandlerName }

// Handle implements Handler.
func (h *PackagingHandler) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(StockMovementLifecycleEvent)
	if !ok {
		return fmt.Errorf("packaging handler: unexpected event %T", event)
	}

	movement, err := h.deps.Movements.GetStockMovement(ctx, ev.StockMovementID, ev.EventID)
	if err != nil {
		if apperror.IsNotFound(err) {
			logger.Critical(ctx, "stock movement event references unknown movement",
				"stock_movement_id", ev.StockMovementID, "event_id", ev.EventID)
			return nil
		}
		return fmt.Errorf("get stock movement: %w", err)
	}
	if movement.Status != MovementStatusPackaging || movement.OrderID == nil {
		return nil
	}

	key := dedup.PassKey(ev.EventID, h.Name())
	claim, err := h.deps.Dedup.Claim(ctx, key, h.deps.Policy.Lease)
	if err != nil {
		return fmt.Errorf("claim pass key: %w", err)
	}
	switch claim {
	case dedup.Done:
		logger.Debug(ctx, "reservation pass already handled", "event_id", ev.EventID)
		return nil
	case dedup.Busy:
		return apperror.NewIdempotencyConflict(key.String())
	}

	order, err := h.deps.Orders.GetOrder(ctx, *movement.OrderID)
	if err != nil {
		h.releaseKey(ctx, key)
		if apperror.IsNotFound(err) {
			logger.Critical(ctx, "stock movement references unknown order",
				"stock_movement_id", movement.ID, "order_id", *movement.OrderID)
			return nil
		}
		return fmt.Errorf("get order: %w", err)
	}
	if order.Status.Closed() {
		logger.Info(ctx, "order closed before packaging pass", "order_id", order.ID, "status", order.Status)
		return h.completeKey(ctx, key)
	}

	res, err := h.pass.run(ctx, order, scopeOf(movement.Kind))
	if err != nil {
		h.releaseKey(ctx, key)
		return err
	}

	logger.Info(ctx, "reservation pass finished",
		"order_id", order.ID,
		"event_id", ev.EventID,
		"reserved", res.Reserved,
		"released", res.Released,
		"missed", res.Missed,
		"failed", res.Failed,
		"aborted", res.Aborted,
	)
	return h.completeKey(ctx, key)
}

func (h *PackagingHandler) completeKey(ctx context.Context, key dedup.Key) error {
	if err := h.deps.Dedup.Complete(ctx, key, h.deps.Policy.Retention); err != nil {
		return fmt.Errorf("complete pass key: %w", err)
	}
	return nil
}

func (h *PackagingHandler) releaseKey(ctx context.Context, key dedup.Key) {
	if err := h.deps.Dedup.Release(ctx, key); err != nil {
		logger.Error(ctx, "failed to release pass key", "key", key.String(), "error", err)
	}
}

func scopeOf(kind MovementKind) batch.Scope {
	if kind == MovementStockTransfer {
		return batch.ScopeStock
	}
	return batch.ScopeOrder
}
