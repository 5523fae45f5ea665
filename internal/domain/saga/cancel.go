package saga

import (
	"context"
	"fmt"

	"markhub/internal/core/dedup"
	"markhub/pkg/logger"
)

// CancelHandlerName names the cancel handler in dedup keys.
const CancelHandlerName = "cancel"

// CancelHandler releases every reservation of a canceled order.
type CancelHandler struct {
	deps Deps
	pass *reserver
}

// NewCancelHandler creates the handler.
func NewCancelHandler(deps Deps) *CancelHandler {
	deps = deps.withDefaults()
	return &CancelHandler{deps: deps, pass: &reserver{deps: deps}}
}

// Name implements Handler.
func (h *CancelHandler) Name() string { return CancelHandlerName }

// Handle implements Handler. An order without reservations is a no-op.
func (h *CancelHandler) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(OrderLifecycleEvent)
	if !ok {
		return fmt.Errorf("cancel handler: unexpected event %T", event)
	}
	if ev.NewStatus != OrderStatusCanceled {
		return nil
	}

	key := dedup.OrderKey(ev.OrderID, dedup.ActionCancel, h.Name())
	return withOrderKey(ctx, h.deps, key, func(ctx context.Context) error {
		n, err := h.pass.releaseOrder(ctx, ev.OrderID, "order canceled")
		if err != nil {
			return err
		}
		logger.Info(ctx, "order reservations released", "order_id", ev.OrderID, "released", n)
		return nil
	})
}
