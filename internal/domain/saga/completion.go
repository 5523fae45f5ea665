package saga

import (
	"context"
	"errors"
	"fmt"

	"markhub/internal/core/apperror"
	"markhub/internal/core/dedup"
	"markhub/internal/core/id"
	"markhub/internal/core/types"
	"markhub/internal/domain/markingcode"
	"markhub/pkg/logger"
)

// CompletionHandlerName names the completion handler in dedup keys.
const CompletionHandlerName = "completion"

// CompletionHandler consumes reserved codes when an order completes.
type CompletionHandler struct {
	deps Deps
}

// NewCompletionHandler creates the handler.
func NewCompletionHandler(deps Deps) *CompletionHandler {
	return &CompletionHandler{deps: deps.withDefaults()}
}

// Name implements Handler.
func (h *CompletionHandler) Name() string { return CompletionHandlerName }

// Handle implements Handler.
func (h *CompletionHandler) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(OrderLifecycleEvent)
	if !ok {
		return fmt.Errorf("completion handler: unexpected event %T", event)
	}
	if ev.NewStatus != OrderStatusCompleted {
		return nil
	}

	key := dedup.OrderKey(ev.OrderID, dedup.ActionDone, h.Name())
	return withOrderKey(ctx, h.deps, key, func(ctx context.Context) error {
		order, err := loadOrder(ctx, h.deps.Orders, ev.OrderID)
		if err != nil {
			return err
		}
		return h.settle(ctx, order)
	})
}

// settle moves exactly quantity codes per line to Done and releases the
// rest. Codes already Done count toward the quantity, so a retried run
// converges on the same result.
func (h *CompletionHandler) settle(ctx context.Context, order *Order) error {
	codes, err := h.deps.Codes.FindByOrder(ctx, order.ID, markingcode.StatusProcess, markingcode.StatusDone)
	if err != nil {
		return fmt.Errorf("load order codes: %w", err)
	}

	buckets := make([]lineCodes, len(order.Lines))
	items := orderItems(order)
	var orphans []*markingcode.MarkingCode

	for _, code := range codes {
		idx := -1
		byItem := false
		if item := code.OrderItemID(); item != nil {
			if line := items[*item]; line != nil {
				idx = lineIndex(order, line.ID)
				byItem = true
			}
		} else {
			idx = lineForProduct(order, code.Attributes.Product)
		}

		if idx < 0 {
			if code.Status() == markingcode.StatusProcess {
				orphans = append(orphans, code)
			}
			continue
		}
		buckets[idx].add(code, byItem)
	}

	var (
		errs      []error
		completed int
		released  int
	)
	for i, line := range order.Lines {
		units := lineUnits(ctx, order.ID, line)
		b := buckets[i]
		need := units - b.done
		candidates := append(b.covered, b.loose...)

		for _, code := range candidates {
			if need > 0 {
				if err := h.transition(ctx, code, markingcode.TransitionComplete, "order completed"); err != nil {
					errs = append(errs, fmt.Errorf("complete code %s: %w", code.ID, err))
					continue
				}
				need--
				completed++
				continue
			}
			if err := h.transition(ctx, code, markingcode.TransitionCancel, "surplus reservation"); err != nil {
				errs = append(errs, fmt.Errorf("release code %s: %w", code.ID, err))
				continue
			}
			released++
		}
		if need > 0 {
			logger.Warn(ctx, "order completed with uncovered units",
				"order_id", order.ID, "line_id", line.ID, "missing", need)
		}
	}

	for _, code := range orphans {
		if err := h.transition(ctx, code, markingcode.TransitionCancel, "order item removed"); err != nil {
			errs = append(errs, fmt.Errorf("release code %s: %w", code.ID, err))
			continue
		}
		released++
	}

	logger.Info(ctx, "order completion settled",
		"order_id", order.ID, "completed", completed, "released", released, "failed", len(errs))
	return errors.Join(errs...)
}

func (h *CompletionHandler) transition(ctx context.Context, code *markingcode.MarkingCode, t markingcode.Transition, comment string) error {
	_, err := h.deps.Codes.Transition(ctx, markingcode.TransitionRequest{
		CodeID:             code.ID,
		Transition:         t,
		ExpectedRevisionID: id.Ptr(code.CurrentRevisionID),
		Comment:            comment,
	})
	return err
}

// lineCodes groups the codes of one order line.
type lineCodes struct {
	done int
	// covered are reserved for a current item of the line; loose carry no
	// item but match the line product.
	covered []*markingcode.MarkingCode
	loose   []*markingcode.MarkingCode
}

func (b *lineCodes) add(code *markingcode.MarkingCode, byItem bool) {
	switch {
	case code.Status() == markingcode.StatusDone:
		b.done++
	case byItem:
		b.covered = append(b.covered, code)
	default:
		b.loose = append(b.loose, code)
	}
}

func lineIndex(order *Order, lineID id.ID) int {
	for i := range order.Lines {
		if order.Lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

func lineForProduct(order *Order, product markingcode.ProductKey) int {
	for i := range order.Lines {
		if order.Lines[i].Product.Equal(product) {
			return i
		}
	}
	return -1
}

// lineUnits returns the unit quantity of a line, falling back to the item
// count when the quantity is not a whole number.
func lineUnits(ctx context.Context, orderID id.ID, line OrderLine) int {
	units, err := types.Units(line.Quantity)
	if err != nil {
		logger.Critical(ctx, "order line quantity is not a unit count",
			"order_id", orderID, "line_id", line.ID, "quantity", line.Quantity.String(), "error", err)
		return len(line.Items)
	}
	return units
}

// loadOrder reads an order, turning NOT_FOUND into an inconsistent reference.
func loadOrder(ctx context.Context, orders OrderReader, orderID id.ID) (*Order, error) {
	order, err := orders.GetOrder(ctx, orderID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewInconsistentReference("order", orderID).WithCause(err)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// withOrderKey runs fn at most once per key. A key leased by another worker
// yields IDEMPOTENCY_CONFLICT so the message is redelivered. An inconsistent
// reference is logged and swallowed; any other failure releases the key so
// redelivery retries.
func withOrderKey(ctx context.Context, deps Deps, key dedup.Key, fn func(ctx context.Context) error) error {
	claim, err := deps.Dedup.Claim(ctx, key, deps.Policy.Lease)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key.String(), err)
	}
	switch claim {
	case dedup.Done:
		logger.Debug(ctx, "order action already handled", "key", key.String())
		return nil
	case dedup.Busy:
		return apperror.NewIdempotencyConflict(key.String())
	}

	if err := fn(ctx); err != nil {
		if relErr := deps.Dedup.Release(ctx, key); relErr != nil {
			logger.Error(ctx, "failed to release dedup key", "key", key.String(), "error", relErr)
		}
		if apperror.IsInconsistentReference(err) {
			logger.Critical(ctx, "order event references unknown order", "key", key.String(), "error", err)
			return nil
		}
		return err
	}

	if err := deps.Dedup.Complete(ctx, key, deps.Policy.Retention); err != nil {
		return fmt.Errorf("complete %s: %w", key.String(), err)
	}
	return nil
}
