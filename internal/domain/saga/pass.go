package saga

import (
	"context"
	"errors"
	"fmt"

	"markhub/internal/core/apperror"
	"markhub/internal/core/dedup"
	"markhub/internal/core/id"
	"markhub/internal/core/types"
	"markhub/internal/domain/allocation"
	"markhub/internal/domain/batch"
	"markhub/internal/domain/markingcode"
	"markhub/pkg/logger"
)

// PackagingHandlerName owns the per-item dedup keys. Reissue runs the same
// pass and therefore shares them.
const PackagingHandlerName = "packaging"

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Codes     *markingcode.Service
	Selector  *allocation.Selector
	Dedup     dedup.Store
	Orders    OrderReader
	Movements StockMovementReader
	Policy    dedup.Policy
	Sizes     batch.Sizes
}

func (d Deps) withDefaults() Deps {
	def := dedup.DefaultPolicy()
	if d.Policy.Lease <= 0 {
		d.Policy.Lease = def.Lease
	}
	if d.Policy.Retention <= 0 {
		d.Policy.Retention = def.Retention
	}
	if d.Sizes == nil {
		d.Sizes = batch.DefaultSizes()
	}
	return d
}

// PassResult summarizes one reservation pass.
type PassResult struct {
	Released int      `json:"released"`
	Reserved int      `json:"reserved"`
	Missed   int      `json:"missed"`
	Skipped  int      `json:"skipped"`
	Busy     int      `json:"busy"`
	Failed   int      `json:"failed"`
	Parts    []string `json:"parts,omitempty"`
	// Aborted is set when the order closed while the pass was running.
	Aborted bool `json:"aborted"`
}

// reserver runs the release-then-allocate pass for one order.
type reserver struct {
	deps Deps
}

// run releases reservations of removed items and allocates one code per
// uncovered item. Per-item failures are logged and counted; only failures
// that make the pass unsafe to continue are returned. Items leased by
// another pass yield IDEMPOTENCY_CONFLICT after the rest of the order is
// reserved, so the caller keeps its pass open for redelivery.
func (r *reserver) run(ctx context.Context, order *Order, scope batch.Scope) (PassResult, error) {
	var res PassResult

	reserved, err := r.deps.Codes.FindByOrder(ctx, order.ID, markingcode.StatusProcess)
	if err != nil {
		return res, fmt.Errorf("load reservations: %w", err)
	}

	items := orderItems(order)
	covered := make(map[id.ID]bool, len(reserved))
	for _, code := range reserved {
		item := code.OrderItemID()
		if item != nil && items[*item] != nil {
			covered[*item] = true
			continue
		}
		if err := r.release(ctx, code, "order item removed"); err != nil {
			logger.Error(ctx, "failed to release reservation of removed item",
				"code_id", code.ID, "order_id", order.ID, "error", err)
			res.Failed++
			continue
		}
		res.Released++
	}

	parts := batch.ForScope(r.deps.Sizes, scope)
	var (
		mine []*markingcode.MarkingCode
		busy []id.ID
	)

	for _, line := range order.Lines {
		checkLineUnits(ctx, order.ID, line)

		for _, item := range line.Items {
			if covered[item.ID] {
				continue
			}

			code, outcome, err := r.allocate(ctx, order, line, item, parts)
			switch outcome {
			case itemReserved:
				res.Reserved++
				mine = append(mine, code)
			case itemSkipped:
				res.Skipped++
			case itemBusy:
				res.Busy++
				busy = append(busy, item.ID)
			case itemMissed:
				res.Missed++
			case itemFailed:
				res.Failed++
				logger.Error(ctx, "allocation failed",
					"order_id", order.ID, "order_item_id", item.ID, "error", err)
			}
			if outcome != itemReserved {
				continue
			}

			closed, err := r.orderClosed(ctx, order.ID)
			if err != nil {
				logger.Warn(ctx, "failed to re-read order status", "order_id", order.ID, "error", err)
				continue
			}
			if closed {
				n := r.releaseAll(ctx, mine)
				res.Aborted = true
				res.Released += n
				res.Reserved -= n
				logger.Info(ctx, "order closed during reservation pass, released pass reservations",
					"order_id", order.ID, "released", n)
				return res, nil
			}
		}
	}

	res.Parts = partsOf(mine)
	if len(busy) > 0 {
		return res, apperror.NewIdempotencyConflict(dedup.ItemKey(busy[0], PackagingHandlerName).String()).
			WithDetail("busy_items", len(busy))
	}
	return res, nil
}

type itemOutcome int

const (
	itemReserved itemOutcome = iota
	itemSkipped
	itemBusy
	itemMissed
	itemFailed
)

// allocate reserves one code for item under its item key.
func (r *reserver) allocate(ctx context.Context, order *Order, line OrderLine, item OrderItem, parts *batch.Partitioner) (*markingcode.MarkingCode, itemOutcome, error) {
	key := dedup.ItemKey(item.ID, PackagingHandlerName)
	claim, err := r.claimItem(ctx, order.ID, item.ID, key)
	if err != nil {
		return nil, itemFailed, err
	}
	switch claim {
	case dedup.Done:
		logger.Debug(ctx, "item already reserved", "order_item_id", item.ID)
		return nil, itemSkipped, nil
	case dedup.Busy:
		logger.Debug(ctx, "item leased by another pass", "order_item_id", item.ID)
		return nil, itemBusy, nil
	}

	itemID := item.ID
	code, ok, err := r.deps.Selector.Allocate(ctx, allocation.Request{
		OwnerUserID: order.OwnerUserID,
		ProfileID:   order.ProfileID,
		Product:     line.Product,
		OrderID:     order.ID,
		OrderItemID: &itemID,
		PartID:      parts.Current(),
	})
	if err != nil || !ok {
		if relErr := r.deps.Dedup.Release(ctx, key); relErr != nil {
			logger.Error(ctx, "failed to release item key", "key", key.String(), "error", relErr)
		}
		if err != nil {
			return nil, itemFailed, err
		}
		logger.Warn(ctx, "no marking code available for order item",
			"order_id", order.ID,
			"order_item_id", item.ID,
			"product_id", line.Product.ProductID,
		)
		return nil, itemMissed, nil
	}

	parts.Commit()
	if err := r.deps.Dedup.Complete(ctx, key, r.deps.Policy.Retention); err != nil {
		// the reservation itself marks the item covered for later passes
		logger.Error(ctx, "failed to complete item key", "key", key.String(), "error", err)
	}
	return code, itemReserved, nil
}

// claimItem claims the item key. A done key whose item has no reservation
// is stale, for example after an operator canceled the code, and is taken
// over. Coverage is re-read because a concurrent pass completes the key only
// after its reservation has committed.
func (r *reserver) claimItem(ctx context.Context, orderID, itemID id.ID, key dedup.Key) (dedup.Outcome, error) {
	claim, err := r.deps.Dedup.Claim(ctx, key, r.deps.Policy.Lease)
	if err != nil {
		return claim, fmt.Errorf("claim item key: %w", err)
	}
	if claim != dedup.Done {
		return claim, nil
	}

	covered, err := r.itemCovered(ctx, orderID, itemID)
	if err != nil {
		return claim, err
	}
	if covered {
		return dedup.Done, nil
	}

	logger.Info(ctx, "reclaiming stale item key", "order_id", orderID, "order_item_id", itemID)
	if err := r.deps.Dedup.Release(ctx, key); err != nil {
		return claim, fmt.Errorf("release stale item key: %w", err)
	}
	claim, err = r.deps.Dedup.Claim(ctx, key, r.deps.Policy.Lease)
	if err != nil {
		return claim, fmt.Errorf("claim item key: %w", err)
	}
	return claim, nil
}

func (r *reserver) itemCovered(ctx context.Context, orderID, itemID id.ID) (bool, error) {
	codes, err := r.deps.Codes.FindByOrder(ctx, orderID, markingcode.StatusProcess)
	if err != nil {
		return false, fmt.Errorf("load reservations: %w", err)
	}
	for _, code := range codes {
		if item := code.OrderItemID(); item != nil && *item == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (r *reserver) orderClosed(ctx context.Context, orderID id.ID) (bool, error) {
	order, err := r.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	return order.Status.Closed(), nil
}

// release cancels a reservation and frees the item key it consumed.
func (r *reserver) release(ctx context.Context, code *markingcode.MarkingCode, reason string) error {
	_, err := r.deps.Codes.Transition(ctx, markingcode.TransitionRequest{
		CodeID:             code.ID,
		Transition:         markingcode.TransitionCancel,
		ExpectedRevisionID: id.Ptr(code.CurrentRevisionID),
		Comment:            reason,
	})
	if err != nil {
		return err
	}
	if item := code.OrderItemID(); item != nil {
		if err := r.deps.Dedup.Release(ctx, dedup.ItemKey(*item, PackagingHandlerName)); err != nil {
			return fmt.Errorf("release item key: %w", err)
		}
	}
	return nil
}

// releaseAll releases codes and returns how many were released. A code
// that already left Process is not an error.
func (r *reserver) releaseAll(ctx context.Context, codes []*markingcode.MarkingCode) int {
	n := 0
	for _, code := range codes {
		if err := r.release(ctx, code, "order closed"); err != nil {
			if !apperror.HasCode(err, apperror.CodeInvalidTransition) && !apperror.IsConcurrentModification(err) {
				logger.Error(ctx, "failed to release reservation", "code_id", code.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n
}

// releaseOrder cancels every reservation of an order and frees its item keys.
func (r *reserver) releaseOrder(ctx context.Context, orderID id.ID, reason string) (int, error) {
	codes, err := r.deps.Codes.FindByOrder(ctx, orderID, markingcode.StatusProcess)
	if err != nil {
		return 0, fmt.Errorf("load reservations: %w", err)
	}
	var errs []error
	n := 0
	for _, code := range codes {
		if err := r.release(ctx, code, reason); err != nil {
			errs = append(errs, fmt.Errorf("code %s: %w", code.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func orderItems(order *Order) map[id.ID]*OrderLine {
	items := make(map[id.ID]*OrderLine)
	for i := range order.Lines {
		line := &order.Lines[i]
		for _, item := range line.Items {
			items[item.ID] = line
		}
	}
	return items
}

// checkLineUnits logs lines whose item instances disagree with the quantity.
func checkLineUnits(ctx context.Context, orderID id.ID, line OrderLine) {
	units, err := types.Units(line.Quantity)
	if err != nil {
		logger.Critical(ctx, "order line quantity is not a unit count",
			"order_id", orderID, "line_id", line.ID, "quantity", line.Quantity.String(), "error", err)
		return
	}
	if units != len(line.Items) {
		logger.Critical(ctx, "order line item count does not match quantity",
			"order_id", orderID, "line_id", line.ID, "quantity", units, "items", len(line.Items))
	}
}

func partsOf(codes []*markingcode.MarkingCode) []string {
	var parts []string
	seen := make(map[string]bool)
	for _, code := range codes {
		p := code.PartID()
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	return parts
}

// ItemKeys releases the per-item keys of the reservation pass. It lets the
// marking code service free an item when an operator undoes its reservation.
type ItemKeys struct {
	store dedup.Store
}

// NewItemKeys creates an item key releaser over store.
func NewItemKeys(store dedup.Store) *ItemKeys {
	return &ItemKeys{store: store}
}

// ReleaseItem implements markingcode.ItemReleaser.
func (k *ItemKeys) ReleaseItem(ctx context.Context, orderItemID id.ID) error {
	return k.store.Release(ctx, dedup.ItemKey(orderItemID, PackagingHandlerName))
}
