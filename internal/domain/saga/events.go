// Package saga reconciles marking code reservations with the order and
// stock-movement lifecycles. Every handler is idempotent under
// at-least-once, unordered delivery; coordination happens only through
// dedup records and code status.
package saga

import (
	"markhub/internal/core/id"
)

// EventKind selects the handlers of an event.
type EventKind string

const (
	KindOrderLifecycle         EventKind = "order.lifecycle"
	KindStockMovementLifecycle EventKind = "stock_movement.lifecycle"
	KindReissueRequested       EventKind = "order.reissue_requested"
)

// Event is anything the registry can dispatch.
type Event interface {
	Kind() EventKind
}

// OrderStatus is the status of an order in the order domain.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusPackaging OrderStatus = "packaging"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCanceled  OrderStatus = "canceled"
)

// Closed reports whether no further reservations may be made for the order.
func (s OrderStatus) Closed() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

// MovementStatus is the status of a stock movement.
type MovementStatus string

const (
	MovementStatusDraft     MovementStatus = "draft"
	MovementStatusPackaging MovementStatus = "packaging"
	MovementStatusShipped   MovementStatus = "shipped"
	MovementStatusDone      MovementStatus = "done"
)

// MovementKind distinguishes order shipments from stock transfers.
type MovementKind string

const (
	MovementOrderShipment MovementKind = "order_shipment"
	MovementStockTransfer MovementKind = "stock_transfer"
)

// OrderLifecycleEvent is emitted by the order domain on every status change.
type OrderLifecycleEvent struct {
	OrderID         id.ID       `json:"orderId"`
	EventID         id.ID       `json:"eventId"`
	PreviousEventID *id.ID      `json:"previousEventId,omitempty"`
	NewStatus       OrderStatus `json:"newStatus"`
}

// Kind implements Event.
func (OrderLifecycleEvent) Kind() EventKind { return KindOrderLifecycle }

// StockMovementLifecycleEvent is emitted by the stock domain. The status is
// read back through StockMovementReader at EventID.
type StockMovementLifecycleEvent struct {
	StockMovementID id.ID  `json:"stockMovementId"`
	EventID         id.ID  `json:"eventId"`
	PreviousEventID *id.ID `json:"previousEventId,omitempty"`
}

// Kind implements Event.
func (StockMovementLifecycleEvent) Kind() EventKind { return KindStockMovementLifecycle }

// ReissueRequested is an operator request to redo the reservations of an order.
type ReissueRequested struct {
	OrderID     id.ID  `json:"orderId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Kind implements Event.
func (ReissueRequested) Kind() EventKind { return KindReissueRequested }
