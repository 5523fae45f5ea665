package saga

import (
	"context"

	"markhub/internal/core/id"
	"markhub/internal/core/types"
	"markhub/internal/domain/markingcode"
)

// OrderItem is one physical unit of an order line.
type OrderItem struct {
	ID id.ID `json:"id"`
}

// OrderLine is one product of an order.
type OrderLine struct {
	ID       id.ID                  `json:"id"`
	Product  markingcode.ProductKey `json:"product"`
	Quantity types.Quantity         `json:"quantity"`
	Items    []OrderItem            `json:"items"`
}

// Order is the read model of an order.
type Order struct {
	ID          id.ID `json:"id"`
	OwnerUserID id.ID `json:"ownerUserId"`
	// ProfileID is the selling profile that fulfils the order.
	ProfileID id.ID       `json:"profileId"`
	Status    OrderStatus `json:"status"`
	// History lists every status the order has entered, oldest first.
	History []OrderStatus `json:"history"`
	Lines   []OrderLine   `json:"lines"`
}

// Entered reports whether the order has ever been in status.
func (o *Order) Entered(status OrderStatus) bool {
	if o.Status == status {
		return true
	}
	for _, s := range o.History {
		if s == status {
			return true
		}
	}
	return false
}

// StockMovement is the state of a stock movement as of one event.
type StockMovement struct {
	ID      id.ID          `json:"id"`
	EventID id.ID          `json:"eventId"`
	Status  MovementStatus `json:"status"`
	Kind    MovementKind   `json:"kind"`
	OrderID *id.ID         `json:"orderId,omitempty"`
}

// OrderReader loads orders. NOT_FOUND when the order does not exist.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID id.ID) (*Order, error)
}

// StockMovementReader loads a movement as it was at eventID.
type StockMovementReader interface {
	GetStockMovement(ctx context.Context, movementID, eventID id.ID) (*StockMovement, error)
}
