package saga_test

import (
	"context"
	"sync"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/domain/saga"
)

type fakeOrders struct {
	mu     sync.Mutex
	orders map[id.ID]*saga.Order
	calls  int
	// onGet runs before an order is returned, with the call number.
	onGet func(call int, order *saga.Order)
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[id.ID]*saga.Order)}
}

func (f *fakeOrders) put(o *saga.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func (f *fakeOrders) update(orderID id.ID, fn func(o *saga.Order)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.orders[orderID])
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID id.ID) (*saga.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, apperror.NewNotFound("order", orderID)
	}
	f.calls++
	if f.onGet != nil {
		f.onGet(f.calls, o)
	}
	return cloneOrder(o), nil
}

func cloneOrder(o *saga.Order) *saga.Order {
	cp := *o
	cp.History = append([]saga.OrderStatus(nil), o.History...)
	cp.Lines = make([]saga.OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		l.Items = append([]saga.OrderItem(nil), l.Items...)
		cp.Lines[i] = l
	}
	return &cp
}

type movementKey struct {
	movement id.ID
	event    id.ID
}

type fakeMovements struct {
	mu        sync.Mutex
	movements map[movementKey]saga.StockMovement
}

func newFakeMovements() *fakeMovements {
	return &fakeMovements{movements: make(map[movementKey]saga.StockMovement)}
}

func (f *fakeMovements) put(m saga.StockMovement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movements[movementKey{m.ID, m.EventID}] = m
}

func (f *fakeMovements) GetStockMovement(_ context.Context, movementID, eventID id.ID) (*saga.StockMovement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.movements[movementKey{movementID, eventID}]
	if !ok {
		return nil, apperror.NewNotFound("stock_movement", movementID)
	}
	return &m, nil
}
