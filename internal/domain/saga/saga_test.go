package saga_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markhub/internal/core/apperror"
	"markhub/internal/core/dedup"
	"markhub/internal/core/id"
	"markhub/internal/core/types"
	"markhub/internal/domain/allocation"
	"markhub/internal/domain/batch"
	"markhub/internal/domain/markingcode"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/storage/memory"
)

type world struct {
	t        *testing.T
	store    *memory.Store
	codes    *markingcode.Service
	dedup    *dedup.MemoryStore
	orders   *fakeOrders
	moves    *fakeMovements
	handlers saga.Handlers
	registry *saga.Registry
	owner    id.ID
	profile  id.ID
	product  markingcode.ProductKey
	seeded   int
	now      time.Time
}

func newWorld(t *testing.T, sizes batch.Sizes) *world {
	t.Helper()
	store := memory.NewStore()
	codes := markingcode.NewService(store, store, memory.NewEventLog())
	w := &world{
		t:       t,
		store:   store,
		codes:   codes,
		orders:  newFakeOrders(),
		moves:   newFakeMovements(),
		owner:   id.New(),
		profile: id.New(),
		product: markingcode.ProductKey{ProductID: id.New()},
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	w.dedup = dedup.NewMemoryStore().WithClock(func() time.Time { return w.now })
	w.handlers = saga.NewHandlers(saga.Deps{
		Codes:     codes,
		Selector:  allocation.NewSelector(store, codes, store, allocation.Config{}),
		Dedup:     w.dedup,
		Orders:    w.orders,
		Movements: w.moves,
		Sizes:     sizes,
	})
	w.registry = saga.NewRegistry(nil)
	w.handlers.Register(w.registry)
	return w
}

func (w *world) seed(n int) {
	w.t.Helper()
	for i := 0; i < n; i++ {
		w.seeded++
		_, err := w.codes.Create(context.Background(), markingcode.CreateRequest{
			OwnerUserID:    w.owner,
			OwnerProfileID: w.profile,
			Product:        w.product,
			Payload:        markingcode.Payload{Code: fmt.Sprintf("0104600000%06d", w.seeded)},
		})
		require.NoError(w.t, err)
	}
}

func (w *world) newOrder(units int) *saga.Order {
	line := saga.OrderLine{
		ID:       id.New(),
		Product:  w.product,
		Quantity: types.NewQuantity(int64(units)),
	}
	for i := 0; i < units; i++ {
		line.Items = append(line.Items, saga.OrderItem{ID: id.New()})
	}
	o := &saga.Order{
		ID:          id.New(),
		OwnerUserID: w.owner,
		ProfileID:   w.profile,
		Status:      saga.OrderStatusPackaging,
		History:     []saga.OrderStatus{saga.OrderStatusNew, saga.OrderStatusPackaging},
		Lines:       []saga.OrderLine{line},
	}
	w.orders.put(o)
	return o
}

func (w *world) packaging(o *saga.Order, kind saga.MovementKind) saga.StockMovementLifecycleEvent {
	orderID := o.ID
	m := saga.StockMovement{
		ID:      id.New(),
		EventID: id.New(),
		Status:  saga.MovementStatusPackaging,
		Kind:    kind,
		OrderID: &orderID,
	}
	w.moves.put(m)
	return saga.StockMovementLifecycleEvent{StockMovementID: m.ID, EventID: m.EventID}
}

func (w *world) dispatch(ev saga.Event) {
	w.t.Helper()
	require.NoError(w.t, w.registry.Dispatch(context.Background(), ev))
}

// advance moves the dedup clock, expiring leases shorter than d.
func (w *world) advance(d time.Duration) {
	w.now = w.now.Add(d)
}

func (w *world) claim(key dedup.Key) {
	w.t.Helper()
	outcome, err := w.dedup.Claim(context.Background(), key, dedup.DefaultPolicy().Lease)
	require.NoError(w.t, err)
	require.Equal(w.t, dedup.Acquired, outcome)
}

func (w *world) setStatus(orderID id.ID, status saga.OrderStatus) saga.OrderLifecycleEvent {
	w.orders.update(orderID, func(o *saga.Order) {
		o.Status = status
		o.History = append(o.History, status)
	})
	return saga.OrderLifecycleEvent{OrderID: orderID, EventID: id.New(), NewStatus: status}
}

func (w *world) byOrder(orderID id.ID, statuses ...markingcode.Status) []*markingcode.MarkingCode {
	w.t.Helper()
	codes, err := w.codes.FindByOrder(context.Background(), orderID, statuses...)
	require.NoError(w.t, err)
	return codes
}

func (w *world) countStatus(status markingcode.Status) int {
	w.t.Helper()
	n := 0
	for _, code := range w.allCodes() {
		if code.Status() == status {
			n++
		}
	}
	return n
}

func (w *world) allCodes() []*markingcode.MarkingCode {
	return w.store.All()
}

func TestHappyPath(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)

	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, reserved, 3)
	part := reserved[0].PartID()
	require.NotEmpty(t, part)
	for _, code := range reserved {
		assert.Equal(t, part, code.PartID())
		require.NotNil(t, code.OrderID())
		assert.Equal(t, o.ID, *code.OrderID())
	}

	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCompleted))

	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 3)
	assert.Empty(t, w.byOrder(o.ID, markingcode.StatusProcess))
}

func TestCancellation(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)

	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	require.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 3)

	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCanceled))

	assert.Empty(t, w.byOrder(o.ID))
	assert.Equal(t, 3, w.countStatus(markingcode.StatusNew))
	for _, code := range w.allCodes() {
		assert.Nil(t, code.OrderID())
		assert.Nil(t, code.OrderItemID())
	}
}

func TestCancel_NoReservationsIsNoop(t *testing.T) {
	w := newWorld(t, nil)
	o := w.newOrder(2)
	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCanceled))
	assert.Empty(t, w.byOrder(o.ID))
}

func TestQuantityShrinkThenComplete_ItemRemoved(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	require.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 3)

	w.orders.update(o.ID, func(o *saga.Order) {
		o.Lines[0].Quantity = types.NewQuantity(2)
		o.Lines[0].Items = o.Lines[0].Items[:2]
	})
	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCompleted))

	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 2)
	assert.Empty(t, w.byOrder(o.ID, markingcode.StatusProcess))
	assert.Equal(t, 1, w.countStatus(markingcode.StatusNew))
}

func TestQuantityShrinkThenComplete_QuantityOnly(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	w.orders.update(o.ID, func(o *saga.Order) {
		o.Lines[0].Quantity = types.NewQuantity(2)
	})
	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCompleted))

	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 2)
	assert.Equal(t, 1, w.countStatus(markingcode.StatusNew))
}

func TestReissueRejected_NeverPackaged(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.orders.update(o.ID, func(o *saga.Order) {
		o.Status = saga.OrderStatusNew
		o.History = []saga.OrderStatus{saga.OrderStatusNew}
	})

	_, err := w.handlers.Reissue.Reissue(context.Background(), o.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsPreconditionFailed(err))
	assert.Equal(t, 400, apperror.GetHTTPStatus(err))

	assert.Equal(t, 3, w.countStatus(markingcode.StatusNew))
	for _, code := range w.allCodes() {
		history, err := w.codes.History(context.Background(), code.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	}
}

func TestReissueRejected_Completed(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	w.dispatch(w.setStatus(o.ID, saga.OrderStatusCompleted))

	_, err := w.handlers.Reissue.Reissue(context.Background(), o.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsPreconditionFailed(err))
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 3)
}

func TestReissue_ReleasesAndReserves(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(5)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	before := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, before, 3)

	res, err := w.handlers.Reissue.Reissue(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Released)
	assert.Equal(t, 3, res.Reserved)

	after := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, after, 3)
	assert.NotEqual(t, before[0].PartID(), after[0].PartID())

	items := make(map[id.ID]bool)
	for _, code := range after {
		require.NotNil(t, code.OrderItemID())
		items[*code.OrderItemID()] = true
	}
	assert.Len(t, items, 3)
}

func TestReissue_ConcurrentRequestConflicts(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	key := dedup.OrderKey(o.ID, dedup.ActionReissue, saga.ReissueHandlerName)
	outcome, err := w.dedup.Claim(context.Background(), key, dedup.DefaultPolicy().Lease)
	require.NoError(t, err)
	require.Equal(t, dedup.Acquired, outcome)

	_, err = w.handlers.Reissue.Reissue(context.Background(), o.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsIdempotencyConflict(err))
	assert.Equal(t, 3, w.countStatus(markingcode.StatusNew))
}

func TestReplay_PackagingEvent(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(6)
	o := w.newOrder(3)
	ev := w.packaging(o, saga.MovementOrderShipment)

	for i := 0; i < 3; i++ {
		w.dispatch(ev)
	}
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 3)
	assert.Equal(t, 3, w.countStatus(markingcode.StatusNew))
}

func TestReplay_CompletionEvent(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	ev := w.setStatus(o.ID, saga.OrderStatusCompleted)
	for i := 0; i < 3; i++ {
		w.dispatch(ev)
	}
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 3)
}

func TestResume_PartialPass(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(2)
	o := w.newOrder(3)
	ev := w.packaging(o, saga.MovementOrderShipment)

	w.dispatch(ev)
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 2)

	// stock arrives, the pass key expires and the event is redelivered
	w.seed(2)
	require.NoError(t, w.dedup.Release(context.Background(), dedup.PassKey(ev.EventID, saga.PackagingHandlerName)))
	w.dispatch(ev)

	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	assert.Len(t, reserved, 3)
	items := make(map[id.ID]bool)
	for _, code := range reserved {
		items[*code.OrderItemID()] = true
	}
	assert.Len(t, items, 3)
	assert.Equal(t, 1, w.countStatus(markingcode.StatusNew))
}

func TestPackaging_ReleasesRemovedItems(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	w.orders.update(o.ID, func(o *saga.Order) {
		o.Lines[0].Quantity = types.NewQuantity(1)
		o.Lines[0].Items = o.Lines[0].Items[:1]
	})
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, reserved, 1)
	assert.Equal(t, o.Lines[0].Items[0].ID, *reserved[0].OrderItemID())
	assert.Equal(t, 2, w.countStatus(markingcode.StatusNew))
}

func TestCancelCompleteConvergence(t *testing.T) {
	orders := [][]saga.OrderStatus{
		{saga.OrderStatusCompleted, saga.OrderStatusCanceled},
		{saga.OrderStatusCanceled, saga.OrderStatusCompleted},
	}
	for _, seq := range orders {
		t.Run(fmt.Sprintf("%s_then_%s", seq[0], seq[1]), func(t *testing.T) {
			w := newWorld(t, nil)
			w.seed(3)
			o := w.newOrder(3)
			w.dispatch(w.packaging(o, saga.MovementOrderShipment))

			eventID := id.New()
			for _, status := range seq {
				w.dispatch(saga.OrderLifecycleEvent{OrderID: o.ID, EventID: eventID, NewStatus: status})
			}
			assert.Empty(t, w.byOrder(o.ID, markingcode.StatusProcess))
		})
	}
}

func TestPackaging_StopsWhenOrderClosesMidPass(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.orders.onGet = func(call int, o *saga.Order) {
		if call == 2 {
			o.Status = saga.OrderStatusCanceled
		}
	}

	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	assert.Empty(t, w.byOrder(o.ID, markingcode.StatusProcess))
	assert.Equal(t, 3, w.countStatus(markingcode.StatusNew))
}

func TestPackaging_PartSizeBound(t *testing.T) {
	w := newWorld(t, batch.Sizes{batch.ScopeOrder: 2, batch.ScopeStock: 3})
	w.seed(12)

	o := w.newOrder(5)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	assertPartsBounded(t, w.byOrder(o.ID, markingcode.StatusProcess), 2, 3)

	s := w.newOrder(7)
	w.dispatch(w.packaging(s, saga.MovementStockTransfer))
	assertPartsBounded(t, w.byOrder(s.ID, markingcode.StatusProcess), 3, 3)
}

func assertPartsBounded(t *testing.T, codes []*markingcode.MarkingCode, size, wantParts int) {
	t.Helper()
	counts := make(map[string]int)
	for _, code := range codes {
		counts[code.PartID()]++
	}
	assert.Len(t, counts, wantParts)
	for part, n := range counts {
		assert.LessOrEqual(t, n, size, "part %s", part)
	}
}

func TestPackaging_IgnoresOtherMovements(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(1)
	o := w.newOrder(1)

	orderID := o.ID
	m := saga.StockMovement{ID: id.New(), EventID: id.New(), Status: saga.MovementStatusDraft, OrderID: &orderID}
	w.moves.put(m)
	w.dispatch(saga.StockMovementLifecycleEvent{StockMovementID: m.ID, EventID: m.EventID})

	noOrder := saga.StockMovement{ID: id.New(), EventID: id.New(), Status: saga.MovementStatusPackaging}
	w.moves.put(noOrder)
	w.dispatch(saga.StockMovementLifecycleEvent{StockMovementID: noOrder.ID, EventID: noOrder.EventID})

	assert.Equal(t, 1, w.countStatus(markingcode.StatusNew))
}

func TestInconsistentReferencesAreSwallowed(t *testing.T) {
	w := newWorld(t, nil)

	w.dispatch(saga.StockMovementLifecycleEvent{StockMovementID: id.New(), EventID: id.New()})

	ghost := id.New()
	m := saga.StockMovement{ID: id.New(), EventID: id.New(), Status: saga.MovementStatusPackaging, OrderID: &ghost}
	w.moves.put(m)
	w.dispatch(saga.StockMovementLifecycleEvent{StockMovementID: m.ID, EventID: m.EventID})

	w.dispatch(saga.OrderLifecycleEvent{OrderID: ghost, EventID: id.New(), NewStatus: saga.OrderStatusCompleted})
}

func TestPackaging_MissIsNotAnError(t *testing.T) {
	w := newWorld(t, nil)
	o := w.newOrder(2)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	assert.Empty(t, w.byOrder(o.ID))
}

func TestRedelivery_LivePassLeaseIsRetried(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	ev := w.packaging(o, saga.MovementOrderShipment)

	// another worker is inside the pass
	w.claim(dedup.PassKey(ev.EventID, saga.PackagingHandlerName))

	err := w.registry.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, apperror.IsIdempotencyConflict(err))
	assert.True(t, apperror.IsRetryable(err))
	assert.Empty(t, w.byOrder(o.ID))
}

func TestRedelivery_ExpiredPassLeaseResumes(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	ev := w.packaging(o, saga.MovementOrderShipment)

	// the worker holding the pass crashed
	w.claim(dedup.PassKey(ev.EventID, saga.PackagingHandlerName))
	w.advance(dedup.DefaultPolicy().Lease + time.Second)

	w.dispatch(ev)

	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 3)
	done, err := w.dedup.Check(context.Background(), dedup.PassKey(ev.EventID, saga.PackagingHandlerName))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRedelivery_LiveItemLeaseKeepsPassOpen(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	ev := w.packaging(o, saga.MovementOrderShipment)
	passKey := dedup.PassKey(ev.EventID, saga.PackagingHandlerName)
	leased := o.Lines[0].Items[0].ID
	w.claim(dedup.ItemKey(leased, saga.PackagingHandlerName))

	err := w.registry.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 2)
	done, err := w.dedup.Check(context.Background(), passKey)
	require.NoError(t, err)
	assert.False(t, done)

	w.advance(dedup.DefaultPolicy().Lease + time.Second)
	w.dispatch(ev)

	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, reserved, 3)
	items := make(map[id.ID]bool)
	for _, code := range reserved {
		items[*code.OrderItemID()] = true
	}
	assert.True(t, items[leased])
	done, err = w.dedup.Check(context.Background(), passKey)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRedelivery_LiveOrderLeaseIsRetried(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(2)
	o := w.newOrder(2)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	w.claim(dedup.OrderKey(o.ID, dedup.ActionDone, saga.CompletionHandlerName))

	ev := w.setStatus(o.ID, saga.OrderStatusCompleted)
	err := w.registry.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 2)

	w.advance(dedup.DefaultPolicy().Lease + time.Second)
	w.dispatch(ev)
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusDone), 2)
}

func TestReissue_AfterCancelPart(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(3)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, reserved, 3)

	_, err := w.codes.CancelPart(context.Background(), reserved[0].PartID(), "wrong labels")
	require.NoError(t, err)
	require.Empty(t, w.byOrder(o.ID, markingcode.StatusProcess))

	res, err := w.handlers.Reissue.Reissue(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Reserved)
	assert.Zero(t, res.Skipped)
	assert.Len(t, w.byOrder(o.ID, markingcode.StatusProcess), 3)
}

func TestPackaging_ReclaimsItemAfterReturn(t *testing.T) {
	w := newWorld(t, nil)
	w.seed(3)
	o := w.newOrder(2)
	w.dispatch(w.packaging(o, saga.MovementOrderShipment))
	reserved := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, reserved, 2)

	_, err := w.codes.MarkReturned(context.Background(), reserved[0].ID, "damaged")
	require.NoError(t, err)

	w.dispatch(w.packaging(o, saga.MovementOrderShipment))

	again := w.byOrder(o.ID, markingcode.StatusProcess)
	require.Len(t, again, 2)
	items := make(map[id.ID]bool)
	for _, code := range again {
		items[*code.OrderItemID()] = true
	}
	assert.Len(t, items, 2)
}

func TestItemKeys_ReleaseFreesItem(t *testing.T) {
	w := newWorld(t, nil)
	item := id.New()
	key := dedup.ItemKey(item, saga.PackagingHandlerName)
	w.claim(key)
	require.NoError(t, w.dedup.Complete(context.Background(), key, time.Hour))

	require.NoError(t, saga.NewItemKeys(w.dedup).ReleaseItem(context.Background(), item))

	done, err := w.dedup.Check(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, done)
}
