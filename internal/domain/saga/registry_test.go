package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markhub/internal/core/id"
	"markhub/internal/domain/saga"
)

type stubHandler struct {
	name  string
	err   error
	calls int
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Handle(context.Context, saga.Event) error {
	h.calls++
	return h.err
}

type recorded struct {
	handler, outcome string
}

type stubRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (r *stubRecorder) HandlerFinished(handler, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recorded{handler, outcome})
}

func TestRegistry_DispatchRunsAllHandlersAndJoinsErrors(t *testing.T) {
	rec := &stubRecorder{}
	r := saga.NewRegistry(rec)
	boom := errors.New("boom")
	failing := &stubHandler{name: "failing", err: boom}
	ok := &stubHandler{name: "ok"}
	r.Register(saga.KindOrderLifecycle, failing)
	r.Register(saga.KindOrderLifecycle, ok)

	err := r.Dispatch(context.Background(), saga.OrderLifecycleEvent{OrderID: id.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.ElementsMatch(t, []recorded{
		{"failing", saga.OutcomeError},
		{"ok", saga.OutcomeOK},
	}, rec.seen)
}

func TestRegistry_KindsAreIsolated(t *testing.T) {
	r := saga.NewRegistry(nil)
	order := &stubHandler{name: "order"}
	r.Register(saga.KindOrderLifecycle, order)

	require.NoError(t, r.Dispatch(context.Background(), saga.ReissueRequested{OrderID: id.New()}))
	assert.Zero(t, order.calls)
}

func TestRegistry_DuplicateNamePanics(t *testing.T) {
	r := saga.NewRegistry(nil)
	r.Register(saga.KindOrderLifecycle, &stubHandler{name: "x"})
	assert.Panics(t, func() {
		r.Register(saga.KindOrderLifecycle, &stubHandler{name: "x"})
	})
	assert.NotPanics(t, func() {
		r.Register(saga.KindReissueRequested, &stubHandler{name: "x"})
	})
}

func TestHandlers_RegisterWiresKinds(t *testing.T) {
	r := saga.NewRegistry(nil)
	saga.NewHandlers(saga.Deps{}).Register(r)

	assert.Len(t, r.Handlers(saga.KindOrderLifecycle), 2)
	assert.Len(t, r.Handlers(saga.KindStockMovementLifecycle), 1)
	assert.Len(t, r.Handlers(saga.KindReissueRequested), 1)
}

func TestOrder_Entered(t *testing.T) {
	o := &saga.Order{
		Status:  saga.OrderStatusShipped,
		History: []saga.OrderStatus{saga.OrderStatusNew, saga.OrderStatusPackaging},
	}
	assert.True(t, o.Entered(saga.OrderStatusPackaging))
	assert.True(t, o.Entered(saga.OrderStatusShipped))
	assert.False(t, o.Entered(saga.OrderStatusCompleted))
}
