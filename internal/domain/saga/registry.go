package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"markhub/pkg/logger"
)

var tracer = otel.Tracer("markhub/saga")

// Handler reacts to one kind of event. Handlers must be idempotent and must
// not depend on the order in which other handlers of the same kind run.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// Outcomes reported to the recorder.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder observes handler executions (metrics).
type Recorder interface {
	HandlerFinished(handler, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) HandlerFinished(string, string, time.Duration) {}

// Registry maps event kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	recorder Recorder
}

// NewRegistry creates an empty registry.
func NewRegistry(recorder Recorder) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Registry{
		handlers: make(map[EventKind][]Handler),
		recorder: recorder,
	}
}

// Register adds h for kind. Registering the same handler name twice for a
// kind is a programming error.
func (r *Registry) Register(kind EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[kind] {
		if existing.Name() == h.Name() {
			panic(fmt.Sprintf("saga: handler %q already registered for %s", h.Name(), kind))
		}
	}
	r.handlers[kind] = append(r.handlers[kind], h)
}

// Handlers returns the handlers registered for kind.
func (r *Registry) Handlers(kind EventKind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers[kind]))
	copy(out, r.handlers[kind])
	return out
}

// Dispatch runs every handler registered for the event's kind. A failing
// handler does not stop the others; all errors are joined.
func (r *Registry) Dispatch(ctx context.Context, event Event) error {
	handlers := r.Handlers(event.Kind())
	if len(handlers) == 0 {
		logger.Debug(ctx, "no handlers for event", "kind", event.Kind())
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := r.run(ctx, h, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) run(ctx context.Context, h Handler, event Event) error {
	ctx, span := tracer.Start(ctx, "saga.handle",
		trace.WithAttributes(
			attribute.String("saga.kind", string(event.Kind())),
			attribute.String("saga.handler", h.Name()),
		))
	defer span.End()

	started := time.Now()
	err := h.Handle(ctx, event)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.recorder.HandlerFinished(h.Name(), outcome, time.Since(started))
	return err
}

// Handlers bundles the reservation handlers built from one set of deps.
type Handlers struct {
	Packaging  *PackagingHandler
	Completion *CompletionHandler
	Cancel     *CancelHandler
	Reissue    *ReissueHandler
}

// NewHandlers builds every handler over deps.
func NewHandlers(deps Deps) Handlers {
	return Handlers{
		Packaging:  NewPackagingHandler(deps),
		Completion: NewCompletionHandler(deps),
		Cancel:     NewCancelHandler(deps),
		Reissue:    NewReissueHandler(deps),
	}
}

// Register adds the handlers to r under their event kinds.
func (h Handlers) Register(r *Registry) {
	r.Register(KindStockMovementLifecycle, h.Packaging)
	r.Register(KindOrderLifecycle, h.Completion)
	r.Register(KindOrderLifecycle, h.Cancel)
	r.Register(KindReissueRequested, h.Reissue)
}
