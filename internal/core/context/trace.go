package context

import (
	"context"

	"github.com/google/uuid"
)

// Message attribute names used to carry trace identifiers across the broker.
const (
	AttrTraceID   = "traceId"
	AttrRequestID = "requestId"
)

// TraceContext contains request tracing information.
type TraceContext struct {
	TraceID   string
	SpanID    string
	RequestID string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, trace *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// GetRequestID returns request ID from context or empty string.
func GetRequestID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.RequestID
	}
	return ""
}

// NewTraceContext creates a new TraceContext with generated IDs.
func NewTraceContext() *TraceContext {
	return &TraceContext{
		TraceID:   uuid.New().String(),
		SpanID:    uuid.New().String()[:16],
		RequestID: uuid.New().String(),
	}
}

// TraceFromAttributes rebuilds a trace from broker message attributes.
// Missing identifiers are generated.
func TraceFromAttributes(attrs map[string]string) *TraceContext {
	trace := NewTraceContext()
	if v := attrs[AttrTraceID]; v != "" {
		trace.TraceID = v
	}
	if v := attrs[AttrRequestID]; v != "" {
		trace.RequestID = v
	}
	return trace
}

// TraceAttributes returns attributes that propagate the trace in ctx.
func TraceAttributes(ctx context.Context) map[string]string {
	attrs := make(map[string]string, 2)
	if t := GetTrace(ctx); t != nil {
		attrs[AttrTraceID] = t.TraceID
		attrs[AttrRequestID] = t.RequestID
	}
	return attrs
}
