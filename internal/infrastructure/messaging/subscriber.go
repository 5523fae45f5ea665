package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"markhub/internal/core/apperror"
	appctx "markhub/internal/core/context"
	"markhub/internal/domain/saga"
	"markhub/pkg/compress"
	"markhub/pkg/logger"
)

// Dispatcher runs the handlers of an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event saga.Event) error
}

// ErrUnknownKind is returned for messages whose kind has no decoder.
var ErrUnknownKind = errors.New("unknown event kind")

// Decode turns a message payload into a saga event by its kind attribute.
func Decode(kind string, data []byte) (saga.Event, error) {
	var (
		event saga.Event
		err   error
	)
	switch saga.EventKind(kind) {
	case saga.KindOrderLifecycle:
		var e saga.OrderLifecycleEvent
		err = json.Unmarshal(data, &e)
		event = e
	case saga.KindStockMovementLifecycle:
		var e saga.StockMovementLifecycleEvent
		err = json.Unmarshal(data, &e)
		event = e
	case saga.KindReissueRequested:
		var e saga.ReissueRequested
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return event, nil
}

// Subscriber feeds a subscription into the saga registry.
type Subscriber struct {
	sub        *pubsub.Subscription
	dispatcher Dispatcher
	codec      *compress.Codec
	component  string
}

// NewSubscriber creates a subscriber. Handlers run as the system actor
// named after component.
func NewSubscriber(sub *pubsub.Subscription, dispatcher Dispatcher, codec *compress.Codec, component string) (*Subscriber, error) {
	if sub == nil {
		return nil, errors.New("pubsub subscriber: subscription is required")
	}
	if dispatcher == nil {
		return nil, errors.New("pubsub subscriber: dispatcher is required")
	}
	if codec == nil {
		return nil, errors.New("pubsub subscriber: codec is required")
	}
	return &Subscriber{sub: sub, dispatcher: dispatcher, codec: codec, component: component}, nil
}

// Run receives until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	logger.Info(ctx, "subscriber started", "subscription", s.sub.ID())
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if s.Handle(ctx, m.Data, m.Attributes) {
			m.Ack()
			return
		}
		m.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", s.sub.ID(), err)
	}
	return nil
}

// Handle processes one message and reports whether it should be acked.
// Poison messages are acked after a critical log; retryable failures are not.
func (s *Subscriber) Handle(ctx context.Context, data []byte, attrs map[string]string) bool {
	ctx = appctx.WithTrace(ctx, appctx.TraceFromAttributes(attrs))
	ctx = appctx.WithActor(ctx, appctx.SystemActor(s.component))

	kind := attrs[AttrKind]
	raw, err := s.codec.Decode(data, compress.Encoding(attrs[AttrContentEncoding]))
	if err != nil {
		logger.Critical(ctx, "dropping undecodable message", "kind", kind, "error", err)
		return true
	}
	event, err := Decode(kind, raw)
	if err != nil {
		logger.Critical(ctx, "dropping malformed message", "kind", kind, "error", err)
		return true
	}

	if err := s.dispatcher.Dispatch(ctx, event); err != nil {
		if apperror.IsRetryable(err) {
			logger.Warn(ctx, "event handling failed, redelivering", "kind", kind, "error", err)
			return false
		}
		logger.Error(ctx, "event handling failed permanently", "kind", kind, "error", err)
		return true
	}
	return true
}
