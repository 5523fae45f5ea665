// Package messaging connects the outbox and the saga registry to Pub/Sub.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"markhub/internal/infrastructure/storage/postgres"
	"markhub/pkg/compress"
)

// Message attributes set on every outbound message.
const (
	AttrKind            = "kind"
	AttrMessageID       = "messageId"
	AttrAggregateID     = "aggregateId"
	AttrContentEncoding = "contentEncoding"
)

var _ postgres.OutboxSink = (*Publisher)(nil)

// Publisher sends outbox messages to a topic.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher constructs a Pub/Sub backed outbox sink.
func NewPublisher(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &Publisher{topic: topic}, nil
}

// Send implements postgres.OutboxSink. Messages of one aggregate keep their
// order through the ordering key.
func (p *Publisher) Send(ctx context.Context, msg *postgres.OutboxMessage) error {
	attrs := make(map[string]string, len(msg.Attributes)+4)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs[AttrKind] = msg.EventType
	attrs[AttrMessageID] = msg.ID.String()
	attrs[AttrAggregateID] = msg.AggregateID.String()
	if msg.Encoding != compress.EncodingNone {
		attrs[AttrContentEncoding] = string(msg.Encoding)
	}

	orderingKey := msg.AggregateID.String()
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(orderingKey)
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
