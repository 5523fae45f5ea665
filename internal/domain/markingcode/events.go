package markingcode

import (
	"context"
	"time"

	"markhub/internal/core/id"
)

// StatusChanged is published for every revision written after creation.
type StatusChanged struct {
	CodeID     id.ID      `json:"codeId"`
	RevisionID id.ID      `json:"revisionId"`
	Transition Transition `json:"transition"`
	From       Status     `json:"from"`
	To         Status     `json:"to"`
	OrderID    *id.ID     `json:"orderId,omitempty"`
	PartID     string     `json:"partId,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// EventPublisher records outbound events in the caller's unit of work.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChanged) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// PublishStatusChanged implements EventPublisher.
func (NopPublisher) PublishStatusChanged(context.Context, StatusChanged) error { return nil }

// Observer is notified after a transition commits.
type Observer interface {
	TransitionApplied(t Transition, from, to Status)
}

type nopObserver struct{}

func (nopObserver) TransitionApplied(Transition, Status, Status) {}

// ItemReleaser frees the per-item bookkeeping of a reservation that was
// undone, so the order item can be reserved again.
type ItemReleaser interface {
	ReleaseItem(ctx context.Context, orderItemID id.ID) error
}
