package memory

import (
	"context"
	"sync"

	"markhub/internal/domain/markingcode"
)

// EventLog collects published status changes.
type EventLog struct {
	mu     sync.Mutex
	events []markingcode.StatusChanged
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// PublishStatusChanged implements markingcode.EventPublisher.
func (l *EventLog) PublishStatusChanged(_ context.Context, event markingcode.StatusChanged) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of the collected events.
func (l *EventLog) Events() []markingcode.StatusChanged {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]markingcode.StatusChanged, len(l.events))
	copy(out, l.events)
	return out
}
