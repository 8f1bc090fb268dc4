// Package bus carries daemon events between the orchestrator and the
// gateway. Subjects are dot-separated and support NATS-style wildcards,
// so the in-memory bus and the NATS bus are interchangeable.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single bus message.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives delivered events. Returning an error only logs it;
// delivery is at-most-once and never retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events and delivers them to subject subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
