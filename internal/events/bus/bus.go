// Package bus carries the queue's live event stream: task and session
// transitions, heartbeat ticks, and comment activity. The SSE and
// websocket endpoints fan these out to clients; a NATS backend is
// available for multi-process deployments and an in-memory one for
// single-binary runs and tests.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Type doubles as the publish subject.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives events delivered to a subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is what the emitter publishes to and the stream endpoints
// subscribe on. Subjects follow NATS conventions, so the wildcard ">"
// matches everything.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers events matching a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close tears down the bus.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}

