// Package bus provides the event bus the workflow publishes run
// lifecycle events on. An in-memory bus is the default; NATS backs
// multi-process deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run lifecycle subjects.
const (
	SubjectRunStarted   = "run.started"
	SubjectRunCompleted = "run.completed"
)

// Event is a message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes an event. Errors are logged, not retried.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the publish/subscribe contract. Subjects use NATS semantics:
// dot-separated tokens, "*" matches one token, ">" matches the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
