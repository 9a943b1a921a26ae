// Package event defines the value types shared by every outbox adapter
// and the bus: the domain event itself, its failed-delivery view, and
// the handler signature adapters invoke on claim.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Metadata is an opaque, middleware-mutable bag attached to an event.
type Metadata map[string]any

// Event is the unit of work flowing through publish, claim, and
// delivery. ID is stable across retries and used for idempotency and
// manual retry; Type is the routing key used to find a handler.
type Event struct {
	ID         string
	Type       string
	Payload    []byte
	OccurredAt time.Time
	Metadata   Metadata
}

// WithDefaults fills in ID and OccurredAt when the caller left them
// zero-valued, the way Bus.emit does before handing the event to the
// adapter.
func (e Event) WithDefaults(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	return e
}

// Clone returns a deep-enough copy so that middleware mutating
// Metadata on one event does not leak into a sibling in the same
// batch.
func (e Event) Clone() Event {
	c := e
	if e.Metadata != nil {
		c.Metadata = make(Metadata, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// FailedEvent is an Event plus the bookkeeping surfaced by
// Outbox.getFailedEvents: how many times delivery has been retried,
// the last error message, and when that last attempt happened.
type FailedEvent struct {
	Event
	RetryCount    int
	Error         string
	LastAttemptAt time.Time
}

// Handler is invoked once per claimed event. An error causes the
// adapter to apply the retry/dead-letter transition described in the
// claim-and-settle protocol; a nil error completes the record.
type Handler func(Event) error

// ErrorSink receives every error the adapter or polling loop produces
// while processing a given (possibly absent) event.
type ErrorSink func(err error, evt *Event)
