// Package outbox defines the storage-adapter contract every backend
// (relational, document, KV, sorted-set, cloud-NoSQL) must satisfy:
// durable persistence of emitted events plus the claim-and-settle
// protocol that drives each record from creation to archival.
package outbox

import (
	"context"
	"time"

	"github.com/dunika/outbox-event-bus/event"
)

// Status is one of the four states a stored record may occupy.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Record is the backend-neutral view of a stored outbox row (spec
// §3/§6.3). Adapters encode it however suits their storage model but
// must preserve every field's semantics.
type Record struct {
	ID              string
	Type            string
	Payload         []byte
	Metadata        event.Metadata
	OccurredAt      time.Time
	Status          Status
	RetryCount      int
	LastError       string
	NextRetryAt     time.Time
	StartedOn       time.Time
	KeepAlive       time.Time
	ExpireInSeconds int
	CreatedOn       time.Time
	CompletedOn     time.Time
}

// ToEvent projects the identity fields of a Record back into the
// Event shape the handler expects.
func (r Record) ToEvent() event.Event {
	return event.Event{
		ID:         r.ID,
		Type:       r.Type,
		Payload:    r.Payload,
		OccurredAt: r.OccurredAt,
		Metadata:   r.Metadata,
	}
}

// ToFailedEvent projects a Record into the FailedEvent view returned
// by GetFailedEvents.
func (r Record) ToFailedEvent() event.FailedEvent {
	return event.FailedEvent{
		Event:         r.ToEvent(),
		RetryCount:    r.RetryCount,
		Error:         r.LastError,
		LastAttemptAt: r.StartedOn,
	}
}

// Tx is an opaque caller-supplied transaction handle. The bus and the
// outbox contract never inspect it; only a concrete adapter knows how
// to use it (e.g. a pgx.Tx, a *sqlx.Tx, a mongo.SessionContext). It
// is a plain alias for any so adapters can accept it as "any" without
// importing this package just for the type name.
type Tx = any

// Outbox is the contract the bus drives (spec §6.1). Capability
// methods (GetFailedEvents/RetryEvents) are optional: adapters that
// cannot support them return outboxerr.UnsupportedOperation.
type Outbox interface {
	// Publish durably appends events, participating in tx when
	// provided. Empty events is a no-op. Idempotent on Event.ID.
	Publish(ctx context.Context, events []event.Event, tx Tx) error

	// Start installs the per-event handler and the error sink, then
	// begins polling. Idempotent: calling Start twice while already
	// running is a no-op.
	Start(handler event.Handler, onError event.ErrorSink)

	// Stop ceases polling and awaits in-flight work. Safe to call
	// repeatedly and before Start.
	Stop()

	// GetFailedEvents returns the most recent failed records in
	// descending OccurredAt order, or UnsupportedOperation.
	GetFailedEvents(ctx context.Context) ([]event.FailedEvent, error)

	// RetryEvents atomically resets each matching record to created,
	// retryCount=0, lastError cleared, or UnsupportedOperation.
	RetryEvents(ctx context.Context, ids []string) error
}

// Eligible reports whether a record satisfies the claim predicate
// from spec §4.1 step 1: created, OR failed-and-due with RetryCount
// below maxRetries, OR active-and-stuck. The concrete adapters do not
// call it. The Postgres adapter's claim query also admits a failed row
// whose retry count equals maxRetries, since a row goes terminal only
// once its count exceeds maxRetries; the memory and Redis adapters
// schedule retries by queue position and pending-set score instead.
func Eligible(r Record, maxRetries int, now time.Time) bool {
	switch r.Status {
	case StatusCreated:
		return true
	case StatusFailed:
		return r.RetryCount < maxRetries && !r.NextRetryAt.After(now)
	case StatusActive:
		deadline := r.KeepAlive.Add(time.Duration(r.ExpireInSeconds) * time.Second)
		return deadline.Before(now)
	default:
		return false
	}
}
