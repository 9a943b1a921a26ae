// Package memory provides InMemoryOutbox, the reference
// implementation of the outbox contract (spec §4.4): an in-process
// queue plus a dead-letter list and a retry-count map. It doubles as
// the executable specification of the claim-and-settle protocol used
// to test every other adapter's behavior against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outboxerr"
	"github.com/dunika/outbox-event-bus/polling"
)

// Config tunes the reference adapter. Poll interval and base backoff
// default small (spec §4.4: ~10ms) since there is no real I/O to
// amortize.
type Config struct {
	PollIntervalMs    int
	BaseBackoffMs     int
	MaxErrorBackoffMs int
	MaxRetries        int
}

func (c *Config) setDefaults() {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 10
	}
	if c.BaseBackoffMs <= 0 {
		c.BaseBackoffMs = 10
	}
	if c.MaxErrorBackoffMs <= 0 {
		c.MaxErrorBackoffMs = 30000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

type entry struct {
	evt        event.Event
	retryCount int
}

// InMemoryOutbox is a single-process queue-backed Outbox. It satisfies
// outbox.Outbox but lives in its own package to avoid an import cycle
// with the contract package's tests.
type InMemoryOutbox struct {
	cfg Config

	mu      sync.Mutex
	queue   []entry
	dlq     map[string]event.FailedEvent
	handler event.Handler
	onError event.ErrorSink

	poller *polling.Service
}

// New constructs an InMemoryOutbox. Start must be called to begin
// delivering.
func New(cfg Config) *InMemoryOutbox {
	cfg.setDefaults()
	return &InMemoryOutbox{
		cfg: cfg,
		dlq: make(map[string]event.FailedEvent),
	}
}

// Publish appends events to the tail of the queue. tx is accepted for
// interface conformance but ignored: the in-process queue has no
// external transaction to join.
func (o *InMemoryOutbox) Publish(_ context.Context, events []event.Event, _ any) error {
	if len(events) == 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range events {
		o.queue = append(o.queue, entry{evt: e})
	}
	return nil
}

// Start installs the handler/error sink and begins polling.
func (o *InMemoryOutbox) Start(handler event.Handler, onError event.ErrorSink) {
	o.mu.Lock()
	o.handler = handler
	o.onError = onError
	o.mu.Unlock()

	if o.poller == nil {
		o.poller = polling.New(polling.Config{
			PollIntervalMs:    o.cfg.PollIntervalMs,
			BaseBackoffMs:     o.cfg.BaseBackoffMs,
			MaxErrorBackoffMs: o.cfg.MaxErrorBackoffMs,
			ProcessBatch:      o.processOne,
			OnError:           func(error) {},
		})
	}
	o.poller.Start()
}

// Stop ceases polling and awaits in-flight work.
func (o *InMemoryOutbox) Stop() {
	if o.poller != nil {
		o.poller.Stop()
	}
}

// processOne pops the head of the queue and delivers it. Returning
// nil on an empty queue keeps the polling loop's success path (and
// therefore its fast poll interval) active between events.
func (o *InMemoryOutbox) processOne() error {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return nil
	}
	head := o.queue[0]
	o.queue = o.queue[1:]
	handler := o.handler
	onError := o.onError
	o.mu.Unlock()

	if handler == nil {
		return nil
	}

	err := handler(head.evt)
	if err == nil {
		return nil
	}

	o.handleFailure(head, err, onError)
	return nil
}

// handleFailure increments the retry count for the event; past
// maxRetries it moves to the DLQ and reports MaxRetriesExceeded,
// otherwise it is re-queued at the front and HandlerError is
// reported.
func (o *InMemoryOutbox) handleFailure(e entry, cause error, onError event.ErrorSink) {
	e.retryCount++

	if e.retryCount > o.cfg.MaxRetries {
		failed := event.FailedEvent{
			Event:         e.evt,
			RetryCount:    e.retryCount,
			Error:         cause.Error(),
			LastAttemptAt: time.Now(),
		}
		o.mu.Lock()
		o.dlq[e.evt.ID] = failed
		o.mu.Unlock()

		if onError != nil {
			onError(outboxerr.NewMaxRetriesExceeded(e.evt.ID, e.evt.Type, e.retryCount, cause), &e.evt)
		}
		return
	}

	o.mu.Lock()
	o.queue = append([]entry{e}, o.queue...)
	o.mu.Unlock()

	if onError != nil {
		onError(outboxerr.NewHandlerError(e.evt.ID, e.evt.Type, cause), &e.evt)
	}
}

// GetFailedEvents returns the dead-letter queue, most recent first.
func (o *InMemoryOutbox) GetFailedEvents(_ context.Context) ([]event.FailedEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]event.FailedEvent, 0, len(o.dlq))
	for _, f := range o.dlq {
		out = append(out, f)
	}
	sortByOccurredAtDesc(out)
	return out, nil
}

// RetryEvents moves matching DLQ entries back to the head of the
// queue with retry count reset.
func (o *InMemoryOutbox) RetryEvents(_ context.Context, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var restored []entry
	for _, id := range ids {
		failed, ok := o.dlq[id]
		if !ok {
			continue
		}
		delete(o.dlq, id)
		restored = append(restored, entry{evt: failed.Event})
	}
	o.queue = append(restored, o.queue...)
	return nil
}

func sortByOccurredAtDesc(events []event.FailedEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].OccurredAt.After(events[j-1].OccurredAt); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
