// Package bus implements EventBus: the 1:1 command-dispatch façade
// over an Outbox adapter, with an onion middleware pipeline for both
// emission and handling, transaction propagation, and a waitFor
// primitive. Grounded on spec §4.3/§9 and on the teacher's thin
// service-over-repository shape (jwalitptl-admin-api's
// pkg/event/service.go), generalized from a single broker call into a
// full middleware-driven dispatcher.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunika/outbox-event-bus/bus/internal/busconc"
	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outbox"
	"github.com/dunika/outbox-event-bus/outboxerr"
)

// kind tags how a registration was made, so Off can match either the
// original handler or a once-wrapper by identity of the original.
type kind int

const (
	kindDirect kind = iota
	kindOnce
)

type registration struct {
	kind     kind
	handler  event.Handler
	original event.Handler // set for kindOnce; used by Off to match
	id       uint64        // distinguishes otherwise-identical registrations
}

// Config tunes the bus.
type Config struct {
	// MiddlewareConcurrency bounds emitMany's fan-out over the emit
	// pipeline. Default 10 (spec §6.4).
	MiddlewareConcurrency int

	// OnDrop, if set, is called whenever a middleware pipeline drops
	// an event (explicitly via DropEvent, or implicitly by returning
	// without calling next). phase is "emit" or "handler". Left nil by
	// default; callers that want drop counts wire in their own
	// reporting (e.g. a Prometheus counter) without the bus package
	// needing to know about any metrics library.
	OnDrop func(phase string)
}

// Bus is the user-facing command dispatcher described in spec §6.2.
type Bus struct {
	adapter outbox.Outbox
	cfg     Config

	mu            sync.RWMutex
	routes        map[string]registration
	emitMW        []Middleware
	handlerMW     []Middleware
	nextHandlerID uint64
	started       bool
}

// New builds a Bus over adapter.
func New(adapter outbox.Outbox, cfg Config) *Bus {
	if cfg.MiddlewareConcurrency <= 0 {
		cfg.MiddlewareConcurrency = 10
	}
	return &Bus{
		adapter: adapter,
		cfg:     cfg,
		routes:  make(map[string]registration),
	}
}

// AddEmitMiddleware appends mw to the emit pipeline.
func (b *Bus) AddEmitMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitMW = append(b.emitMW, mw)
}

// AddHandlerMiddleware appends mw to the handler pipeline.
func (b *Bus) AddHandlerMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerMW = append(b.handlerMW, mw)
}

// Use registers mws on both pipelines, the common case for
// cross-cutting concerns like logging or tracing.
func (b *Bus) Use(mws ...Middleware) {
	for _, mw := range mws {
		b.AddEmitMiddleware(mw)
		b.AddHandlerMiddleware(mw)
	}
}

// On registers the single handler for type. A second registration for
// the same type fails with DuplicateListener.
func (b *Bus) On(eventType string, handler event.Handler) error {
	return b.addListener(eventType, registration{kind: kindDirect, handler: handler})
}

// AddListener is an alias for On, matching spec §6.2's surface.
func (b *Bus) AddListener(eventType string, handler event.Handler) error {
	return b.On(eventType, handler)
}

// Once wraps handler so it deregisters itself before running once.
func (b *Bus) Once(eventType string, handler event.Handler) error {
	wrapped := func(e event.Event) error {
		_ = b.Off(eventType, handler)
		return handler(e)
	}
	return b.addListener(eventType, registration{kind: kindOnce, handler: wrapped, original: handler})
}

func (b *Bus) addListener(eventType string, reg registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.routes[eventType]; exists {
		return outboxerr.NewDuplicateListener(eventType)
	}
	b.nextHandlerID++
	reg.id = b.nextHandlerID
	b.routes[eventType] = reg
	return nil
}

// Off removes the handler registered for type if it matches handler
// itself (direct registration) or was the original passed to Once.
func (b *Bus) Off(eventType string, handler event.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, exists := b.routes[eventType]
	if !exists {
		return nil
	}

	target := reg.handler
	if reg.kind == kindOnce {
		target = reg.original
	}
	if !sameHandler(target, handler) {
		return nil
	}
	delete(b.routes, eventType)
	return nil
}

// RemoveAllListeners removes the handler for eventType, or every
// handler if eventType is empty.
func (b *Bus) RemoveAllListeners(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.routes = make(map[string]registration)
		return
	}
	delete(b.routes, eventType)
}

// Subscribe registers handler under every type in types.
func (b *Bus) Subscribe(types []string, handler event.Handler) error {
	for _, t := range types {
		if err := b.On(t, handler); err != nil {
			return err
		}
	}
	return nil
}

// ListenerCount reports 1 if eventType has a registered handler, 0
// otherwise (the bus is 1:1, so this is always 0 or 1).
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.routes[eventType]; ok {
		return 1
	}
	return 0
}

// EventNames returns every type with a registered handler.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.routes))
	for t := range b.routes {
		names = append(names, t)
	}
	return names
}

// GetSubscriptionCount returns the total number of registered
// handlers across all types.
func (b *Bus) GetSubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes)
}

// Emit fills in defaults, runs the emit pipeline, and publishes the
// event (unless dropped).
func (b *Bus) Emit(ctx context.Context, e event.Event, tx any) error {
	return b.EmitMany(ctx, []event.Event{e}, tx)
}

// EmitMany is Emit over a batch: all surviving events are published in
// one Outbox.Publish call (spec §5(a): one batch, one transaction
// where available).
func (b *Bus) EmitMany(ctx context.Context, events []event.Event, tx any) error {
	now := time.Now()
	for i := range events {
		events[i] = events[i].WithDefaults(now)
	}

	b.mu.RLock()
	mws := snapshotMiddleware(b.emitMW)
	concurrency := b.cfg.MiddlewareConcurrency
	b.mu.RUnlock()

	if len(mws) == 0 {
		return b.adapter.Publish(ctx, events, tx)
	}

	type outcome struct {
		evt     event.Event
		dropped bool
		err     error
	}

	outcomes := busconc.MapConcurrent(events, concurrency, func(_ int, e event.Event) outcome {
		mwCtx := &Ctx{Context: ctx, Event: e.Clone(), Tx: tx}
		dropped, err := runChain(mwCtx, mws, func(c *Ctx) error { return nil })
		return outcome{evt: mwCtx.Event, dropped: dropped, err: err}
	})

	var survivors []event.Event
	for _, o := range outcomes {
		if o.err != nil {
			return fmt.Errorf("bus: %s middleware failed for event %s: %w", chainLabel(PhaseEmit), o.evt.ID, o.err)
		}
		if o.dropped {
			b.reportDrop(PhaseEmit)
		} else {
			survivors = append(survivors, o.evt)
		}
	}

	return b.adapter.Publish(ctx, survivors, tx)
}

// Start begins delivering claimed events through the handler pipeline
// to their registered handler.
func (b *Bus) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	b.adapter.Start(b.processEvent, func(err error, evt *event.Event) {
		// Adapters are responsible for routing sink errors further
		// (logging/metrics); the bus has no additional policy here.
		_ = err
		_ = evt
	})
}

// Stop stops the adapter, awaiting in-flight deliveries.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	b.adapter.Stop()
}

// processEvent is the adapter callback (spec §4.3): run handler
// middleware, then dispatch to the handler registered for the
// (possibly middleware-modified) event type. Absence of a handler is
// not an error.
func (b *Bus) processEvent(e event.Event) error {
	b.mu.RLock()
	mws := snapshotMiddleware(b.handlerMW)
	b.mu.RUnlock()

	mwCtx := &Ctx{Context: context.Background(), Event: e.Clone()}
	dropped, err := runChain(mwCtx, mws, func(c *Ctx) error {
		return b.dispatch(c.Event)
	})
	if err != nil {
		return fmt.Errorf("bus: %s middleware failed for event %s: %w", chainLabel(PhaseHandler), mwCtx.Event.ID, err)
	}
	if dropped {
		b.reportDrop(PhaseHandler)
		return nil
	}
	return nil
}

// reportDrop calls Config.OnDrop, if set, with phase's label.
func (b *Bus) reportDrop(phase Phase) {
	if b.cfg.OnDrop != nil {
		b.cfg.OnDrop(chainLabel(phase))
	}
}

// dispatch delivers e to its permanent handler (if any) and to any
// WaitFor transient registered under the same type's waitFor
// namespace (if any); the two are independent, so a WaitFor call
// never displaces or is shadowed by a permanent On/Once handler.
func (b *Bus) dispatch(e event.Event) error {
	b.mu.RLock()
	reg, hasReg := b.routes[e.Type]
	transient, hasTransient := b.routes[waitForKey(e.Type)]
	b.mu.RUnlock()

	var err error
	if hasReg {
		err = reg.handler(e)
	}
	if hasTransient {
		if terr := transient.handler(e); err == nil {
			err = terr
		}
	}
	return err
}

// WaitFor returns a value that resolves with the next matching event,
// or fails with Timeout. It registers a transient handler and cleans
// it up on both the success and timeout paths.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeoutMs int) (event.Event, error) {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	ch := make(chan event.Event, 1)
	var once sync.Once
	cleanup := func() { once.Do(func() { _ = b.RemoveTransient(eventType) }) }

	transient := func(e event.Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	}

	if err := b.addTransient(eventType, transient); err != nil {
		return event.Event{}, err
	}
	defer cleanup()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case e := <-ch:
		return e, nil
	case <-timer.C:
		return event.Event{}, outboxerr.NewTimeout(eventType, timeoutMs)
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// addTransient registers handler for eventType under a private
// namespace key, so it never collides with (and is never subject to)
// the 1:1 DuplicateListener invariant ordinary On/Once callers get.
// dispatch delivers to both the namespaced transient and any
// permanent handler for the same type, so WaitFor works whether or
// not a permanent handler is already registered.
func (b *Bus) addTransient(eventType string, handler event.Handler) error {
	key := waitForKey(eventType)
	return b.addListener(key, registration{kind: kindDirect, handler: handler})
}

// RemoveTransient removes the transient WaitFor registration for
// eventType, if present.
func (b *Bus) RemoveTransient(eventType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, waitForKey(eventType))
	return nil
}

func waitForKey(eventType string) string {
	return "__waitFor__:" + eventType
}

// GetFailedEvents delegates to the adapter.
func (b *Bus) GetFailedEvents(ctx context.Context) ([]event.FailedEvent, error) {
	return b.adapter.GetFailedEvents(ctx)
}

// RetryEvents delegates to the adapter.
func (b *Bus) RetryEvents(ctx context.Context, ids []string) error {
	return b.adapter.RetryEvents(ctx, ids)
}

func snapshotMiddleware(mws []Middleware) []Middleware {
	if len(mws) == 0 {
		return nil
	}
	out := make([]Middleware, len(mws))
	copy(out, mws)
	return out
}

// sameHandler compares two event.Handler values by pointer identity.
// Go function values are not comparable with ==, so this relies on
// reflect to compare the underlying code pointer — sufficient for Off
// to match a handler registered earlier in the same process.
func sameHandler(a, b event.Handler) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}
