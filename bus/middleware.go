package bus

import (
	"context"
	"errors"

	"github.com/dunika/outbox-event-bus/event"
)

// Phase identifies which pipeline a middleware is registered into.
type Phase int

const (
	// PhaseEmit runs before Outbox.Publish.
	PhaseEmit Phase = iota
	// PhaseHandler runs before the registered per-type handler.
	PhaseHandler
)

// Ctx is the mutable context threaded through one middleware pipeline
// run. Tx is opaque (spec §4.3's transaction propagation) and exposed
// read-only to middleware; Event is the one middleware may mutate or
// replace by assigning back to Event.
type Ctx struct {
	context.Context
	Event event.Event
	Tx    any
}

// Next is handed to each middleware. Calling it with no arguments (or
// Next()) continues the chain; calling it with DropEvent() stops the
// chain and marks the event as dropped; not calling it at all also
// drops the event; calling it twice is a pipeline error.
type Next func(opts ...NextOption)

// NextOption configures a call to Next.
type NextOption func(*nextOpts)

type nextOpts struct {
	dropEvent bool
}

// DropEvent marks the event as dropped: it will not be published
// (emit phase) or delivered (handler phase).
func DropEvent() NextOption {
	return func(o *nextOpts) { o.dropEvent = true }
}

// Middleware wraps one stage of emit or handler processing. It must
// call next exactly once unless it intends to drop the event by
// simply returning without calling next.
type Middleware func(ctx *Ctx, next Next) error

// errNextCalledTwice is the only pipeline-fatal middleware misuse:
// per spec §8 P9, completing without calling next is a valid (if
// implicit) way to drop an event, but calling next more than once is
// always a bug.
var errNextCalledTwice = errors.New("bus: next() called multiple times")

// runChain executes mws in onion order around terminal: m1 wraps m2
// wraps m3 wraps terminal. It returns (dropped, err). A middleware
// that returns without calling next (and without erroring) implicitly
// drops the event, matching spec §4.3 ("or by not calling next").
func runChain(ctx *Ctx, mws []Middleware, terminal func(*Ctx) error) (bool, error) {
	dropped := false

	var run func(i int) error
	run = func(i int) error {
		if i >= len(mws) {
			return terminal(ctx)
		}

		mw := mws[i]
		calledHere := false
		innerErr := error(nil)

		next := func(opts ...NextOption) {
			if calledHere {
				panic(errNextCalledTwice)
			}
			calledHere = true

			var o nextOpts
			for _, opt := range opts {
				opt(&o)
			}
			if o.dropEvent {
				dropped = true
				return
			}
			innerErr = run(i + 1)
		}

		err := callMiddleware(mw, ctx, next)
		if err != nil {
			return err
		}
		if !calledHere {
			// Middleware returned without calling next: treat as a
			// drop, per spec §4.3.
			dropped = true
			return nil
		}
		return innerErr
	}

	err := run(0)
	return dropped, err
}

// callMiddleware recovers the errNextCalledTwice panic raised by next
// and turns it back into a normal error.
func callMiddleware(mw Middleware, ctx *Ctx, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok && errors.Is(perr, errNextCalledTwice) {
				err = perr
				return
			}
			panic(r)
		}
	}()
	return mw(ctx, next)
}

// chainLabel names a phase for error messages.
func chainLabel(phase Phase) string {
	if phase == PhaseEmit {
		return "emit"
	}
	return "handler"
}
