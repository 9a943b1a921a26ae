// Package publish implements EventPublisher: the bus-side buffering
// and retrying wrapper described in spec §4.5. It is not part of the
// persistence core — it subscribes to the bus like any other handler
// — but ships with the bus surface because every downstream transport
// needs the same buffer/batch/retry shape. The backoff and
// retry-budget machinery is grounded on other_examples' mickamy-txoutbox
// relay.go (Exponential/Backoff), adapted from a DB-polling relay to a
// bus-subscribing buffer.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outboxerr"
)

// Backoff returns the wait duration before a given attempt (1-based).
type Backoff func(attempt int) time.Duration

// Exponential builds a capped exponential backoff, grounded verbatim
// on mickamy-txoutbox's Exponential helper.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return base
		}
		d := float64(base)
		for i := 1; i < attempt; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay > max {
			return max
		}
		if delay < base {
			return base
		}
		return delay
	}
}

// RetryPolicy bounds how many attempts a batch send gets.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelayMs int
	MaxDelayMs     int
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = 500
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = 30_000
	}
}

func (p RetryPolicy) backoff() Backoff {
	return Exponential(time.Duration(p.InitialDelayMs)*time.Millisecond, 2.0, time.Duration(p.MaxDelayMs)*time.Millisecond)
}

// BatchSender delivers one buffered batch to a transport. Concrete
// transports (Redis Streams, RabbitMQ, ...) implement this.
type BatchSender interface {
	SendBatch(ctx context.Context, events []event.Event) error
	// MaxBatchSize is the transport's own hard cap (e.g. 10 for
	// EventBridge/SQS-like transports, 100 for Kafka/RabbitMQ-like
	// ones). Reaching it triggers a flush, and no batch handed to
	// SendBatch is larger than this.
	MaxBatchSize() int
}

// Subscriber is the subset of bus.Bus the publisher depends on, kept
// narrow so it can be tested without constructing a real Bus.
type Subscriber interface {
	Subscribe(types []string, handler event.Handler) error
}

// Config tunes EventPublisher.
type Config struct {
	Types []string

	BufferSize    int
	FlushTimeout  time.Duration
	Concurrency   int
	Retry         RetryPolicy
	OnSendFailure func(events []event.Event, err error)
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	c.Retry.setDefaults()
	if c.OnSendFailure == nil {
		c.OnSendFailure = func([]event.Event, error) {}
	}
}

// EventPublisher buffers events subscribed from a bus and flushes
// them in capped batches to a BatchSender, retrying failed batches
// with exponential backoff.
type EventPublisher struct {
	cfg    Config
	sender BatchSender

	mu      sync.Mutex
	buf     []event.Event
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New subscribes handler to cfg.Types on bus and returns a publisher
// ready to Start.
func New(bus Subscriber, sender BatchSender, cfg Config) (*EventPublisher, error) {
	cfg.setDefaults()
	p := &EventPublisher{
		cfg:     cfg,
		sender:  sender,
		flushCh: make(chan struct{}, 1),
		sem:     make(chan struct{}, cfg.Concurrency),
	}

	if err := bus.Subscribe(cfg.Types, p.enqueue); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EventPublisher) enqueue(e event.Event) error {
	p.mu.Lock()
	p.buf = append(p.buf, e)
	full := len(p.buf) >= p.maxBatchSize()
	p.mu.Unlock()

	if full {
		p.requestFlush()
	}
	return nil
}

func (p *EventPublisher) maxBatchSize() int {
	limit := p.cfg.BufferSize
	if cap := p.sender.MaxBatchSize(); cap > 0 && cap < limit {
		limit = cap
	}
	return limit
}

func (p *EventPublisher) requestFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// Start begins the flush-timer loop. Safe to call once.
func (p *EventPublisher) Start() {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)
}

// Stop drains any buffered events with one final flush, then returns.
func (p *EventPublisher) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.wg.Wait()
}

func (p *EventPublisher) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	timer := time.NewTimer(p.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			p.flush()
			return
		case <-p.flushCh:
			p.flush()
			timer.Reset(p.cfg.FlushTimeout)
		case <-timer.C:
			p.flush()
			timer.Reset(p.cfg.FlushTimeout)
		}
	}
}

func (p *EventPublisher) flush() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()

	maxSize := p.sender.MaxBatchSize()
	for len(batch) > 0 {
		n := len(batch)
		if maxSize > 0 && n > maxSize {
			n = maxSize
		}
		chunk := batch[:n]
		batch = batch[n:]

		p.sem <- struct{}{}
		p.wg.Add(1)
		go func(chunk []event.Event) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.sendWithRetry(chunk)
		}(chunk)
	}
}

func (p *EventPublisher) sendWithRetry(batch []event.Event) {
	backoff := p.cfg.Retry.backoff()
	var lastErr error

	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		err := p.sender.SendBatch(context.Background(), batch)
		if err == nil {
			return
		}
		lastErr = err

		if attempt == p.cfg.Retry.MaxAttempts {
			break
		}
		time.Sleep(backoff(attempt))
	}

	p.cfg.OnSendFailure(batch, outboxerr.NewOperationalError("batch send exhausted retries", lastErr))
}
