package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunika/outbox-event-bus/event"
)

type fakeBus struct {
	handler event.Handler
}

func (f *fakeBus) Subscribe(types []string, handler event.Handler) error {
	f.handler = handler
	return nil
}

type recordingSender struct {
	mu      sync.Mutex
	batches [][]event.Event
	failN   int32
	maxSize int
}

func (s *recordingSender) SendBatch(_ context.Context, events []event.Event) error {
	if atomic.LoadInt32(&s.failN) > 0 {
		atomic.AddInt32(&s.failN, -1)
		return errors.New("transient send error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return nil
}

func (s *recordingSender) MaxBatchSize() int { return s.maxSize }

func TestFlushesOnBufferFull(t *testing.T) {
	bus := &fakeBus{}
	sender := &recordingSender{maxSize: 2}
	p, err := New(bus, sender, Config{Types: []string{"t"}, BufferSize: 2, FlushTimeout: time.Hour})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, bus.handler(event.Event{ID: "1"}))
	require.NoError(t, bus.handler(event.Event{ID: "2"}))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.batches) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushesOnTimeout(t *testing.T) {
	bus := &fakeBus{}
	sender := &recordingSender{maxSize: 100}
	p, err := New(bus, sender, Config{Types: []string{"t"}, BufferSize: 100, FlushTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, bus.handler(event.Event{ID: "1"}))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.batches) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatchCappedByTransportMaxBatchSize(t *testing.T) {
	bus := &fakeBus{}
	sender := &recordingSender{maxSize: 2}
	p, err := New(bus, sender, Config{Types: []string{"t"}, BufferSize: 100, FlushTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.handler(event.Event{ID: string(rune('a' + i))}))
	}

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		total := 0
		for _, b := range sender.batches {
			assert.LessOrEqual(t, len(b), 2)
			total += len(b)
		}
		return total == 5
	}, time.Second, 5*time.Millisecond)
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	bus := &fakeBus{}
	sender := &recordingSender{maxSize: 10, failN: 2}
	p, err := New(bus, sender, Config{
		Types: []string{"t"}, BufferSize: 10, FlushTimeout: 20 * time.Millisecond,
		Retry: RetryPolicy{MaxAttempts: 5, InitialDelayMs: 1, MaxDelayMs: 5},
	})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, bus.handler(event.Event{ID: "1"}))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.batches) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendFailureReportedAfterRetriesExhausted(t *testing.T) {
	bus := &fakeBus{}
	sender := &recordingSender{maxSize: 10, failN: 100}
	var reported int32
	p, err := New(bus, sender, Config{
		Types: []string{"t"}, BufferSize: 10, FlushTimeout: 20 * time.Millisecond,
		Retry: RetryPolicy{MaxAttempts: 2, InitialDelayMs: 1, MaxDelayMs: 2},
		OnSendFailure: func(events []event.Event, err error) {
			atomic.AddInt32(&reported, 1)
		},
	})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, bus.handler(event.Event{ID: "1"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reported) == 1 }, time.Second, 5*time.Millisecond)
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	b := Exponential(10*time.Millisecond, 2.0, 30*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 20*time.Millisecond, b(2))
	assert.Equal(t, 30*time.Millisecond, b(3))
	assert.Equal(t, 30*time.Millisecond, b(10))
}
