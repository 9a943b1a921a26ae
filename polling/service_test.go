package polling

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTicksAndStops(t *testing.T) {
	var calls int32

	svc := New(Config{
		PollIntervalMs: 5,
		ProcessBatch: func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	svc.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, time.Millisecond)
	svc.Stop()

	seen := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&calls), "no further ticks after Stop")
}

func TestServiceStopIsIdempotent(t *testing.T) {
	svc := New(Config{PollIntervalMs: 5, ProcessBatch: func() error { return nil }})
	svc.Start()
	svc.Stop()
	assert.NotPanics(t, svc.Stop)
}

func TestServiceRestartAfterStop(t *testing.T) {
	var calls int32
	svc := New(Config{PollIntervalMs: 5, ProcessBatch: func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}})

	svc.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	svc.Stop()

	atomic.StoreInt32(&calls, 0)
	svc.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	svc.Stop()
}

func TestServiceBackoffCapsAtMax(t *testing.T) {
	var errorSeen atomic.Value
	svc := New(Config{
		PollIntervalMs:    5,
		BaseBackoffMs:     10,
		MaxErrorBackoffMs: 20,
		ProcessBatch: func() error {
			return errors.New("boom")
		},
		OnError: func(err error) { errorSeen.Store(err) },
	})

	// 10 failures would normally exceed 20ms via exponential growth;
	// the cap must hold regardless of errorCount.
	for n := 1; n <= 10; n++ {
		svc.errorCount = n
		d := svc.nextDelay()
		assert.LessOrEqual(t, d, 20*time.Millisecond+2*time.Millisecond)
	}

	svc.Start()
	require.Eventually(t, func() bool { return errorSeen.Load() != nil }, time.Second, time.Millisecond)
	svc.Stop()
}

func TestCalculateBackoffGrowsExponentially(t *testing.T) {
	svc := New(Config{BaseBackoffMs: 100})
	d1 := svc.calculateBackoff(1)
	d2 := svc.calculateBackoff(2)
	d3 := svc.calculateBackoff(3)

	// allow for +/-10% jitter on each side
	assert.InDelta(t, 100, d1.Milliseconds(), 11)
	assert.InDelta(t, 200, d2.Milliseconds(), 21)
	assert.InDelta(t, 400, d3.Milliseconds(), 41)
}
