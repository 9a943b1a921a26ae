package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outboxerr"
)

func TestHappyPathDeliversOnce(t *testing.T) {
	ob := New(Config{})
	var calls int32

	ob.Start(func(e event.Event) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "user.created", e.Type)
		return nil
	}, nil)
	defer ob.Stop()

	require.NoError(t, ob.Publish(context.Background(), []event.Event{
		{ID: "1", Type: "user.created", Payload: []byte(`{"email":"a@b"}`)},
	}, nil))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "handler must not run again once completed")
}

func TestRetryThenSuccess(t *testing.T) {
	ob := New(Config{MaxRetries: 5})
	var attempts int32

	ob.Start(func(e event.Event) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	defer ob.Stop()

	require.NoError(t, ob.Publish(context.Background(), []event.Event{{ID: "2", Type: "t"}}, nil))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 3 }, time.Second, time.Millisecond)
}

func TestRetryExhaustionMovesToDLQ(t *testing.T) {
	ob := New(Config{MaxRetries: 2})
	var attempts int32
	var lastErr atomic.Value

	ob.Start(func(e event.Event) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always fails")
	}, func(err error, evt *event.Event) {
		lastErr.Store(err)
	})
	defer ob.Stop()

	require.NoError(t, ob.Publish(context.Background(), []event.Event{{ID: "3", Type: "t"}}, nil))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 3 }, time.Second, time.Millisecond)

	var mre *outboxerr.MaxRetriesExceeded
	require.Eventually(t, func() bool {
		err, ok := lastErr.Load().(error)
		return ok && errors.As(err, &mre)
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, mre.RetryCount)

	failed, err := ob.GetFailedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "3", failed[0].Event.ID)
}

func TestRetryEventsRestoresFromDLQ(t *testing.T) {
	ob := New(Config{MaxRetries: 1})
	var attempts int32

	ob.Start(func(e event.Event) error {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			return errors.New("fails until manual retry")
		}
		return nil
	}, nil)
	defer ob.Stop()

	require.NoError(t, ob.Publish(context.Background(), []event.Event{{ID: "4", Type: "t"}}, nil))

	require.Eventually(t, func() bool {
		failed, _ := ob.GetFailedEvents(context.Background())
		return len(failed) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ob.RetryEvents(context.Background(), []string{"4"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 3 }, time.Second, time.Millisecond)
	failed, _ := ob.GetFailedEvents(context.Background())
	assert.Empty(t, failed)
}

func TestConcurrentPublishDeliversEachEventExactlyOnce(t *testing.T) {
	ob := New(Config{})
	const n = 200
	var mu sync.Mutex
	seen := make(map[string]int)

	ob.Start(func(e event.Event) error {
		mu.Lock()
		seen[e.ID]++
		mu.Unlock()
		return nil
	}, nil)
	defer ob.Stop()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ob.Publish(context.Background(), []event.Event{
				{ID: fmt.Sprintf("concurrent-%d", i), Type: "t"},
			}, nil)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		assert.Equal(t, 1, count, "event %s delivered %d times, want exactly once", id, count)
	}
}

func TestPublishEmptyIsNoop(t *testing.T) {
	ob := New(Config{})
	require.NoError(t, ob.Publish(context.Background(), nil, nil))
}
