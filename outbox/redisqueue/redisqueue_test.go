package redisqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dunika/outbox-event-bus/event"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishThenDeliverSuccess(t *testing.T) {
	client := newTestClient(t)
	ob := New(client, Config{BatchSize: 10, ExpireInSeconds: 5, PollIntervalMs: 20})

	require.NoError(t, ob.Publish(context.Background(), []event.Event{
		{ID: "e1", Type: "order.created", Payload: []byte(`{}`), OccurredAt: time.Now()},
	}, nil))

	delivered := make(chan event.Event, 1)
	ob.Start(func(e event.Event) error {
		delivered <- e
		return nil
	}, nil)
	defer ob.Stop()

	select {
	case e := <-delivered:
		require.Equal(t, "e1", e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.Eventually(t, func() bool {
		exists, _ := client.Exists(context.Background(), ob.recordKey("e1")).Result()
		return exists == 0
	}, time.Second, 10*time.Millisecond, "completed record must be removed")
}

func TestFailureReschedulesThenExhausts(t *testing.T) {
	client := newTestClient(t)
	ob := New(client, Config{BatchSize: 10, MaxRetries: 2, BaseBackoffMs: 5, ExpireInSeconds: 5, PollIntervalMs: 10})

	require.NoError(t, ob.Publish(context.Background(), []event.Event{
		{ID: "e2", Type: "t", OccurredAt: time.Now()},
	}, nil))

	errCh := make(chan error, 5)
	var attempts int32
	ob.Start(func(event.Event) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}, func(err error, evt *event.Event) {
		errCh <- err
	})
	defer ob.Stop()

	require.Eventually(t, func() bool {
		members, _ := client.SMembers(context.Background(), ob.failedKey()).Result()
		return len(members) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// MaxRetries=2 means the handler runs once, then is retried twice
	// more before the record goes terminal: maxRetries+1 invocations.
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetryEventsMovesBackToPending(t *testing.T) {
	client := newTestClient(t)
	ob := New(client, Config{BatchSize: 10, MaxRetries: 1, BaseBackoffMs: 5, ExpireInSeconds: 5, PollIntervalMs: 10})

	require.NoError(t, ob.Publish(context.Background(), []event.Event{
		{ID: "e3", Type: "t", OccurredAt: time.Now()},
	}, nil))

	ob.Start(func(event.Event) error { return errors.New("fails") }, nil)

	require.Eventually(t, func() bool {
		members, _ := client.SMembers(context.Background(), ob.failedKey()).Result()
		return len(members) == 1
	}, 3*time.Second, 20*time.Millisecond)
	ob.Stop()

	require.NoError(t, ob.RetryEvents(context.Background(), []string{"e3"}))

	score, err := client.ZScore(context.Background(), ob.pendingKey(), "e3").Result()
	require.NoError(t, err)
	require.Equal(t, float64(0), score)

	members, err := client.SMembers(context.Background(), ob.failedKey()).Result()
	require.NoError(t, err)
	require.Empty(t, members)
}
