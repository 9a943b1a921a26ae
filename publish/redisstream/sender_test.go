package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dunika/outbox-event-bus/event"
)

func TestSendBatchWritesEachEventAsStreamEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := New(client, Config{Stream: "events", MaxBatchSize: 5})
	err := sender.SendBatch(context.Background(), []event.Event{
		{ID: "1", Type: "t", Payload: []byte(`{"a":1}`), OccurredAt: time.Now()},
		{ID: "2", Type: "t", Payload: []byte(`{"a":2}`), OccurredAt: time.Now()},
	})
	require.NoError(t, err)

	length, err := client.XLen(context.Background(), "events").Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), length)
}

func TestSendBatchEmptyIsNoop(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sender := New(client, Config{Stream: "events"})
	require.NoError(t, sender.SendBatch(context.Background(), nil))
}

func TestMaxBatchSizeDefault(t *testing.T) {
	sender := New(nil, Config{Stream: "events"})
	require.Equal(t, 100, sender.MaxBatchSize())
}
