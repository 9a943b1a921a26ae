// Package redisstream implements a publish.BatchSender over a Redis
// stream via XADD, grounded on the teacher's internal/outbox/publisher.go
// Publisher (same *redis.Client dependency and JSON envelope shape),
// generalized from a single Publish-per-event pub/sub call into a
// batched XAdd loop suited to EventPublisher's batch interface.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outboxerr"
)

// envelope is the JSON payload written to each stream entry.
type envelope struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt int64          `json:"occurred_at_unix_ms"`
	Metadata   event.Metadata `json:"metadata"`
}

// Sender writes events to a single Redis stream.
type Sender struct {
	client       *redis.Client
	stream       string
	maxBatchSize int
	maxLen       int64
}

// Config tunes the sender.
type Config struct {
	Stream string
	// MaxBatchSize bounds how many events EventPublisher batches per
	// SendBatch call. Redis streams tolerate large batches; default
	// matches the Kafka/RabbitMQ-class cap from spec §4.5.
	MaxBatchSize int
	// MaxLen approximately caps the stream length via XADD MAXLEN ~.
	// Zero disables trimming.
	MaxLen int64
}

// New builds a Sender writing to cfg.Stream.
func New(client *redis.Client, cfg Config) *Sender {
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &Sender{client: client, stream: cfg.Stream, maxBatchSize: maxBatchSize, maxLen: cfg.MaxLen}
}

// MaxBatchSize implements publish.BatchSender.
func (s *Sender) MaxBatchSize() int { return s.maxBatchSize }

// SendBatch XADDs each event to the configured stream using a single
// pipeline so the batch is one round trip.
func (s *Sender) SendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, e := range events {
		env := envelope{
			EventID:    e.ID,
			Type:       e.Type,
			Payload:    json.RawMessage(e.Payload),
			OccurredAt: e.OccurredAt.UnixMilli(),
			Metadata:   e.Metadata,
		}
		data, err := json.Marshal(env)
		if err != nil {
			return outboxerr.NewOperationalError("marshal stream envelope", err)
		}

		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]any{"data": data},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return outboxerr.NewOperationalError(fmt.Sprintf("xadd batch of %d events", len(events)), err)
	}
	return nil
}
