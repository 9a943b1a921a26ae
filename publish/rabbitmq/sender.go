// Package rabbitmq implements a publish.BatchSender over a RabbitMQ
// topic exchange with publisher confirms, grounded on baechuer's
// infrastructure/postgres/outbox_worker.go: the same Confirm(false) +
// NotifyPublish/NotifyReturn pair, adapted from its DB-polling worker
// loop into a single SendBatch call driven by EventPublisher.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/outboxerr"
)

// Config tunes the sender.
type Config struct {
	Exchange string
	// RoutingKey is used when RouteBy is nil.
	RoutingKey string
	// RouteBy computes a per-event routing key; overrides RoutingKey.
	RouteBy func(event.Event) string
	// MaxBatchSize is this transport's own cap (default 100).
	MaxBatchSize int
	// ConfirmTimeout bounds how long SendBatch waits for each
	// publisher confirm before treating the message as failed.
	ConfirmTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Second
	}
	if c.RouteBy == nil {
		c.RouteBy = func(e event.Event) string { return c.RoutingKey }
	}
}

// Sender publishes events to exchange with publisher confirms.
type Sender struct {
	ch        *amqp.Channel
	cfg       Config
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

// New declares exchange as a durable topic exchange, enables
// publisher confirms, and returns a ready Sender.
func New(conn *amqp.Connection, cfg Config) (*Sender, error) {
	cfg.setDefaults()

	ch, err := conn.Channel()
	if err != nil {
		return nil, outboxerr.NewOperationalError("open amqp channel", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, outboxerr.NewOperationalError("declare exchange", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, outboxerr.NewOperationalError("enable publisher confirms", err)
	}

	confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 100))

	return &Sender{ch: ch, cfg: cfg, confirmCh: confirmCh, returnCh: returnCh}, nil
}

// MaxBatchSize implements publish.BatchSender.
func (s *Sender) MaxBatchSize() int { return s.cfg.MaxBatchSize }

// SendBatch publishes every event mandatorily and waits for each
// one's confirm/return before moving to the next, matching the
// teacher's per-message wait loop.
func (s *Sender) SendBatch(ctx context.Context, events []event.Event) error {
	for _, e := range events {
		if err := s.sendOne(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendOne(ctx context.Context, e event.Event) error {
	drain(s.confirmCh, s.returnCh)

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         e.Payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		MessageId:    e.ID,
		Type:         e.Type,
	}

	routingKey := s.cfg.RouteBy(e)
	if err := s.ch.PublishWithContext(ctx, s.cfg.Exchange, routingKey, true, false, pub); err != nil {
		return outboxerr.NewOperationalError(fmt.Sprintf("publish event %s", e.ID), err)
	}

	deadline := time.After(s.cfg.ConfirmTimeout)
	for {
		select {
		case ret := <-s.returnCh:
			return outboxerr.NewOperationalError(
				fmt.Sprintf("event %s returned unroutable: %s", e.ID, ret.ReplyText), nil)
		case conf := <-s.confirmCh:
			if !conf.Ack {
				return outboxerr.NewOperationalError(fmt.Sprintf("event %s nacked by broker", e.ID), nil)
			}
			return nil
		case <-deadline:
			return outboxerr.NewOperationalError(fmt.Sprintf("event %s confirm timed out", e.ID), nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drain(confirmCh <-chan amqp.Confirmation, returnCh <-chan amqp.Return) {
	for {
		select {
		case <-confirmCh:
		case <-returnCh:
		default:
			return
		}
	}
}
