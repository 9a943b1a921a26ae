// Command outbox-worker is the process entrypoint: it loads
// configuration, builds the storage adapter and downstream transport
// the configuration selects, wires them through a Bus and an
// EventPublisher, serves Prometheus metrics, and shuts down gracefully
// on SIGINT/SIGTERM. Adapted directly from the teacher's
// cmd/outbox/main.go sequence and signal handling.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunika/outbox-event-bus/bus"
	"github.com/dunika/outbox-event-bus/config"
	"github.com/dunika/outbox-event-bus/logging"
	"github.com/dunika/outbox-event-bus/metrics"
	"github.com/dunika/outbox-event-bus/outbox"
	"github.com/dunika/outbox-event-bus/outbox/memory"
	"github.com/dunika/outbox-event-bus/outbox/postgres"
	"github.com/dunika/outbox-event-bus/outbox/redisqueue"
	"github.com/dunika/outbox-event-bus/publish"
	"github.com/dunika/outbox-event-bus/publish/rabbitmq"
	"github.com/dunika/outbox-event-bus/publish/redisstream"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Init(cfg.Environment)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, closeAdapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build storage adapter", zap.Error(err))
	}
	defer closeAdapter()

	m := metrics.DefaultMetrics
	b := bus.New(adapter, bus.Config{
		MiddlewareConcurrency: cfg.GetBusMiddlewareConcurrency(),
		OnDrop: func(phase string) {
			m.MiddlewareDropsTotal.WithLabelValues(phase).Inc()
		},
	})
	b.Use(metricsMiddleware(m))

	sender, closeSender, err := buildSender(cfg)
	if err != nil {
		logger.Fatal("build publish transport", zap.Error(err))
	}
	defer closeSender()

	publishTypes := cfg.GetPublishEventTypes()
	if len(publishTypes) == 0 {
		logger.Warn("PUBLISH_EVENT_TYPES is empty: no event type will be relayed downstream")
	}
	eventPublisher, err := publish.New(b, sender, publish.Config{Types: publishTypes})
	if err != nil {
		logger.Fatal("build event publisher", zap.Error(err))
	}

	b.Start()
	defer b.Stop()

	eventPublisher.Start()
	defer eventPublisher.Stop()

	metricsServer := metrics.StartServer(logger, cfg.GetMetricsPort())

	logger.Info("outbox worker is running",
		zap.String("backend", cfg.Backend),
		zap.String("transport", cfg.Transport),
		zap.Int("metrics_port", cfg.GetMetricsPort()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	logger.Info("initiating graceful shutdown, waiting for current batch to complete...")

	cancel()
	b.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("outbox worker shutdown complete")
}

// buildAdapter constructs the storage adapter config.Backend selects,
// plus a func that releases its underlying connection/pool on
// shutdown.
func buildAdapter(ctx context.Context, cfg config.Config, logger *zap.Logger) (outbox.Outbox, func(), error) {
	switch cfg.Backend {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.GetDBSource())
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		poolCfg.MaxConns = cfg.GetDBMaxConns()
		poolCfg.MinConns = cfg.GetDBMinConns()
		poolCfg.MaxConnLifetime = cfg.GetDBMaxConnLifetime()
		poolCfg.MaxConnIdleTime = cfg.GetDBMaxConnIdleTime()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}

		adapter := postgres.New(pool, postgres.Config{
			PollIntervalMs:    cfg.OutboxPollIntervalMs,
			BatchSize:         cfg.OutboxBatchSize,
			MaxRetries:        cfg.OutboxMaxRetries,
			BaseBackoffMs:     cfg.OutboxBaseBackoffMs,
			MaxErrorBackoffMs: cfg.OutboxMaxErrorBackoffMs,
			ExpireInSeconds:   cfg.GetOutboxExpireInSeconds(),
		})
		return adapter, pool.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		adapter := redisqueue.New(client, redisqueue.Config{
			PollIntervalMs:    cfg.OutboxPollIntervalMs,
			BatchSize:         cfg.OutboxBatchSize,
			MaxRetries:        cfg.OutboxMaxRetries,
			BaseBackoffMs:     cfg.OutboxBaseBackoffMs,
			MaxErrorBackoffMs: cfg.OutboxMaxErrorBackoffMs,
			ExpireInSeconds:   cfg.GetOutboxExpireInSeconds(),
		})
		return adapter, func() { _ = client.Close() }, nil

	case "memory", "":
		logger.Warn("OUTBOX_BACKEND unset or \"memory\": using the in-process reference adapter, not durable across restarts")
		adapter := memory.New(memory.Config{
			PollIntervalMs: cfg.OutboxPollIntervalMs,
			MaxRetries:     cfg.OutboxMaxRetries,
		})
		return adapter, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown OUTBOX_BACKEND %q", cfg.Backend)
	}
}

// buildSender constructs the publish.BatchSender config.Transport
// selects, plus a func that releases its underlying connection on
// shutdown.
func buildSender(cfg config.Config) (publish.BatchSender, func(), error) {
	switch cfg.Transport {
	case "rabbitmq":
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		sender, err := rabbitmq.New(conn, rabbitmq.Config{
			Exchange:   cfg.RabbitExchange,
			RoutingKey: "outbox.event",
		})
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("build rabbitmq sender: %w", err)
		}
		return sender, func() { _ = conn.Close() }, nil

	case "redisstream", "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sender := redisstream.New(client, redisstream.Config{Stream: cfg.RedisStream})
		return sender, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown PUBLISH_TRANSPORT %q", cfg.Transport)
	}
}

// metricsMiddleware times the full downstream chain (next blocks
// until it completes) and counts this middleware's own outcome. It
// cannot observe a downstream handler's error or drop directly since
// bus.Next carries no return value by design; handler errors are
// counted by the Postgres and Redis adapters via PublishErrorsTotal,
// and drops by the bus's OnDrop hook via MiddlewareDropsTotal.
func metricsMiddleware(m *metrics.Metrics) bus.Middleware {
	return func(ctx *bus.Ctx, next bus.Next) error {
		start := time.Now()
		next()
		m.DispatchDuration.Observe(time.Since(start).Seconds())
		m.DispatchTotal.WithLabelValues("ok").Inc()
		return nil
	}
}
