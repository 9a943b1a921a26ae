// Package config loads process configuration with viper, adapted
// from the teacher's internal/config/config.go: same mapstructure
// field-tagging, explicit BindEnv-per-field list, and Get* accessors
// that fall back to a documented default and log a warning rather
// than fail the process over a bad knob.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultPollIntervalMs    = 1000
	DefaultBatchSize         = 50
	DefaultMaxRetries        = 5
	DefaultBaseBackoffMs     = 1000
	DefaultMaxErrorBackoffMs = 30_000
	DefaultExpireInSeconds   = 30
	DefaultMetricsPort       = 9090
)

// Config holds every knob the outbox-worker entrypoint needs.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`

	// Backend selects the storage adapter: "postgres", "redis", or
	// "memory" (for local/dev runs with no durable store).
	Backend string `mapstructure:"OUTBOX_BACKEND"`

	DBSource   string `mapstructure:"DB_SOURCE"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	DBMaxConns    int32 `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32 `mapstructure:"DB_MIN_CONNS"`
	DBMaxConnLife int   `mapstructure:"DB_MAX_CONN_LIFE_MINUTES"`
	DBMaxConnIdle int   `mapstructure:"DB_MAX_CONN_IDLE_MINUTES"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// Transport selects the downstream publish transport:
	// "redisstream" or "rabbitmq".
	Transport      string `mapstructure:"PUBLISH_TRANSPORT"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RabbitExchange string `mapstructure:"RABBITMQ_EXCHANGE"`
	RedisStream    string `mapstructure:"REDIS_STREAM"`

	// PublishEventTypes is a comma-separated list of event types the
	// EventPublisher relays downstream; see GetPublishEventTypes.
	PublishEventTypes string `mapstructure:"PUBLISH_EVENT_TYPES"`

	OutboxPollIntervalMs    int `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize         int `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries        int `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxBaseBackoffMs     int `mapstructure:"OUTBOX_BASE_BACKOFF_MS"`
	OutboxMaxErrorBackoffMs int `mapstructure:"OUTBOX_MAX_ERROR_BACKOFF_MS"`

	// OutboxProcessingTimeoutMs is the claim lease duration, in
	// milliseconds, before a stuck "active" record is reclaimed by
	// another worker. Adapters take it in seconds (ExpireInSeconds);
	// GetOutboxExpireInSeconds does the conversion.
	OutboxProcessingTimeoutMs int `mapstructure:"OUTBOX_PROCESSING_TIMEOUT_MS"`

	// BusMiddlewareConcurrency bounds Bus.EmitMany's fan-out over the
	// emit pipeline; see bus.Config.MiddlewareConcurrency.
	BusMiddlewareConcurrency int `mapstructure:"BUS_MIDDLEWARE_CONCURRENCY"`

	MetricsPort int `mapstructure:"METRICS_PORT"`
}

// GetDBSource mirrors the teacher's GetDBSource: prefer discrete
// components over the legacy DB_SOURCE string.
func (c *Config) GetDBSource() string {
	if c.DBHost != "" {
		encodedPassword := url.QueryEscape(c.DBPassword)
		sslMode := c.DBSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		port := c.DBPort
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			c.DBUser, encodedPassword, c.DBHost, port, c.DBName, sslMode)
	}
	return c.DBSource
}

// GetDBMaxConns returns the pool's max connections (default 25).
func (c *Config) GetDBMaxConns() int32 {
	if c.DBMaxConns <= 0 {
		return 25
	}
	return c.DBMaxConns
}

// GetDBMinConns returns the pool's min connections (default 5).
func (c *Config) GetDBMinConns() int32 {
	if c.DBMinConns <= 0 {
		return 5
	}
	return c.DBMinConns
}

// GetDBMaxConnLifetime returns the pool's max connection lifetime
// (default 60 minutes).
func (c *Config) GetDBMaxConnLifetime() time.Duration {
	if c.DBMaxConnLife <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(c.DBMaxConnLife) * time.Minute
}

// GetDBMaxConnIdleTime returns the pool's max connection idle time
// (default 15 minutes).
func (c *Config) GetDBMaxConnIdleTime() time.Duration {
	if c.DBMaxConnIdle <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.DBMaxConnIdle) * time.Minute
}

// GetOutboxPollInterval returns the poll interval, warning and
// falling back to DefaultPollIntervalMs if misconfigured.
func (c *Config) GetOutboxPollInterval(logger *zap.Logger) time.Duration {
	if c.OutboxPollIntervalMs <= 0 {
		warn(logger, "OUTBOX_POLL_INTERVAL_MS", c.OutboxPollIntervalMs, DefaultPollIntervalMs)
		return time.Duration(DefaultPollIntervalMs) * time.Millisecond
	}
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}

// GetOutboxBatchSize returns the claim batch size, warning and
// falling back to DefaultBatchSize if misconfigured.
func (c *Config) GetOutboxBatchSize(logger *zap.Logger) int {
	if c.OutboxBatchSize <= 0 {
		warn(logger, "OUTBOX_BATCH_SIZE", c.OutboxBatchSize, DefaultBatchSize)
		return DefaultBatchSize
	}
	return c.OutboxBatchSize
}

// GetOutboxMaxRetries returns the retry budget, warning and falling
// back to DefaultMaxRetries if misconfigured.
func (c *Config) GetOutboxMaxRetries(logger *zap.Logger) int {
	if c.OutboxMaxRetries <= 0 {
		warn(logger, "OUTBOX_MAX_RETRIES", c.OutboxMaxRetries, DefaultMaxRetries)
		return DefaultMaxRetries
	}
	return c.OutboxMaxRetries
}

// GetOutboxExpireInSeconds converts OutboxProcessingTimeoutMs to
// seconds for adapters, falling back to DefaultExpireInSeconds when
// unset or non-positive.
func (c *Config) GetOutboxExpireInSeconds() int {
	if c.OutboxProcessingTimeoutMs <= 0 {
		return DefaultExpireInSeconds
	}
	seconds := c.OutboxProcessingTimeoutMs / 1000
	if seconds <= 0 {
		return 1
	}
	return seconds
}

// GetBusMiddlewareConcurrency returns the emit fan-out bound,
// defaulting to bus.Config's own default (10) when unset.
func (c *Config) GetBusMiddlewareConcurrency() int {
	if c.BusMiddlewareConcurrency <= 0 {
		return 10
	}
	return c.BusMiddlewareConcurrency
}

// GetPublishEventTypes splits PublishEventTypes on commas, trimming
// whitespace and dropping empty entries.
func (c *Config) GetPublishEventTypes() []string {
	if c.PublishEventTypes == "" {
		return nil
	}
	parts := strings.Split(c.PublishEventTypes, ",")
	types := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			types = append(types, p)
		}
	}
	return types
}

// GetMetricsPort returns the metrics server port (default 9090).
func (c *Config) GetMetricsPort() int {
	if c.MetricsPort <= 0 {
		return DefaultMetricsPort
	}
	return c.MetricsPort
}

func warn(logger *zap.Logger, key string, configured, fallback int) {
	if logger == nil {
		return
	}
	logger.Warn("invalid configuration value, using default",
		zap.String("key", key), zap.Int("configured", configured), zap.Int("default", fallback))
}

// LoadConfig reads app.env (if present) from path, then overlays
// environment variables, same two-layer precedence as the teacher.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("app")
	viper.SetConfigType("env")

	for _, key := range []string{
		"ENVIRONMENT", "OUTBOX_BACKEND",
		"DB_SOURCE", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_MAX_CONN_LIFE_MINUTES", "DB_MAX_CONN_IDLE_MINUTES",
		"REDIS_ADDR", "PUBLISH_TRANSPORT", "RABBITMQ_URL", "RABBITMQ_EXCHANGE", "REDIS_STREAM",
		"PUBLISH_EVENT_TYPES",
		"OUTBOX_POLL_INTERVAL_MS", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
		"OUTBOX_BASE_BACKOFF_MS", "OUTBOX_MAX_ERROR_BACKOFF_MS", "OUTBOX_PROCESSING_TIMEOUT_MS",
		"BUS_MIDDLEWARE_CONCURRENCY", "METRICS_PORT",
	} {
		_ = viper.BindEnv(key)
	}

	viper.AutomaticEnv()

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
