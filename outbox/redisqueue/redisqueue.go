// Package redisqueue implements the outbox.Outbox contract on a
// single Redis keyspace using two sorted sets (pending/processing)
// plus a JSON string key per record, following the KV-with-sorted-set
// design called out in the spec: claiming pops eligible ids by score
// via an atomic Lua script and re-scores them into processing with
// score = now + lease, standing in for the Postgres adapter's
// SELECT ... FOR UPDATE SKIP LOCKED claim in a backend with no row
// locks. Grounded on the teacher's go-redis usage in
// internal/outbox/publisher.go for client shape and context plumbing.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/metrics"
	"github.com/dunika/outbox-event-bus/outbox"
	"github.com/dunika/outbox-event-bus/outboxerr"
	"github.com/dunika/outbox-event-bus/polling"
)

// Config tunes the adapter.
type Config struct {
	KeyPrefix         string
	PollIntervalMs    int
	BatchSize         int
	MaxRetries        int
	BaseBackoffMs     int
	MaxErrorBackoffMs int
	ExpireInSeconds   int

	// Metrics receives poll/settle instrumentation. Defaults to
	// metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "outbox"
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoffMs <= 0 {
		c.BaseBackoffMs = 1000
	}
	if c.MaxErrorBackoffMs <= 0 {
		c.MaxErrorBackoffMs = 30_000
	}
	if c.ExpireInSeconds <= 0 {
		c.ExpireInSeconds = 30
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultMetrics
	}
}

// record is the JSON-encoded view of a stored event, kept under
// recordKey.
type record struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    []byte         `json:"payload"`
	Metadata   event.Metadata `json:"metadata"`
	OccurredAt time.Time      `json:"occurredAt"`
	RetryCount int            `json:"retryCount"`
	LastError  string         `json:"lastError"`
}

// claimScript atomically pops up to ARGV[2] ids whose score is <= now
// from both the pending zset (KEYS[1]) and the processing zset
// (KEYS[2], i.e. stuck leases), and re-scores every popped id into
// the processing zset with score = now + leaseSeconds.
const claimScript = `
local pending = KEYS[1]
local processing = KEYS[2]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local deadline = tonumber(ARGV[3])

local ids = {}
local fromPending = redis.call('ZRANGEBYSCORE', pending, '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(fromPending) do
  redis.call('ZREM', pending, id)
  table.insert(ids, id)
end

local remaining = limit - #ids
if remaining > 0 then
  local fromProcessing = redis.call('ZRANGEBYSCORE', processing, '-inf', now, 'LIMIT', 0, remaining)
  for _, id in ipairs(fromProcessing) do
    table.insert(ids, id)
  end
end

for _, id in ipairs(ids) do
  redis.call('ZADD', processing, deadline, id)
end

return ids
`

// Outbox is the Redis sorted-set outbox.Outbox implementation.
type Outbox struct {
	client *redis.Client
	cfg    Config
	claim  *redis.Script

	handler event.Handler
	onError event.ErrorSink
	poller  *polling.Service
}

// New builds a Redis-backed Outbox over client.
func New(client *redis.Client, cfg Config) *Outbox {
	cfg.setDefaults()
	return &Outbox{client: client, cfg: cfg, claim: redis.NewScript(claimScript)}
}

var _ outbox.Outbox = (*Outbox)(nil)

func (o *Outbox) pendingKey() string    { return o.cfg.KeyPrefix + ":pending" }
func (o *Outbox) processingKey() string { return o.cfg.KeyPrefix + ":processing" }
func (o *Outbox) failedKey() string     { return o.cfg.KeyPrefix + ":failed" }
func (o *Outbox) recordKey(id string) string {
	return fmt.Sprintf("%s:record:%s", o.cfg.KeyPrefix, id)
}

// Publish writes each event's hash and adds it to pending at score 0
// (immediately eligible), matching outbox.Eligible's StatusCreated
// branch. tx is ignored: Redis has no notion of the caller's own
// transaction, so publish is always its own atomic pipeline.
func (o *Outbox) Publish(ctx context.Context, events []event.Event, _ outbox.Tx) error {
	if len(events) == 0 {
		return nil
	}

	pipe := o.client.TxPipeline()
	for _, e := range events {
		rec := record{ID: e.ID, Type: e.Type, Payload: e.Payload, Metadata: e.Metadata, OccurredAt: e.OccurredAt}
		data, err := json.Marshal(rec)
		if err != nil {
			return outboxerr.NewOperationalError("marshal outbox record", err)
		}
		pipe.Set(ctx, o.recordKey(e.ID), data, 0)
		pipe.ZAdd(ctx, o.pendingKey(), redis.Z{Score: 0, Member: e.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return outboxerr.NewOperationalError("publish events", err)
	}
	return nil
}

// Start installs handler/onError and begins polling.
func (o *Outbox) Start(handler event.Handler, onError event.ErrorSink) {
	o.handler = handler
	o.onError = onError

	if o.poller == nil {
		o.poller = polling.New(polling.Config{
			PollIntervalMs:    o.cfg.PollIntervalMs,
			BaseBackoffMs:     o.cfg.BaseBackoffMs,
			MaxErrorBackoffMs: o.cfg.MaxErrorBackoffMs,
			ProcessBatch:      o.pollOnce,
		})
	}
	o.poller.Start()
}

// Stop halts polling.
func (o *Outbox) Stop() {
	if o.poller != nil {
		o.poller.Stop()
	}
}

func (o *Outbox) pollOnce() error {
	start := time.Now()
	defer func() { o.cfg.Metrics.ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	ctx := context.Background()
	now := time.Now()
	deadline := now.Add(time.Duration(o.cfg.ExpireInSeconds) * time.Second)

	res, err := o.claim.Run(ctx, o.client,
		[]string{o.pendingKey(), o.processingKey()},
		now.Unix(), o.cfg.BatchSize, deadline.Unix()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return outboxerr.NewOperationalError("claim batch", err)
	}

	ids, _ := res.([]any)
	if len(ids) == 0 {
		return nil
	}
	o.cfg.Metrics.BatchSize.Observe(float64(len(ids)))
	o.cfg.Metrics.PendingCount.Set(float64(len(ids)))

	for _, raw := range ids {
		id, _ := raw.(string)
		if err := o.processOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) processOne(ctx context.Context, id string) error {
	data, err := o.client.Get(ctx, o.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Record was settled and its key removed by a racing worker;
		// drop the stale id from processing and move on.
		o.client.ZRem(ctx, o.processingKey(), id)
		return nil
	}
	if err != nil {
		return outboxerr.NewOperationalError("load outbox record", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return outboxerr.NewOperationalError("unmarshal outbox record", err)
	}

	e := event.Event{ID: rec.ID, Type: rec.Type, Payload: rec.Payload, OccurredAt: rec.OccurredAt, Metadata: rec.Metadata}
	handlerErr := o.invokeHandler(e)
	if handlerErr == nil {
		return o.settleSuccess(ctx, id)
	}
	return o.settleFailure(ctx, rec, handlerErr)
}

func (o *Outbox) invokeHandler(e event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
		}
	}()
	if o.handler == nil {
		return nil
	}
	return o.handler(e)
}

func (o *Outbox) settleSuccess(ctx context.Context, id string) error {
	pipe := o.client.TxPipeline()
	pipe.ZRem(ctx, o.processingKey(), id)
	pipe.Del(ctx, o.recordKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return outboxerr.NewOperationalError("settle completed event", err)
	}
	o.cfg.Metrics.ProcessedTotal.Inc()
	return nil
}

func (o *Outbox) settleFailure(ctx context.Context, rec record, cause error) error {
	o.cfg.Metrics.PublishErrorsTotal.Inc()
	rec.RetryCount++
	rec.LastError = cause.Error()
	data, err := json.Marshal(rec)
	if err != nil {
		return outboxerr.NewOperationalError("marshal outbox record", err)
	}

	pipe := o.client.TxPipeline()
	pipe.Set(ctx, o.recordKey(rec.ID), data, 0)
	pipe.ZRem(ctx, o.processingKey(), rec.ID)

	if rec.RetryCount > o.cfg.MaxRetries {
		pipe.SAdd(ctx, o.failedKey(), rec.ID)
		o.cfg.Metrics.DLQTotal.Inc()
	} else {
		nextRetryAt := time.Now().Add(backoffFor(o.cfg.BaseBackoffMs, rec.RetryCount))
		pipe.ZAdd(ctx, o.pendingKey(), redis.Z{Score: float64(nextRetryAt.Unix()), Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return outboxerr.NewOperationalError("schedule event retry", err)
	}

	if o.onError == nil {
		return nil
	}
	e := event.Event{ID: rec.ID, Type: rec.Type}
	if rec.RetryCount > o.cfg.MaxRetries {
		o.onError(outboxerr.NewMaxRetriesExceeded(rec.ID, rec.Type, rec.RetryCount, cause), &e)
	} else {
		o.onError(outboxerr.NewHandlerError(rec.ID, rec.Type, cause), &e)
	}
	return nil
}

// backoffFor mirrors the Postgres adapter's exponential formula.
func backoffFor(baseMs, retryCount int) time.Duration {
	if retryCount <= 0 {
		return time.Duration(baseMs) * time.Millisecond
	}
	return time.Duration(baseMs) * time.Millisecond * time.Duration(1<<uint(retryCount-1))
}

// GetFailedEvents returns every record in the failed set.
func (o *Outbox) GetFailedEvents(ctx context.Context) ([]event.FailedEvent, error) {
	ids, err := o.client.SMembers(ctx, o.failedKey()).Result()
	if err != nil {
		return nil, outboxerr.NewOperationalError("list failed events", err)
	}

	var out []event.FailedEvent
	for _, id := range ids {
		data, err := o.client.Get(ctx, o.recordKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, outboxerr.NewOperationalError("load failed event", err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, outboxerr.NewOperationalError("unmarshal failed event", err)
		}
		out = append(out, event.FailedEvent{
			Event: event.Event{ID: rec.ID, Type: rec.Type, Payload: rec.Payload, OccurredAt: rec.OccurredAt, Metadata: rec.Metadata},
			RetryCount: rec.RetryCount,
			Error:      rec.LastError,
		})
	}
	return out, nil
}

// RetryEvents resets each matching failed record back to pending.
func (o *Outbox) RetryEvents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		data, err := o.client.Get(ctx, o.recordKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return outboxerr.NewOperationalError("load event for retry", err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return outboxerr.NewOperationalError("unmarshal event for retry", err)
		}
		rec.RetryCount = 0
		rec.LastError = ""
		newData, err := json.Marshal(rec)
		if err != nil {
			return outboxerr.NewOperationalError("marshal reset event", err)
		}

		pipe := o.client.TxPipeline()
		pipe.Set(ctx, o.recordKey(id), newData, 0)
		pipe.SRem(ctx, o.failedKey(), id)
		pipe.ZAdd(ctx, o.pendingKey(), redis.Z{Score: 0, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return outboxerr.NewOperationalError("retry event", err)
		}
	}
	return nil
}
