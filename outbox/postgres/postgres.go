// Package postgres implements the outbox.Outbox contract on top of
// PostgreSQL via pgx, using SELECT ... FOR UPDATE SKIP LOCKED for
// claiming and a dedicated archive table for completed records.
// Grounded on the teacher's internal/outbox/processor.go, generalized
// from its sqlc-generated repository.Queries calls into hand-written
// SQL against a schema this package owns (see ../../migrations).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dunika/outbox-event-bus/event"
	"github.com/dunika/outbox-event-bus/metrics"
	"github.com/dunika/outbox-event-bus/outbox"
	"github.com/dunika/outbox-event-bus/outboxerr"
	"github.com/dunika/outbox-event-bus/polling"
)

// Config tunes the adapter. Zero values fall back to the defaults in
// setDefaults (batch size 50, 5 retries, 1s poll interval and base
// backoff, 30s error-backoff cap, 30s claim lease).
type Config struct {
	PollIntervalMs    int
	BatchSize         int
	MaxRetries        int
	BaseBackoffMs     int
	MaxErrorBackoffMs int
	WorkerCount       int
	ExpireInSeconds   int // claim lease duration for StatusActive rows

	// Metrics receives poll/settle instrumentation. Defaults to
	// metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
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
	if c.WorkerCount <= 0 {
		c.WorkerCount = 10
	}
	if c.ExpireInSeconds <= 0 {
		c.ExpireInSeconds = 30
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultMetrics
	}
}

// Outbox is the Postgres-backed outbox.Outbox implementation.
type Outbox struct {
	pool *pgxpool.Pool
	cfg  Config

	handler event.Handler
	onError event.ErrorSink
	poller  *polling.Service
}

// New builds a Postgres-backed Outbox over pool. Run migrations (see
// ../../migrations) before first use.
func New(pool *pgxpool.Pool, cfg Config) *Outbox {
	cfg.setDefaults()
	return &Outbox{pool: pool, cfg: cfg}
}

var _ outbox.Outbox = (*Outbox)(nil)

// Publish inserts events as created rows. If tx carries a pgx.Tx the
// insert joins the caller's transaction; otherwise a dedicated
// transaction is used so a multi-row batch is atomic on its own.
func (o *Outbox) Publish(ctx context.Context, events []event.Event, tx outbox.Tx) error {
	if len(events) == 0 {
		return nil
	}

	if pt, ok := tx.(pgx.Tx); ok {
		return insertBatch(ctx, pt, events)
	}

	ptx, err := o.pool.Begin(ctx)
	if err != nil {
		return outboxerr.NewOperationalError("begin publish transaction", err)
	}
	defer func() { _ = ptx.Rollback(ctx) }()

	if err := insertBatch(ctx, ptx, events); err != nil {
		return err
	}
	if err := ptx.Commit(ctx); err != nil {
		return outboxerr.NewOperationalError("commit publish transaction", err)
	}
	return nil
}

func insertBatch(ctx context.Context, tx pgx.Tx, events []event.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return outboxerr.NewOperationalError("marshal event metadata", err)
		}
		batch.Queue(`
			INSERT INTO outbox (id, type, payload, metadata, occurred_at, status, retry_count, created_on)
			VALUES ($1, $2, $3, $4, $5, 'created', 0, now())
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Type, e.Payload, metadataJSON, e.OccurredAt)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return outboxerr.NewOperationalError("insert outbox row", err)
		}
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

// Stop halts polling and waits for the in-flight batch to finish.
func (o *Outbox) Stop() {
	if o.poller != nil {
		o.poller.Stop()
	}
}

type claimedRow struct {
	id         string
	typ        string
	payload    []byte
	metadata   []byte
	occurredAt time.Time
	retryCount int
}

// pollOnce claims one batch under FOR UPDATE SKIP LOCKED, then, one
// row at a time, invokes the handler and settles that row, all within
// the claiming transaction.
func (o *Outbox) pollOnce() error {
	start := time.Now()
	defer func() { o.cfg.Metrics.ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	ctx := context.Background()
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return outboxerr.NewOperationalError("begin poll transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, type, payload, metadata, occurred_at, retry_count
		FROM outbox
		WHERE (status = 'created')
		   OR (status = 'failed' AND retry_count <= $1 AND next_retry_at <= now())
		   OR (status = 'active' AND keep_alive + (expire_in_seconds || ' seconds')::interval < now())
		ORDER BY occurred_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.cfg.MaxRetries, o.cfg.BatchSize)
	if err != nil {
		return outboxerr.NewOperationalError("claim outbox batch", err)
	}

	var claimed []claimedRow
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.id, &r.typ, &r.payload, &r.metadata, &r.occurredAt, &r.retryCount); err != nil {
			rows.Close()
			return outboxerr.NewOperationalError("scan outbox row", err)
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return outboxerr.NewOperationalError("iterate outbox rows", err)
	}

	if len(claimed) == 0 {
		return nil
	}
	o.cfg.Metrics.BatchSize.Observe(float64(len(claimed)))
	o.cfg.Metrics.PendingCount.Set(float64(len(claimed)))

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'active', started_on = now(), keep_alive = now(), expire_in_seconds = $2
		WHERE id = ANY($1)`, idsOf(claimed), o.cfg.ExpireInSeconds); err != nil {
		return outboxerr.NewOperationalError("mark batch active", err)
	}

	for _, row := range claimed {
		var meta event.Metadata
		_ = json.Unmarshal(row.metadata, &meta)

		e := event.Event{ID: row.id, Type: row.typ, Payload: row.payload, OccurredAt: row.occurredAt, Metadata: meta}
		if handlerErr := o.invokeHandler(e); handlerErr != nil {
			if err := o.settleFailure(ctx, tx, row, handlerErr); err != nil {
				return err
			}
			continue
		}
		if err := o.settleSuccess(ctx, tx, row.id); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return outboxerr.NewOperationalError("commit poll transaction", err)
	}
	return nil
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

func (o *Outbox) settleSuccess(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'completed', completed_on = now() WHERE id = $1`, id); err != nil {
		return outboxerr.NewOperationalError("mark event completed", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox_archive SELECT *, now() FROM outbox WHERE id = $1`, id); err != nil {
		return outboxerr.NewOperationalError("archive completed event", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return outboxerr.NewOperationalError("delete archived event", err)
	}
	o.cfg.Metrics.ProcessedTotal.Inc()
	return nil
}

func (o *Outbox) settleFailure(ctx context.Context, tx pgx.Tx, row claimedRow, cause error) error {
	newRetryCount := row.retryCount + 1
	o.cfg.Metrics.PublishErrorsTotal.Inc()

	if newRetryCount > o.cfg.MaxRetries {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'failed', retry_count = $2, last_error = $3 WHERE id = $1`,
			row.id, newRetryCount, cause.Error()); err != nil {
			return outboxerr.NewOperationalError("mark event permanently failed", err)
		}
		o.cfg.Metrics.DLQTotal.Inc()
		if o.onError != nil {
			e := event.Event{ID: row.id, Type: row.typ}
			o.onError(outboxerr.NewMaxRetriesExceeded(row.id, row.typ, newRetryCount, cause), &e)
		}
		return nil
	}

	backoff := backoffFor(o.cfg.BaseBackoffMs, newRetryCount)
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'failed', retry_count = $2, last_error = $3,
		next_retry_at = now() + ($4 || ' milliseconds')::interval WHERE id = $1`,
		row.id, newRetryCount, cause.Error(), backoff.Milliseconds()); err != nil {
		return outboxerr.NewOperationalError("schedule event retry", err)
	}
	if o.onError != nil {
		e := event.Event{ID: row.id, Type: row.typ}
		o.onError(outboxerr.NewHandlerError(row.id, row.typ, cause), &e)
	}
	return nil
}

// backoffFor mirrors processor.go's calculateBackoff: base * 2^(n-1).
func backoffFor(baseMs, retryCount int) time.Duration {
	if retryCount <= 0 {
		return time.Duration(baseMs) * time.Millisecond
	}
	return time.Duration(baseMs) * time.Millisecond * time.Duration(1<<uint(retryCount-1))
}

func idsOf(rows []claimedRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids
}

// GetFailedEvents returns failed rows most-recent-first.
func (o *Outbox) GetFailedEvents(ctx context.Context) ([]event.FailedEvent, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, type, payload, metadata, occurred_at, retry_count, last_error, started_on
		FROM outbox WHERE status = 'failed' ORDER BY occurred_at DESC`)
	if err != nil {
		return nil, outboxerr.NewOperationalError("query failed events", err)
	}
	defer rows.Close()

	var out []event.FailedEvent
	for rows.Next() {
		var (
			id, typ, lastError string
			payload, metadata  []byte
			occurredAt         time.Time
			retryCount         int
			startedOn          *time.Time
		)
		if err := rows.Scan(&id, &typ, &payload, &metadata, &occurredAt, &retryCount, &lastError, &startedOn); err != nil {
			return nil, outboxerr.NewOperationalError("scan failed event", err)
		}
		var meta event.Metadata
		_ = json.Unmarshal(metadata, &meta)

		fe := event.FailedEvent{
			Event:      event.Event{ID: id, Type: typ, Payload: payload, OccurredAt: occurredAt, Metadata: meta},
			RetryCount: retryCount,
			Error:      lastError,
		}
		if startedOn != nil {
			fe.LastAttemptAt = *startedOn
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// RetryEvents resets matching rows back to created.
func (o *Outbox) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox SET status = 'created', retry_count = 0, last_error = '', next_retry_at = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return outboxerr.NewOperationalError("retry events", err)
	}
	return nil
}
