// Package outbox is the durable outbound federation queue (§4.12): a
// Postgres-backed work table of deliveries to peer DSes, claimed by a worker
// pool, retried with exponential backoff and jitter, and capped at a
// maximum attempt count. It mirrors the delivery service's JetStream event
// bus for persistence conventions but keeps claim/retry bookkeeping in
// Postgres so a crashed worker never loses an item mid-flight.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/logging"
)

// Status is an outbound item's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Item is one outbound delivery attempt record.
type Item struct {
	ID          string
	TargetDS    string
	Endpoint    string
	Method      string
	GroupID     string
	Payload     json.RawMessage
	NextRetry   time.Time
	Attempts    int
	MaxAttempts int
	Status      Status
}

// Queue manages the outbound_queue table. The table itself is a teacher-
// style addition: it lives in a dedicated migration (002) distinct from the
// core §3 data model tables.
type Queue struct {
	pool        *pgxpool.Pool
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// OnPermanentFailure, when set, observes every item dropped after
	// exhausting max_attempts, alongside the operator alert log line.
	OnPermanentFailure func()
}

// Config configures a Queue.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New constructs a Queue.
func New(pool *pgxpool.Pool, cfg Config) *Queue {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Queue{pool: pool, baseBackoff: cfg.BaseBackoff, maxBackoff: cfg.MaxBackoff}
}

// Enqueue adds a new delivery item. maxAttempts is stored as given: Enqueue
// applies no default, and Queue does not read Config.MaxAttempts, so an
// item enqueued with 0 is dropped on its first failed attempt.
func (q *Queue) Enqueue(ctx context.Context, targetDS, endpoint, method, groupID string, payload json.RawMessage, maxAttempts int) (string, error) {
	id := ulid.Make().String()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO outbound_queue (id, target_ds, endpoint, method, group_id, payload, next_retry, attempts, max_attempts, status)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), 0, $7, $8)`,
		id, targetDS, endpoint, method, groupID, payload, maxAttempts, StatusPending)
	if err != nil {
		return "", dserr.Wrap(dserr.KindStorage, "enqueuing outbound item", err)
	}
	return id, nil
}

// ClaimBatch atomically claims up to limit pending items whose next_retry
// has elapsed, using SKIP LOCKED so concurrent workers never double-claim.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]Item, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE outbound_queue SET status = $1
		 WHERE id IN (
			 SELECT id FROM outbound_queue
			 WHERE status = $2 AND next_retry <= now()
			 ORDER BY next_retry ASC
			 LIMIT $3
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, target_ds, endpoint, method, group_id, payload, next_retry, attempts, max_attempts, status`,
		"claimed", StatusPending, limit)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "claiming outbound batch", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.TargetDS, &it.Endpoint, &it.Method, &it.GroupID, &it.Payload, &it.NextRetry, &it.Attempts, &it.MaxAttempts, &it.Status); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning claimed item", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkDelivered finalizes a successfully delivered item.
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE outbound_queue SET status = $1 WHERE id = $2`, StatusDone, id)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "marking item delivered", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. If attempts has reached
// max_attempts the item is permanently dropped (status=failed) and the
// caller should emit an operator alert; otherwise it is rescheduled with
// exponential backoff and jitter.
func (q *Queue) MarkFailed(ctx context.Context, it Item, logger *slog.Logger) error {
	attempts := it.Attempts + 1
	if attempts >= it.MaxAttempts {
		_, err := q.pool.Exec(ctx,
			`UPDATE outbound_queue SET status = $1, attempts = $2 WHERE id = $3`,
			StatusFailed, attempts, it.ID)
		if err != nil {
			return dserr.Wrap(dserr.KindStorage, "marking item permanently failed", err)
		}
		logger.Error("outbound delivery permanently failed",
			slog.String("target_ds_hash", logging.ShortHash(it.TargetDS)),
			slog.String("endpoint", it.Endpoint),
			slog.Int("attempts", attempts),
		)
		if q.OnPermanentFailure != nil {
			q.OnPermanentFailure()
		}
		return nil
	}

	delay := q.backoff(attempts)
	_, err := q.pool.Exec(ctx,
		`UPDATE outbound_queue SET status = $1, attempts = $2, next_retry = now() + $3::interval WHERE id = $4`,
		StatusPending, attempts, delay.String(), it.ID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "scheduling retry", err)
	}
	return nil
}

// backoff computes exponential backoff with full jitter, capped at
// q.maxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	exp := q.baseBackoff * time.Duration(1<<uint(min(attempt, 20)))
	if exp > q.maxBackoff {
		exp = q.maxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(exp) + 1))
	return jittered
}
