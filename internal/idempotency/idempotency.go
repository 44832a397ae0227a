// Package idempotency caches write-endpoint responses keyed by
// (caller_did, endpoint, client key) so a retried request with the same
// idempotencyKey returns the original response rather than repeating the
// effect. Only 2xx and 4xx responses are cached; 5xx responses are not, so
// transient failures remain retryable.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// Entry is a cached response.
type Entry struct {
	StatusCode int
	Body       []byte
}

// Cache is the caller-scoped idempotency cache.
type Cache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// New constructs a Cache with the given default entry TTL.
func New(pool *pgxpool.Pool, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{pool: pool, ttl: ttl}
}

// Lookup returns the cached entry for (callerDID, endpoint, clientKey), if
// any and not expired.
func (c *Cache) Lookup(ctx context.Context, callerDID, endpoint, clientKey string) (Entry, bool, error) {
	var e Entry
	err := c.pool.QueryRow(ctx,
		`SELECT status_code, response_body FROM idempotency_cache
		 WHERE caller_did = $1 AND endpoint = $2 AND client_key = $3 AND expires_at > now()`,
		callerDID, endpoint, clientKey,
	).Scan(&e.StatusCode, &e.Body)
	if err == pgx.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, dserr.Wrap(dserr.KindStorage, "looking up idempotency cache", err)
	}
	return e, true, nil
}

// Store records a response for future Lookup calls. Callers should only
// invoke this for 2xx/4xx responses; see package doc.
func (c *Cache) Store(ctx context.Context, callerDID, endpoint, clientKey string, statusCode int, body []byte) error {
	if statusCode >= 500 {
		return nil
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO idempotency_cache (caller_did, endpoint, client_key, status_code, response_body, expires_at)
		 VALUES ($1, $2, $3, $4, $5, now() + $6::interval)
		 ON CONFLICT (caller_did, endpoint, client_key)
		 DO UPDATE SET status_code = $4, response_body = $5, expires_at = now() + $6::interval`,
		callerDID, endpoint, clientKey, statusCode, body, c.ttl.String())
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "storing idempotency cache entry", err)
	}
	return nil
}

// PurgeExpired deletes up to limit expired rows and reports how many were
// removed; callers run this from a periodic background task.
func (c *Cache) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM idempotency_cache WHERE ctid IN (
			SELECT ctid FROM idempotency_cache WHERE expires_at <= now() LIMIT $1
		 )`, limit)
	if err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "purging expired idempotency rows", err)
	}
	return tag.RowsAffected(), nil
}

// RunCleanup purges expired rows every interval until ctx is cancelled, in
// bounded batches of batchSize. It blocks; callers run it in its own
// goroutine.
func (c *Cache) RunCleanup(ctx context.Context, interval time.Duration, batchSize int, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.PurgeExpired(ctx, batchSize)
			if err != nil {
				logger.Error("idempotency cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired idempotency entries", slog.Int64("count", n))
			}
		}
	}
}
