// Package ratelimit enforces the per-peer tokens-per-minute limit (§4.4)
// with a fixed-window counter in Redis, the same INCR-plus-expiry shape the
// delivery service uses for its other shared counters. Peer identity must
// already be canonicalized by the caller so "did:x" and "did:x#service"
// share one window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one more request fits inside the current window.
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (bool, error)
}

// RedisLimiter counts requests in Redis, one key per (subject, minute
// window). Windows expire on their own; a Redis outage fails open so
// federation traffic is not dropped by a cache blip.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments key's counter for the current minute window and reports
// whether the count is still within perMinute.
func (l *RedisLimiter) Allow(ctx context.Context, key string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}
	window := time.Now().UTC().Truncate(time.Minute).Unix()
	redisKey := "rl:" + key + ":" + itoa(window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	return incr.Val() <= int64(perMinute), nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// MemoryLimiter is the in-process fallback used by tests and single-node
// deployments that run without Redis.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		l.windows[key] = &window{start: now, count: 1}
		return true, nil
	}
	w.count++
	return w.count <= perMinute, nil
}
