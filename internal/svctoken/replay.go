package svctoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayStore backs ReplayStore with Redis SETNX, matching the
// auth_nonces table's (issuer, jti) keying. Entries expire on their own via
// the Redis TTL, so there is no background cleanup task for this store.
type RedisReplayStore struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayStore constructs a RedisReplayStore.
func NewRedisReplayStore(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, prefix: "svctoken:jti:"}
}

func (s *RedisReplayStore) SeenBefore(ctx context.Context, iss, jti string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", s.prefix, iss, jti)
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	// SetNX returns true when the key was newly set, i.e. not seen before.
	return !ok, nil
}

// MemoryReplayStore is an in-process ReplayStore for tests and for running
// a single-node instance without Redis.
type MemoryReplayStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayStore constructs an empty MemoryReplayStore.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{seen: make(map[string]time.Time)}
}

func (s *MemoryReplayStore) SeenBefore(ctx context.Context, iss, jti string, ttl time.Duration) (bool, error) {
	key := iss + ":" + jti
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return true, nil
	}
	s.seen[key] = now.Add(ttl)
	return false, nil
}

// Cleanup removes expired entries; callers should run it periodically.
func (s *MemoryReplayStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
}
