package peerpolicy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CounterBatcher accumulates per-peer behavior counters in memory and
// flushes them to federation_peers on an interval, so the hot DS-to-DS
// request path never pays a counter UPDATE per call.
type CounterBatcher struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCounters
}

type pendingCounters struct {
	successful   int64
	rejected     int64
	invalidToken int64
	sawTraffic   bool
}

// NewCounterBatcher constructs a CounterBatcher over store.
func NewCounterBatcher(store *Store, logger *slog.Logger) *CounterBatcher {
	return &CounterBatcher{
		store:   store,
		logger:  logger,
		pending: make(map[string]*pendingCounters),
	}
}

func (b *CounterBatcher) bucket(peerDID string) *pendingCounters {
	p, ok := b.pending[peerDID]
	if !ok {
		p = &pendingCounters{}
		b.pending[peerDID] = p
	}
	return p
}

// Success records one successful call from peerDID.
func (b *CounterBatcher) Success(peerDID string) {
	b.mu.Lock()
	p := b.bucket(peerDID)
	p.successful++
	p.sawTraffic = true
	b.mu.Unlock()
}

// Rejected records one rejected call from peerDID.
func (b *CounterBatcher) Rejected(peerDID string) {
	b.mu.Lock()
	b.bucket(peerDID).rejected++
	b.mu.Unlock()
}

// InvalidToken records one token-verification failure attributed to peerDID.
func (b *CounterBatcher) InvalidToken(peerDID string) {
	b.mu.Lock()
	b.bucket(peerDID).invalidToken++
	b.mu.Unlock()
}

// Flush writes all accumulated counters to storage and clears the buffer.
func (b *CounterBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]*pendingCounters)
	b.mu.Unlock()

	for did, p := range batch {
		_, err := b.store.pool.Exec(ctx,
			`INSERT INTO federation_peers (peer_did, successful, rejected, invalid_token, last_seen)
			 VALUES ($1, $2, $3, $4, CASE WHEN $5 THEN now() ELSE NULL END)
			 ON CONFLICT (peer_did) DO UPDATE SET
			   successful = federation_peers.successful + $2,
			   rejected = federation_peers.rejected + $3,
			   invalid_token = federation_peers.invalid_token + $4,
			   last_seen = CASE WHEN $5 THEN now() ELSE federation_peers.last_seen END`,
			did, p.successful, p.rejected, p.invalidToken, p.sawTraffic)
		if err != nil {
			b.logger.Error("flushing peer counters failed", slog.String("error", err.Error()))
		}
	}
}

// Run flushes every interval until ctx is cancelled, with one final flush on
// the way out.
func (b *CounterBatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
