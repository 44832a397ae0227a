package outbox

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/catbird-social/mls-ds/internal/svctoken"
)

// Dispatcher performs the actual HTTPS delivery of a claimed Item to its
// target DS, minting a fresh service token scoped to that call.
type Dispatcher struct {
	client *http.Client
	issuer *svctoken.Issuer
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(client *http.Client, issuer *svctoken.Issuer) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{client: client, issuer: issuer}
}

// Dispatch delivers it to targetURL (resolved by the caller via
// internal/resolver) and returns an error on any non-2xx response.
func (d *Dispatcher) Dispatch(ctx context.Context, it Item, targetURL string) error {
	token, err := d.issuer.Mint(it.TargetDS, it.Endpoint, time.Minute)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, it.Method, targetURL, bytes.NewReader(it.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &dispatchError{status: resp.StatusCode}
	}
	return nil
}

type dispatchError struct{ status int }

func (e *dispatchError) Error() string {
	return "outbox: dispatch failed with status " + http.StatusText(e.status)
}

// TargetResolver resolves a target DS DID to the HTTPS URL for a given
// endpoint. Implemented by internal/resolver plus per-endpoint path
// construction, injected here to keep this package free of resolver's HTTP
// dependency surface beyond the Dispatcher's own client.
type TargetResolver interface {
	ResolveEndpoint(ctx context.Context, targetDS, endpoint string) (string, error)
}

// WorkerPool repeatedly claims batches from a Queue and dispatches them
// concurrently, following the same ticker-plus-waitgroup shape the delivery
// service uses for its other background workers.
type WorkerPool struct {
	queue      *Queue
	resolver   TargetResolver
	dispatcher *Dispatcher
	logger     *slog.Logger
	batchSize  int
	poolSize   int
	wg         sync.WaitGroup

	// OnDelivered, when set, runs after an item is confirmed delivered; the
	// sequencer uses it to record the peer's delivery acknowledgement.
	OnDelivered func(ctx context.Context, it Item)
	// ShouldSkip, when set, is consulted before dispatch; a true return
	// drops the item without a network call (used to skip endpoints the
	// target peer's negotiated capability set says it cannot handle).
	ShouldSkip func(ctx context.Context, it Item) bool
	// OnOutcome, when set, observes each dispatch outcome ("delivered",
	// "retry", "resolve_failed", "skipped") for instrumentation.
	OnOutcome func(outcome string)
}

// NewWorkerPool constructs a WorkerPool.
func NewWorkerPool(queue *Queue, resolver TargetResolver, dispatcher *Dispatcher, logger *slog.Logger, batchSize, poolSize int) *WorkerPool {
	if batchSize <= 0 {
		batchSize = 50
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	return &WorkerPool{queue: queue, resolver: resolver, dispatcher: dispatcher, logger: logger, batchSize: batchSize, poolSize: poolSize}
}

// Run claims and dispatches batches every interval until ctx is cancelled.
// It blocks; callers run it in its own goroutine.
func (p *WorkerPool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.claimAndDispatch(ctx)
		}
	}
}

func (p *WorkerPool) claimAndDispatch(ctx context.Context) {
	items, err := p.queue.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("claiming outbound batch failed", slog.String("error", err.Error()))
		return
	}

	sem := make(chan struct{}, p.poolSize)
	for _, it := range items {
		sem <- struct{}{}
		p.wg.Add(1)
		go func(it Item) {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.dispatchOne(ctx, it)
		}(it)
	}
}

func (p *WorkerPool) dispatchOne(ctx context.Context, it Item) {
	if p.ShouldSkip != nil && p.ShouldSkip(ctx, it) {
		p.logger.Warn("dropping outbound item the target cannot handle", slog.String("endpoint", it.Endpoint))
		p.observe("skipped")
		if err := p.queue.MarkDelivered(ctx, it.ID); err != nil {
			p.logger.Error("marking skipped item done failed", slog.String("error", err.Error()))
		}
		return
	}

	targetURL, err := p.resolver.ResolveEndpoint(ctx, it.TargetDS, it.Endpoint)
	if err != nil {
		p.logger.Warn("resolving outbound target failed", slog.String("endpoint", it.Endpoint))
		p.observe("resolve_failed")
		if merr := p.queue.MarkFailed(ctx, it, p.logger); merr != nil {
			p.logger.Error("marking item failed after resolve error", slog.String("error", merr.Error()))
		}
		return
	}

	if err := p.dispatcher.Dispatch(ctx, it, targetURL); err != nil {
		p.observe("retry")
		if merr := p.queue.MarkFailed(ctx, it, p.logger); merr != nil {
			p.logger.Error("marking item failed after dispatch error", slog.String("error", merr.Error()))
		}
		return
	}

	if err := p.queue.MarkDelivered(ctx, it.ID); err != nil {
		p.logger.Error("marking item delivered failed", slog.String("error", err.Error()))
	}
	p.observe("delivered")
	if p.OnDelivered != nil {
		p.OnDelivered(ctx, it)
	}
}

func (p *WorkerPool) observe(outcome string) {
	if p.OnOutcome != nil {
		p.OnOutcome(outcome)
	}
}
