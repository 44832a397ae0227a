package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/logging"
)

// Registry maps conversation id to its running Actor, spawning one on first
// use and evicting idle ones after Deps.IdleTimeout. It never hands out two
// live handles for the same conversation: acquisition and eviction both
// hold the same mutex (§4.9).
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	deps   Deps

	stopSweep chan struct{}

	// OnCommand, when set, observes every dispatched command's kind and
	// outcome for instrumentation. Set once before traffic starts.
	OnCommand func(kind CommandKind, err error)
}

// NewRegistry constructs a Registry and starts its idle-eviction sweep.
func NewRegistry(deps Deps) *Registry {
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 10 * time.Minute
	}
	r := &Registry{
		actors:    make(map[string]*Actor),
		deps:      deps,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Acquire returns the running Actor for groupID, spawning one if none is
// resident. The registry itself never processes commands; it only routes.
func (r *Registry) Acquire(groupID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[groupID]; ok {
		return a
	}
	a := newActor(groupID, r.deps)
	r.actors[groupID] = a
	return a
}

// Dispatch routes one command to groupID's actor, spawning it on demand.
func (r *Registry) Dispatch(ctx context.Context, groupID string, kind CommandKind, args any) Result {
	if !ValidGroupID(groupID) {
		return Result{Err: dserr.New(dserr.KindGroupIDInvalid, "group id must be lowercase hex")}
	}
	a := r.Acquire(groupID)
	res := a.Send(ctx, kind, args)
	if r.OnCommand != nil {
		r.OnCommand(kind, res.Err)
	}
	return res
}

// sweepLoop periodically drains and evicts actors that have been idle past
// Deps.IdleTimeout.
func (r *Registry) sweepLoop() {
	interval := r.deps.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	r.mu.Lock()
	type evicted struct {
		id string
		a  *Actor
	}
	var toEvict []evicted
	for id, a := range r.actors {
		if a.IdleSince() >= r.deps.IdleTimeout {
			toEvict = append(toEvict, evicted{id, a})
			delete(r.actors, id)
		}
	}
	r.mu.Unlock()

	for _, e := range toEvict {
		e.a.Send(context.Background(), CmdShutdown, nil)
		r.deps.Logger.Debug("evicted idle conversation actor",
			slog.String("group_id_hash", logging.ShortHash(e.id)))
	}
}

// Stop halts the idle-eviction sweep. Call during process shutdown.
func (r *Registry) Stop() {
	close(r.stopSweep)
}

// Count returns the number of actors currently resident, for diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
