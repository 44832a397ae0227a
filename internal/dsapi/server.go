// Package dsapi implements the DS-to-DS federation API
// (blue.catbird.mls.ds.*): the endpoints one delivery service calls on
// another to forward commits from remote participants, fan out messages and
// welcomes to a participant mailbox, fetch key packages across the
// federation boundary, negotiate capabilities, and hand off sequencer
// authority. Every call is authenticated by a bearer service token and
// gated by peer policy and the per-peer rate limit.
package dsapi

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/mailbox"
	"github.com/catbird-social/mls-ds/internal/metrics"
	"github.com/catbird-social/mls-ds/internal/middleware"
	"github.com/catbird-social/mls-ds/internal/peerpolicy"
	"github.com/catbird-social/mls-ds/internal/ratelimit"
	"github.com/catbird-social/mls-ds/internal/resolver"
	"github.com/catbird-social/mls-ds/internal/svctoken"
)

// dsPrefix is the path prefix every federation endpoint is mounted under.
const dsPrefix = "/xrpc/blue.catbird.mls.ds."

// selfCapabilities is what this DS advertises at handshake.
var selfCapabilities = []string{"mls_v1", "delivery_receipts", "sequencer_transfer"}

// Server is the DS-to-DS API server.
type Server struct {
	Router      *chi.Mux
	Pool        *pgxpool.Pool
	Registry    *actor.Registry
	KeyPackages *keypackage.Pool
	Mailbox     *mailbox.Mailbox
	Verifier    *svctoken.Verifier
	Peers       *peerpolicy.Store
	Counters    *peerpolicy.CounterBatcher
	Limiter     ratelimit.Limiter
	Resolver    *resolver.Resolver
	Metrics     *metrics.Metrics
	SelfDID     string
	Logger      *slog.Logger
}

// NewServer constructs the federation API server with all routes registered.
func NewServer(pool *pgxpool.Pool, registry *actor.Registry, keyPackages *keypackage.Pool, mbx *mailbox.Mailbox, verifier *svctoken.Verifier, peers *peerpolicy.Store, counters *peerpolicy.CounterBatcher, limiter ratelimit.Limiter, res *resolver.Resolver, m *metrics.Metrics, selfDID string, logger *slog.Logger) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Pool:        pool,
		Registry:    registry,
		KeyPackages: keyPackages,
		Mailbox:     mbx,
		Verifier:    verifier,
		Peers:       peers,
		Counters:    counters,
		Limiter:     limiter,
		Resolver:    res,
		Metrics:     m,
		SelfDID:     selfDID,
		Logger:      logger,
	}

	s.Router.Use(chimw.RealIP)
	s.Router.Use(middleware.CorrelationID)
	s.Router.Use(middleware.TracingLogger(logger))
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(chimw.Timeout(30 * time.Second))

	s.Router.Group(func(r chi.Router) {
		r.Use(s.serviceAuth)
		r.Post(dsPrefix+"deliverMessage", s.handleDeliverMessage)
		r.Post(dsPrefix+"deliverWelcome", s.handleDeliverWelcome)
		r.Post(dsPrefix+"submitCommit", s.handleSubmitCommit)
		r.Post(dsPrefix+"fetchKeyPackage", s.handleFetchKeyPackage)
		r.Post(dsPrefix+"transferSequencer", s.handleTransferSequencer)
		r.Post(dsPrefix+"handshake", s.handleHandshake)
	})

	return s
}
