// Package api implements the client-facing JSON API (§6): every
// blue.catbird.mls.* endpoint a user device calls to create conversations,
// send messages, manage key packages, fetch Welcomes, and join or rejoin via
// external commits. Handlers authenticate the device bearer token, pass
// writes through the caller-scoped idempotency cache, and route
// conversation mutations to the owning actor.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/auth"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/idempotency"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/middleware"
	"github.com/catbird-social/mls-ds/internal/receipt"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

// xrpcPrefix is the path prefix every client endpoint is mounted under.
const xrpcPrefix = "/xrpc/blue.catbird.mls."

// Server is the client-facing API server.
type Server struct {
	Router      *chi.Mux
	Pool        *pgxpool.Pool
	Registry    *actor.Registry
	Welcomes    *welcome.Store
	KeyPackages *keypackage.Pool
	Receipts    *receipt.Store
	AuthService *auth.Service
	Idempotency idempotency.Backend
	SelfDID     string
	Logger      *slog.Logger
}

// NewServer constructs the client API server with all routes registered.
func NewServer(pool *pgxpool.Pool, registry *actor.Registry, welcomes *welcome.Store, keyPackages *keypackage.Pool, receipts *receipt.Store, authSvc *auth.Service, idem idempotency.Backend, selfDID string, logger *slog.Logger) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Pool:        pool,
		Registry:    registry,
		Welcomes:    welcomes,
		KeyPackages: keyPackages,
		Receipts:    receipts,
		AuthService: authSvc,
		Idempotency: idem,
		SelfDID:     selfDID,
		Logger:      logger,
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(chimw.RealIP)
	s.Router.Use(middleware.CorrelationID)
	s.Router.Use(middleware.TracingLogger(s.Logger))
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(chimw.Timeout(30 * time.Second))
}

func (s *Server) registerRoutes() {
	s.Router.Group(func(r chi.Router) {
		r.Use(s.AuthService.RequireAuth)
		r.Use(idempotency.Middleware(s.Idempotency, auth.UserIDFromContext, s.Logger))

		r.Post(xrpcPrefix+"createConvo", s.handleCreateConvo)
		r.Post(xrpcPrefix+"addMembers", s.handleAddMembers)
		r.Post(xrpcPrefix+"sendMessage", s.handleSendMessage)
		r.Post(xrpcPrefix+"leaveConvo", s.handleLeaveConvo)
		r.Get(xrpcPrefix+"getMessages", s.handleGetMessages)
		r.Get(xrpcPrefix+"getConvos", s.handleGetConvos)
		r.Post(xrpcPrefix+"publishKeyPackage", s.handlePublishKeyPackage)
		r.Get(xrpcPrefix+"getKeyPackages", s.handleGetKeyPackages)
		r.Get(xrpcPrefix+"getWelcome", s.handleGetWelcome)
		r.Post(xrpcPrefix+"confirmWelcome", s.handleConfirmWelcome)
		r.Post(xrpcPrefix+"requestRejoin", s.handleRequestRejoin)
		r.Post(xrpcPrefix+"processExternalCommit", s.handleProcessExternalCommit)
		r.Get(xrpcPrefix+"getEpoch", s.handleGetEpoch)
		r.Get(xrpcPrefix+"getCommits", s.handleGetCommits)
		r.Post(xrpcPrefix+"updateCursor", s.handleUpdateCursor)
		r.Post(xrpcPrefix+"registerDevice", s.handleRegisterDevice)
		r.Post(xrpcPrefix+"updateMemberRole", s.handleUpdateMemberRole)
	})
}

// caller extracts the authenticated device identity from the request. The
// auth middleware guarantees the context value parses; a missing value means
// the route was mounted without RequireAuth, which is a programming error
// surfaced as a 401 rather than a panic.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (identity.DeviceIdentity, bool) {
	raw := auth.UserIDFromContext(r.Context())
	di, ok := identity.ParseDeviceIdentity(raw)
	if !ok {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindMissingToken, "request carries no authenticated device identity"))
		return identity.DeviceIdentity{}, false
	}
	return di, true
}
