// Package gateway is the realtime subscription transport (§4.13, §4.15): a
// connected device subscribes to one conversation's event stream over SSE
// or WebSocket, resuming from its last-seen ULID cursor. Live delivery rides
// the in-process mailbox bus; every frame a client misses is recoverable by
// reconnecting with the cursor of the last event it processed, because the
// durable event log is the source of truth and the bus is only a doorbell.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/auth"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/mailbox"
	"github.com/catbird-social/mls-ds/internal/metrics"
)

const heartbeatInterval = 25 * time.Second

// writeTimeout bounds each frame write; a subscriber that cannot drain
// within it is treated as overflowed and the stream closes so the client
// can resume from cursor (§4.13).
const writeTimeout = 10 * time.Second

// Frame is one event pushed to a subscriber.
type Frame struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server serves the realtime subscription endpoints.
type Server struct {
	Router      *chi.Mux
	Bus         *mailbox.Bus
	Events      *eventstream.Stream
	AuthService *auth.Service
	Metrics     *metrics.Metrics
	BufferSize  int
	Logger      *slog.Logger
}

// NewServer constructs the gateway with its routes registered.
func NewServer(bus *mailbox.Bus, events *eventstream.Stream, authSvc *auth.Service, m *metrics.Metrics, bufferSize int, logger *slog.Logger) *Server {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &Server{
		Router:      chi.NewRouter(),
		Bus:         bus,
		Events:      events,
		AuthService: authSvc,
		Metrics:     m,
		BufferSize:  bufferSize,
		Logger:      logger,
	}

	s.Router.Group(func(r chi.Router) {
		r.Use(s.AuthService.RequireAuth)
		r.Get("/xrpc/blue.catbird.mls.subscribeEvents", s.handleSSE)
		r.Get("/xrpc/blue.catbird.mls.subscribeEventsWs", s.handleWS)
	})
	return s
}

// subscription is the per-stream state shared by the SSE and WS loops.
type subscription struct {
	convoID string
	device  string
	cursor  string
	notifs  chan mailbox.Notification
	unsub   func()
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*subscription, bool) {
	raw := auth.UserIDFromContext(r.Context())
	di, ok := identity.ParseDeviceIdentity(raw)
	if !ok {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindMissingToken, "request carries no authenticated device identity"))
		return nil, false
	}

	convoID := r.URL.Query().Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return nil, false
	}

	ch, unsub := s.Bus.Subscribe(di.DeviceID, s.BufferSize)
	return &subscription{
		convoID: convoID,
		device:  di.DeviceID,
		cursor:  r.URL.Query().Get("after"),
		notifs:  ch,
		unsub:   unsub,
	}, true
}

// pending drains the durable log past the subscription's cursor, advancing
// it. Returned events are everything the subscriber has not yet seen,
// regardless of how many bus notifications were dropped in between.
func (s *Server) pending(ctx context.Context, sub *subscription) ([]eventstream.Event, error) {
	events, err := s.Events.After(ctx, sub.convoID, sub.cursor)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		sub.cursor = events[len(events)-1].ID
	}
	return events, nil
}

// handleSSE streams events as Server-Sent Events, each frame carrying the
// event id so the client can resume with after=<id>.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.unsub()

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		apiutil.WriteError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported by this connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.Metrics != nil {
		s.Metrics.StreamsOpen.Inc()
		defer s.Metrics.StreamsOpen.Dec()
	}

	writeFrame := func(e eventstream.Event) bool {
		_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Payload)
		if err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Backfill before going live so the cursor hand-off has no gap.
	events, err := s.pending(r.Context(), sub)
	if err != nil {
		return
	}
	for _, e := range events {
		if !writeFrame(e) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, open := <-sub.notifs:
			if !open {
				return
			}
			if n.GroupID != sub.convoID {
				continue
			}
			events, err := s.pending(r.Context(), sub)
			if err != nil {
				return
			}
			for _, e := range events {
				if !writeFrame(e) {
					return
				}
			}
		}
	}
}

// handleWS streams the same frames over a WebSocket. Overflow (a write that
// cannot complete within writeTimeout) closes the socket with a policy
// close frame telling the client to resume from cursor.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.unsub()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	if s.Metrics != nil {
		s.Metrics.StreamsOpen.Inc()
		defer s.Metrics.StreamsOpen.Dec()
	}

	ctx := r.Context()

	writeFrame := func(e eventstream.Event) bool {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, Frame{ID: e.ID, Type: e.Type, Payload: e.Payload}); err != nil {
			conn.Close(websocket.StatusPolicyViolation, "stream overflow; resume from cursor")
			return false
		}
		return true
	}

	events, err := s.pending(ctx, sub)
	if err != nil {
		return
	}
	for _, e := range events {
		if !writeFrame(e) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case n, open := <-sub.notifs:
			if !open {
				return
			}
			if n.GroupID != sub.convoID {
				continue
			}
			events, err := s.pending(ctx, sub)
			if err != nil {
				return
			}
			for _, e := range events {
				if !writeFrame(e) {
					return
				}
			}
		}
	}
}
