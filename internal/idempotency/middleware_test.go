package idempotency

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type memBackend struct {
	entries map[string]Entry
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]Entry)}
}

func (m *memBackend) key(caller, endpoint, clientKey string) string {
	return caller + "|" + endpoint + "|" + clientKey
}

func (m *memBackend) Lookup(_ context.Context, caller, endpoint, clientKey string) (Entry, bool, error) {
	e, ok := m.entries[m.key(caller, endpoint, clientKey)]
	return e, ok, nil
}

func (m *memBackend) Store(_ context.Context, caller, endpoint, clientKey string, status int, body []byte) error {
	m.entries[m.key(caller, endpoint, clientKey)] = Entry{StatusCode: status, Body: body}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callerFixed(did string) func(context.Context) string {
	return func(context.Context) string { return did }
}

func TestMiddleware_CachesSecondCall(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"data":{"n":%d}}`, calls)
	})

	mw := Middleware(newMemBackend(), callerFixed("did:plc:alice"), discardLogger())
	srv := mw(handler)

	body := `{"idempotencyKey":"k1","x":1}`
	var responses []string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.sendMessage", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		responses = append(responses, rec.Body.String())
	}

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if responses[0] != responses[1] {
		t.Errorf("responses differ: %q vs %q", responses[0], responses[1])
	}
}

func TestMiddleware_DifferentCallersDoNotCollide(t *testing.T) {
	backend := newMemBackend()
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	body := `{"idempotencyKey":"shared-key"}`
	for _, caller := range []string{"did:plc:alice", "did:plc:bob"} {
		mw := Middleware(backend, callerFixed(caller), discardLogger())
		req := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.sendMessage", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mw(handler).ServeHTTP(rec, req)
	}

	if calls != 2 {
		t.Errorf("handler ran %d times, want 2 (one per caller)", calls)
	}
}

func TestMiddleware_DoesNotCache5xx(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	mw := Middleware(newMemBackend(), callerFixed("did:plc:alice"), discardLogger())
	srv := mw(handler)

	body := `{"idempotencyKey":"k1"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.sendMessage", strings.NewReader(body))
		srv.ServeHTTP(httptest.NewRecorder(), req)
	}

	if calls != 2 {
		t.Errorf("handler ran %d times, want 2 (5xx must stay retryable)", calls)
	}
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	mw := Middleware(newMemBackend(), callerFixed("did:plc:alice"), discardLogger())
	srv := mw(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.sendMessage", strings.NewReader(`{"x":1}`))
		srv.ServeHTTP(httptest.NewRecorder(), req)
	}

	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}
