package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catbird-social/mls-ds/internal/auth"
)

func operatorRequest(callerDID string) *http.Request {
	r := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.admin.upsertPeer", nil)
	return r.WithContext(auth.WithCaller(r.Context(), callerDID))
}

func TestRequireOperator(t *testing.T) {
	h := &Handler{
		AllowedDIDs: []string{"did:plc:operator"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	var reached bool
	guarded := h.requireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, operatorRequest("did:plc:operator#device-1"))
	if !reached {
		t.Error("allow-listed operator (device-scoped) should pass")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	reached = false
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, operatorRequest("did:plc:somebody-else"))
	if reached {
		t.Error("non-operator must not pass")
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRequireOperator_EmptyAllowListDeniesEveryone(t *testing.T) {
	h := &Handler{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	guarded := h.requireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, operatorRequest("did:plc:anyone"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
