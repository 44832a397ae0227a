package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// maxBufferedBody bounds how much of a request body the middleware will
// buffer while looking for an idempotencyKey. Write endpoints accept bodies
// well under this; anything larger simply bypasses the cache.
const maxBufferedBody = 4 << 20

// Backend is the subset of Cache the middleware needs, split out so handler
// tests can substitute an in-memory implementation.
type Backend interface {
	Lookup(ctx context.Context, callerDID, endpoint, clientKey string) (Entry, bool, error)
	Store(ctx context.Context, callerDID, endpoint, clientKey string, statusCode int, body []byte) error
}

// keyProbe extracts only the idempotencyKey field from a request body.
type keyProbe struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

// responseRecorder captures status and body so a 2xx/4xx response can be
// stored after the handler runs. 5xx responses are never cached (§4.5).
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware returns HTTP middleware implementing the caller-scoped
// idempotency cache for write endpoints. callerFromCtx extracts the
// authenticated caller identity; requests with no caller or no
// idempotencyKey in the body pass straight through.
func Middleware(backend Backend, callerFromCtx func(context.Context) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerFromCtx(r.Context())
			if caller == "" || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var probe keyProbe
			if json.Unmarshal(body, &probe) != nil || probe.IdempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			entry, hit, err := backend.Lookup(r.Context(), caller, endpoint, probe.IdempotencyKey)
			if err != nil {
				logger.Error("idempotency lookup failed", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if hit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(entry.StatusCode)
				w.Write(entry.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 500 {
				if err := backend.Store(r.Context(), caller, endpoint, probe.IdempotencyKey, rec.status, rec.body.Bytes()); err != nil {
					logger.Error("idempotency store failed", slog.String("error", err.Error()))
				}
			}
		})
	}
}
