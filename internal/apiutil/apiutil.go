// Package apiutil provides shared JSON response helpers used by both the
// client-facing API (internal/api) and the DS-to-DS API (internal/dsapi), so
// every handler renders the same {"data": ...} / {"error": {"code", "message"}}
// envelope instead of duplicating it per package.
package apiutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// ErrorResponse is the standard error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error code and human-readable message. CurrentEpoch
// is populated only for epoch_stale responses (§7 EpochStale(current=N)).
type ErrorBody struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	CurrentEpoch *uint64 `json:"current_epoch,omitempty"`
}

// SuccessResponse is the standard success envelope returned by the API.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// WriteJSON writes a JSON response wrapped in the standard success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteError writes a JSON error response using the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WriteDSErr renders a *dserr.Error as the standard envelope, selecting the
// HTTP status from the error's Kind and never including identifiers in the
// message (callers must already have scrubbed those).
func WriteDSErr(w http.ResponseWriter, err error) {
	e := dserr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dserr.HTTPStatus(e.Kind))
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{Code: string(e.Kind), Message: e.Message, CurrentEpoch: e.CurrentEpoch},
	})
}

// DecodeJSON reads JSON from the request body into dst. On failure it writes a
// 400 error response and returns false so the caller can return early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return false
	}
	return true
}

// InternalError logs the error (no identifiers) and writes a generic 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, "internal_error", msg)
}

// WithTx runs fn inside a database transaction, committing on success and
// rolling back on error or panic.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
