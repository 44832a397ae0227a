package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"case insensitive", "bearer abc123", "abc123"},
		{"BEARER", "BEARER abc123", "abc123"},
		{"with spaces in token", "Bearer  abc123 ", "abc123"},
		{"empty", "", ""},
		{"no bearer prefix", "Token abc123", ""},
		{"bearer only", "Bearer", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := bearerFromHeader(tc.header); got != tc.want {
				t.Errorf("bearerFromHeader(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestCallerContextRoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), "did:plc:abc123#device-1")
	if got := UserIDFromContext(ctx); got != "did:plc:abc123#device-1" {
		t.Errorf("UserIDFromContext = %q, want %q", got, "did:plc:abc123#device-1")
	}

	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("UserIDFromContext(empty) = %q, want empty", got)
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Code: "test", Message: "test message", Status: 401}
	if got := err.Error(); got != "test message" {
		t.Errorf("Error() = %q, want %q", got, "test message")
	}
}

func TestVerifyToken_RejectsEmptyToken(t *testing.T) {
	svc := NewService("did:web:ds.example.com", nil, nil, 0)
	_, err := svc.VerifyToken(context.Background(), "")
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Code != "missing_token" {
		t.Errorf("code = %q, want missing_token", authErr.Code)
	}
}

func TestVerifyToken_RejectsMalformedToken(t *testing.T) {
	svc := NewService("did:web:ds.example.com", nil, nil, 0)
	_, err := svc.VerifyToken(context.Background(), "not-a-jwt")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Code != "invalid_token" {
		t.Errorf("code = %q, want invalid_token", authErr.Code)
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	svc := NewService("did:web:ds.example.com", nil, nil, 0)
	handler := svc.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
