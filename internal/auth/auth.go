// Package auth verifies the bearer tokens client devices present to the
// delivery service's client-facing API: a JWT signed by the caller's own
// device key and resolved the same way internal/svctoken resolves DS-to-DS
// tokens, except the issuer is a user DID with a device fragment (kid)
// rather than a dedicated service DID. There are no server-side sessions;
// every token is verified statelessly against the caller's DID document.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/resolver"
	"github.com/catbird-social/mls-ds/internal/svctoken"
)

// Claims are the claims a client device bearer token carries. Unlike
// svctoken.Claims there is no lxm scoping: one token authorizes a caller
// across every client endpoint, the same way a session cookie would.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthError is returned by VerifyToken and rendered by RequireAuth using
// its Status/Code/Message fields.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthError) Error() string { return e.Message }

type contextKey struct{}

// callerKey carries the verified device-scoped caller identity.
var callerKey contextKey

// WithCaller returns ctx tagged with the verified caller identity. Exposed
// so handler tests can fabricate an authenticated request without a token.
func WithCaller(ctx context.Context, deviceScopedDID string) context.Context {
	return context.WithValue(ctx, callerKey, deviceScopedDID)
}

// UserIDFromContext retrieves the authenticated caller's device-scoped
// identity (e.g. "did:plc:abc123#device-1") from the request context.
// Returns empty string if the request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// Service verifies client device bearer tokens. selfDID is compared against
// every token's audience claim; replay stores single-use jtis the same way
// internal/svctoken does for DS-to-DS tokens.
type Service struct {
	selfDID  string
	resolver *resolver.Resolver
	replay   svctoken.ReplayStore
	jtiTTL   time.Duration
}

// NewService constructs a Service.
func NewService(selfDID string, res *resolver.Resolver, replay svctoken.ReplayStore, jtiTTL time.Duration) *Service {
	if jtiTTL <= 0 {
		jtiTTL = 5 * time.Minute
	}
	return &Service{selfDID: selfDID, resolver: res, replay: replay, jtiTTL: jtiTTL}
}

// RequireAuth is chi-compatible middleware that verifies the request's
// bearer token and tags the context with the caller's device-scoped
// identity. Requests without a valid token receive a structured 401.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.VerifyToken(r.Context(), bearerFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				apiutil.WriteError(w, authErr.Status, authErr.Code, authErr.Message)
				return
			}
			apiutil.WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to verify bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// bearerFromHeader extracts the token from an "Authorization: Bearer <tok>"
// header value, tolerating any case on the scheme.
func bearerFromHeader(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// VerifyToken verifies raw and returns the caller's canonical device-scoped
// identity (e.g. "did:plc:abc123#device-1") on success.
func (s *Service) VerifyToken(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", &AuthError{Code: "missing_token", Message: "Authorization header with Bearer token is required", Status: http.StatusUnauthorized}
	}

	var claims Claims
	var issuerDID string

	keyFunc := func(tok *jwt.Token) (interface{}, error) {
		c, ok := tok.Claims.(*Claims)
		if !ok || c.Issuer == "" {
			return nil, errors.New("token carries no issuer")
		}
		issuerDID = c.Issuer
		kid, _ := tok.Header["kid"].(string)
		return svctoken.ResolveSigningKey(ctx, s.resolver, identity.Canonicalize(issuerDID).DID, kid)
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims, keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &AuthError{Code: "token_expired", Message: "Bearer token has expired", Status: http.StatusUnauthorized}
		}
		return "", &AuthError{Code: "invalid_token", Message: "Bearer token is invalid", Status: http.StatusUnauthorized}
	}

	if !audienceContains(claims.Audience, s.selfDID) {
		return "", &AuthError{Code: "wrong_audience", Message: "Bearer token is not scoped to this delivery service", Status: http.StatusUnauthorized}
	}
	if claims.Subject == "" {
		return "", &AuthError{Code: "invalid_token", Message: "Bearer token carries no subject", Status: http.StatusUnauthorized}
	}
	if _, ok := identity.ParseDeviceIdentity(claims.Subject); !ok {
		return "", &AuthError{Code: "invalid_token", Message: "Bearer token subject is not a device-scoped identifier", Status: http.StatusUnauthorized}
	}
	if claims.ID == "" {
		return "", &AuthError{Code: "missing_jti", Message: "Bearer token carries no jti", Status: http.StatusUnauthorized}
	}

	seen, err := s.replay.SeenBefore(ctx, issuerDID, claims.ID, s.jtiTTL)
	if err != nil {
		return "", &AuthError{Code: "internal_error", Message: "Failed to check token replay", Status: http.StatusInternalServerError}
	}
	if seen {
		return "", &AuthError{Code: "replayed", Message: "Bearer token has already been used", Status: http.StatusUnauthorized}
	}

	return claims.Subject, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
