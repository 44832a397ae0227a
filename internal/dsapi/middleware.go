package dsapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/logging"
	"github.com/catbird-social/mls-ds/internal/svctoken"
)

type contextKey string

// contextKeyPeer carries the verified svctoken.Result for handlers.
const contextKeyPeer contextKey = "peer"

// peerFromContext returns the verified peer token result for the request.
func peerFromContext(ctx context.Context) svctoken.Result {
	v, _ := ctx.Value(contextKeyPeer).(svctoken.Result)
	return v
}

// lxmOf derives the endpoint identifier (NSID) the token must be scoped to
// from the request path: "/xrpc/blue.catbird.mls.ds.submitCommit" →
// "blue.catbird.mls.ds.submitCommit".
func lxmOf(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/xrpc/")
}

// serviceAuth verifies the bearer service token, gates the peer through
// policy and the per-peer rate limit, and records behavior counters. The
// verified result lands in the request context.
func (s *Server) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		result, err := s.Verifier.Verify(r.Context(), raw, lxmOf(r), "")
		if err != nil {
			s.rejectToken(w, r, raw, err)
			return
		}

		peerDID := identity.Canonicalize(result.Issuer).DID

		if result.SenderDsDid != "" && !identity.Equal(result.SenderDsDid, result.Issuer) {
			s.Counters.InvalidToken(peerDID)
			apiutil.WriteDSErr(w, dserr.New(dserr.KindInvalidToken, "senderDsDid is not bound to the token issuer"))
			return
		}

		if err := s.Peers.Authorize(r.Context(), peerDID); err != nil {
			s.Counters.Rejected(peerDID)
			if s.Metrics != nil {
				s.Metrics.PeerDecisionsTotal.WithLabelValues("reject").Inc()
			}
			apiutil.WriteDSErr(w, err)
			return
		}

		ok, err := s.Limiter.Allow(r.Context(), peerDID, s.Peers.RPM(peerDID))
		if err != nil {
			s.Logger.Debug("peer rate limit check failed", slog.String("error", err.Error()))
		}
		if !ok {
			s.Counters.Rejected(peerDID)
			if s.Metrics != nil {
				s.Metrics.PeerDecisionsTotal.WithLabelValues("rate_limited").Inc()
			}
			apiutil.WriteDSErr(w, dserr.New(dserr.KindRateLimited, "peer request rate exceeded"))
			return
		}

		s.auditPeerKey(r.Context(), peerDID)
		s.Counters.Success(peerDID)
		if s.Metrics != nil {
			s.Metrics.PeerDecisionsTotal.WithLabelValues("allow").Inc()
		}

		ctx := context.WithValue(r.Context(), contextKeyPeer, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectToken renders a structured 401 for a failed verification, counting
// the failure against the claimed issuer when one can be attributed.
func (s *Server) rejectToken(w http.ResponseWriter, r *http.Request, raw string, err error) {
	if did := unverifiedIssuer(raw); did != "" {
		s.Counters.InvalidToken(did)
	}

	var verr *svctoken.VerifyError
	if errors.As(err, &verr) {
		switch verr.Failure {
		case svctoken.FailureMissingToken:
			apiutil.WriteDSErr(w, dserr.New(dserr.KindMissingToken, "a bearer service token is required"))
			return
		case svctoken.FailureReplayed:
			if s.Metrics != nil {
				s.Metrics.TokenReplaysTotal.Inc()
			}
		}
		s.Logger.Debug("service token rejected",
			slog.String("failure", string(verr.Failure)),
			slog.String("endpoint", lxmOf(r)))
	}
	apiutil.WriteDSErr(w, dserr.New(dserr.KindInvalidToken, "service token verification failed"))
}

// unverifiedIssuer extracts the iss claim without verifying the signature,
// only to attribute invalid-token counters. It must never be used for
// authorization.
func unverifiedIssuer(raw string) string {
	if raw == "" {
		return ""
	}
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return ""
	}
	if !identity.Valid(claims.Issuer) {
		return ""
	}
	return identity.Canonicalize(claims.Issuer).DID
}

// auditPeerKey fingerprints the peer's current verification key from the
// (cached) resolved document and records rotations. Failures are logged at
// debug and never block the request.
func (s *Server) auditPeerKey(ctx context.Context, peerDID string) {
	resolved, err := s.Resolver.Resolve(ctx, peerDID)
	if err != nil {
		return
	}
	for _, m := range resolved.Document.VerificationMethod {
		if m.PublicKeyMultibase == "" {
			continue
		}
		sum := sha256.Sum256([]byte(m.PublicKeyMultibase))
		if err := s.Peers.RecordKeyFingerprint(ctx, peerDID, hex.EncodeToString(sum[:8])); err != nil {
			s.Logger.Debug("recording key fingerprint failed",
				slog.String("peer_hash", logging.ShortHash(peerDID)),
				slog.String("error", err.Error()))
		}
		return
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
