// Package svctoken issues and verifies the bearer service tokens that one
// delivery service presents to another on every DS-to-DS call. Tokens are
// JWTs signed with the issuer's Ed25519 service key, scoped to a single
// audience and endpoint (lxm) and carrying a single-use jti.
package svctoken

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/catbird-social/mls-ds/internal/resolver"
)

// multicodec prefix for an Ed25519 public key, per the did:key spec.
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// Claims are the standard claims a service token carries, plus the
// endpoint-scoping fields required by the verifier.
type Claims struct {
	jwt.RegisteredClaims
	// Lxm is the endpoint identifier this token authorizes a call to.
	Lxm string `json:"lxm"`
	// SenderDsDid is present on endpoints that carry an explicit sender
	// claim in their body; when set it must match Issuer modulo
	// canonicalization.
	SenderDsDid string `json:"senderDsDid,omitempty"`
}

// ReplayStore records (issuer, jti) pairs seen before their expiry, so a
// captured token cannot be replayed. Implementations must be safe for
// concurrent use and should expire entries themselves.
type ReplayStore interface {
	// SeenBefore atomically checks-and-marks (iss, jti) as seen, returning
	// true if it was already present.
	SeenBefore(ctx context.Context, iss, jti string, ttl time.Duration) (bool, error)
}

// Issuer mints service tokens signed with a local Ed25519 key.
type Issuer struct {
	did        string
	privateKey ed25519.PrivateKey
	kid        string
}

// NewIssuer constructs an Issuer for the given DID and signing key.
func NewIssuer(did, kid string, privateKey ed25519.PrivateKey) *Issuer {
	return &Issuer{did: did, privateKey: privateKey, kid: kid}
}

// Mint produces a signed bearer token authorizing a call to endpoint lxm on
// audience aud, valid for ttl.
func (i *Issuer) Mint(aud, lxm string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.did,
			Subject:   i.did,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Lxm: lxm,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = i.kid
	return token.SignedString(i.privateKey)
}

// Verifier checks bearer tokens presented by peer DSes.
type Verifier struct {
	selfDID  string
	resolver *resolver.Resolver
	replay   ReplayStore
	jtiTTL   time.Duration

	// EnforceLXM requires the lxm claim to match the called endpoint;
	// EnforceJTI requires a jti claim and single-use replay protection.
	// Both default to on; the configuration surface can relax them for
	// interop with peers that predate the claims.
	EnforceLXM bool
	EnforceJTI bool
}

// NewVerifier constructs a Verifier with both enforcement knobs on.
// selfDID is compared against every token's aud claim.
func NewVerifier(selfDID string, res *resolver.Resolver, replay ReplayStore, jtiTTL time.Duration) *Verifier {
	if jtiTTL <= 0 {
		jtiTTL = 5 * time.Minute
	}
	return &Verifier{
		selfDID:    selfDID,
		resolver:   res,
		replay:     replay,
		jtiTTL:     jtiTTL,
		EnforceLXM: true,
		EnforceJTI: true,
	}
}

// Result is what a successful Verify call reports back to the caller so it
// can record peer.last_seen and bind senderDsDid, if present.
type Result struct {
	Issuer      string
	Lxm         string
	SenderDsDid string
}

// Failure classifies why Verify rejected a token.
type Failure string

const (
	FailureMissingToken  Failure = "missing_token"
	FailureInvalidToken  Failure = "invalid_token"
	FailureWrongAudience Failure = "wrong_audience"
	FailureWrongEndpoint Failure = "wrong_endpoint"
	FailureExpired       Failure = "expired"
	FailureMissingJTI    Failure = "missing_jti"
	FailureReplayed      Failure = "replayed"
	FailureSenderMismatch Failure = "sender_mismatch"
)

// VerifyError wraps a Failure with context.
type VerifyError struct {
	Failure Failure
	err     error
}

func (e *VerifyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("svctoken: %s: %v", e.Failure, e.err)
	}
	return fmt.Sprintf("svctoken: %s", e.Failure)
}

func (e *VerifyError) Unwrap() error { return e.err }

// Verify checks raw against expectedLxm (the endpoint being called). If the
// caller knows an out-of-band senderDsDid (from the request body) it is
// passed in expectedSender for binding; pass "" to skip that check.
func (v *Verifier) Verify(ctx context.Context, raw, expectedLxm, expectedSender string) (Result, error) {
	if raw == "" {
		return Result{}, &VerifyError{Failure: FailureMissingToken}
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

		pub, err := ResolveSigningKey(ctx, v.resolver, issuerDID, kid)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims, keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{}, &VerifyError{Failure: FailureExpired, err: err}
		}
		return Result{}, &VerifyError{Failure: FailureInvalidToken, err: err}
	}

	if !audienceContains(claims.Audience, v.selfDID) {
		return Result{}, &VerifyError{Failure: FailureWrongAudience}
	}

	if v.EnforceLXM && claims.Lxm != expectedLxm {
		return Result{}, &VerifyError{Failure: FailureWrongEndpoint}
	}

	if v.EnforceJTI && claims.ID == "" {
		return Result{}, &VerifyError{Failure: FailureMissingJTI}
	}

	if expectedSender != "" && claims.SenderDsDid != "" {
		if !canonicalEqual(claims.SenderDsDid, expectedSender) {
			return Result{}, &VerifyError{Failure: FailureSenderMismatch}
		}
	}

	if v.EnforceJTI && claims.ID != "" {
		seen, err := v.replay.SeenBefore(ctx, issuerDID, claims.ID, v.jtiTTL)
		if err != nil {
			return Result{}, &VerifyError{Failure: FailureInvalidToken, err: err}
		}
		if seen {
			return Result{}, &VerifyError{Failure: FailureReplayed}
		}
	}

	return Result{Issuer: issuerDID, Lxm: claims.Lxm, SenderDsDid: claims.SenderDsDid}, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func canonicalEqual(a, b string) bool {
	return stripFragment(a) == stripFragment(b)
}

func stripFragment(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '#' {
			return id[:i]
		}
	}
	return id
}

// ResolveSigningKey resolves did's document and extracts the Ed25519
// verification key matching kid, the shared lookup used for every bearer
// token this delivery service verifies: DS-to-DS service tokens here, and
// client device tokens in internal/auth, whose signer is the caller's own
// DID document rather than a dedicated service DID.
func ResolveSigningKey(ctx context.Context, res *resolver.Resolver, did, kid string) (ed25519.PublicKey, error) {
	resolved, err := res.Resolve(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", did, err)
	}
	return findVerificationKey(resolved.Document.VerificationMethod, kid)
}

// findVerificationKey locates the verification method matching kid (or the
// first one if kid is empty) and decodes its Ed25519 public key.
func findVerificationKey(methods []resolver.VerificationMethod, kid string) (ed25519.PublicKey, error) {
	for _, m := range methods {
		if kid != "" && m.ID != kid {
			continue
		}
		if m.PublicKeyMultibase == "" {
			continue
		}
		return decodeMultibaseEd25519(m.PublicKeyMultibase)
	}
	if kid != "" {
		return nil, fmt.Errorf("no verification method matches kid %q", kid)
	}
	return nil, errors.New("document has no usable verification method")
}

// decodeMultibaseEd25519 decodes a "z"-prefixed base58btc multibase string
// carrying a multicodec-tagged Ed25519 public key.
func decodeMultibaseEd25519(mb string) (ed25519.PublicKey, error) {
	if len(mb) == 0 || mb[0] != 'z' {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", mb)
	}
	decoded, err := base58.Decode(mb[1:])
	if err != nil {
		return nil, fmt.Errorf("decoding base58btc: %w", err)
	}
	if len(decoded) < 2 || decoded[0] != ed25519MulticodecPrefix[0] || decoded[1] != ed25519MulticodecPrefix[1] {
		return nil, errors.New("key is not tagged as ed25519")
	}
	key := decoded[2:]
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected ed25519 key length %d", len(key))
	}
	return ed25519.PublicKey(key), nil
}
