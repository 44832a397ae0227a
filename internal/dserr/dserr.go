// Package dserr defines the closed error taxonomy used throughout the
// delivery service: authentication, authorization, PSK, protocol, state,
// and infrastructure failures, each carrying a stable machine-readable code
// so API handlers can render structured 4xx/5xx responses without string
// matching.
package dserr

import "fmt"

// Family groups related error Kinds for propagation decisions (cacheable,
// counts against peer trust, etc).
type Family string

const (
	FamilyAuthn     Family = "authn"
	FamilyAuthz     Family = "authz"
	FamilyPsk       Family = "psk"
	FamilyProtocol  Family = "protocol"
	FamilyState     Family = "state"
	FamilyInfra     Family = "infra"
)

// Kind is a single error leaf in the taxonomy.
type Kind string

const (
	KindMissingToken     Kind = "missing_token"
	KindInvalidToken     Kind = "invalid_token"
	KindResolverFailure  Kind = "resolver_failure"

	KindNotMember        Kind = "not_member"
	KindNotAdmin         Kind = "not_admin"
	KindPeerBlocked      Kind = "peer_blocked"
	KindRateLimited      Kind = "rate_limited"
	KindPolicyViolation  Kind = "policy_violation"
	KindUnauthorized     Kind = "unauthorized"

	KindInvitePskInvalid    Kind = "invite_psk_invalid"
	KindRejoinPskInvalid    Kind = "rejoin_psk_invalid"
	KindRejoinWindowExpired Kind = "rejoin_window_expired"

	KindEpochStale       Kind = "epoch_stale"
	KindInvalidCommit    Kind = "invalid_commit"
	KindInvalidGroupInfo Kind = "invalid_group_info"
	KindPaddedSizeInvalid Kind = "padded_size_invalid"
	KindGroupIDInvalid   Kind = "group_id_invalid"

	KindConflict              Kind = "conflict"
	KindWelcomeUnavailable    Kind = "welcome_unavailable"
	KindWelcomeAlreadyConsumed Kind = "welcome_already_consumed"
	KindWelcomeNotFound       Kind = "welcome_not_found"
	KindKeyPackageExhausted   Kind = "key_package_exhausted"
	KindLastAdminProtected    Kind = "last_admin_protected"
	KindMaxMembersExceeded    Kind = "max_members_exceeded"
	KindBusy                  Kind = "busy"

	KindTimeout  Kind = "timeout"
	KindStorage  Kind = "storage"
	KindInternal Kind = "internal"
)

var families = map[Kind]Family{
	KindMissingToken:    FamilyAuthn,
	KindInvalidToken:    FamilyAuthn,
	KindResolverFailure: FamilyAuthn,

	KindNotMember:       FamilyAuthz,
	KindNotAdmin:        FamilyAuthz,
	KindPeerBlocked:     FamilyAuthz,
	KindRateLimited:     FamilyAuthz,
	KindPolicyViolation: FamilyAuthz,
	KindUnauthorized:    FamilyAuthz,

	KindInvitePskInvalid:    FamilyPsk,
	KindRejoinPskInvalid:    FamilyPsk,
	KindRejoinWindowExpired: FamilyPsk,

	KindEpochStale:        FamilyProtocol,
	KindInvalidCommit:     FamilyProtocol,
	KindInvalidGroupInfo:  FamilyProtocol,
	KindPaddedSizeInvalid: FamilyProtocol,
	KindGroupIDInvalid:    FamilyProtocol,

	KindConflict:               FamilyState,
	KindWelcomeUnavailable:     FamilyState,
	KindWelcomeAlreadyConsumed: FamilyState,
	KindWelcomeNotFound:        FamilyState,
	KindKeyPackageExhausted:    FamilyState,
	KindLastAdminProtected:     FamilyState,
	KindMaxMembersExceeded:     FamilyState,
	KindBusy:                   FamilyState,

	KindTimeout:  FamilyInfra,
	KindStorage:  FamilyInfra,
	KindInternal: FamilyInfra,
}

// FamilyOf returns the Family a Kind belongs to.
func FamilyOf(k Kind) Family {
	return families[k]
}

// Error is the structured error type returned by every core component.
// It is never constructed with an identifier (DID, convo id, cursor, jti) in
// Message — see §7's logging discipline.
type Error struct {
	Kind    Kind
	Message string
	// CurrentEpoch is set only for KindEpochStale so the caller can rebase.
	CurrentEpoch *uint64
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a new Error of the given Kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap builds a new Error of the given Kind wrapping cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, cause: cause}
}

// EpochStale builds the one Kind that carries structured data back to the
// caller so it can rebase its commit.
func EpochStale(current uint64) *Error {
	return &Error{Kind: KindEpochStale, Message: "epoch is stale", CurrentEpoch: &current}
}

// HTTPStatus maps a Kind to the status code the API layer should use.
func HTTPStatus(k Kind) int {
	switch k {
	case KindPaddedSizeInvalid, KindGroupIDInvalid, KindInvalidCommit, KindInvalidGroupInfo:
		return 400
	case KindRateLimited:
		return 429
	case KindEpochStale, KindConflict, KindWelcomeAlreadyConsumed, KindMaxMembersExceeded, KindKeyPackageExhausted:
		return 409
	case KindWelcomeUnavailable, KindWelcomeNotFound:
		return 404
	case KindBusy:
		return 503
	case KindTimeout:
		return 504
	}
	switch FamilyOf(k) {
	case FamilyAuthn:
		return 401
	case FamilyAuthz:
		return 403
	case FamilyPsk:
		return 403
	case FamilyProtocol, FamilyState:
		return 409
	case FamilyInfra:
		return 500
	default:
		return 500
	}
}

// As extracts an *Error from err, or returns a generic internal error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Wrap(KindInternal, "unexpected error", err)
}
