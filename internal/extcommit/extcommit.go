// Package extcommit is the policy engine and PSK verifier that lets
// non-members and former members splice themselves into a conversation via
// an external commit, without requiring an existing admin to be online
// (§4.10). It is a pure authorization gate: on success it hands the
// validated commit to the conversation actor's SubmitCommit path.
package extcommit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// Policy is one conversation_policy row, the subset extcommit needs.
type Policy struct {
	AllowExternalCommits      bool
	RequireInvite             bool
	AllowRejoin               bool
	RejoinWindowDays          int
	MaxMembers                int
}

// Request is a caller's attempt to join or rejoin via external commit.
type Request struct {
	GroupID  string
	UserDID  string
	DeviceID string
	PSK      []byte // nil if no PSK was presented
}

// Authorizer checks external-commit requests against conversation policy,
// membership history, and PSK/invite credentials.
type Authorizer struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New constructs an Authorizer.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Authorizer {
	return &Authorizer{pool: pool, logger: logger}
}

func pskHash(psk []byte) string {
	sum := sha256.Sum256(psk)
	return hex.EncodeToString(sum[:])
}

// Authorize runs the full decision tree described in §4.10 inside tx so the
// caller can chain straight into SubmitCommit within the same transaction.
func (a *Authorizer) Authorize(ctx context.Context, tx pgx.Tx, req Request) error {
	policy, err := loadPolicy(ctx, tx, req.GroupID)
	if err != nil {
		return err
	}

	if !policy.AllowExternalCommits {
		return dserr.New(dserr.KindPolicyViolation, "external commits are disabled for this conversation")
	}

	var memberCount int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE group_id = $1 AND left_at IS NULL`, req.GroupID,
	).Scan(&memberCount); err != nil {
		return dserr.Wrap(dserr.KindStorage, "counting members", err)
	}
	if memberCount >= policy.MaxMembers {
		return dserr.New(dserr.KindMaxMembersExceeded, "conversation is at its member cap")
	}

	var (
		leftAt        *time.Time
		joinedAt      time.Time
		rejoinPskHash *string
		removed       bool
		hasRecord     bool
	)
	err = tx.QueryRow(ctx,
		`SELECT left_at, joined_at, rejoin_psk_hash, removed FROM members
		 WHERE group_id = $1 AND user_did = $2
		 ORDER BY joined_at DESC LIMIT 1`,
		req.GroupID, req.UserDID,
	).Scan(&leftAt, &joinedAt, &rejoinPskHash, &removed)
	if err == nil {
		hasRecord = true
	} else if err != pgx.ErrNoRows {
		return dserr.Wrap(dserr.KindStorage, "loading membership history", err)
	}

	if hasRecord && leftAt != nil && removed {
		return dserr.New(dserr.KindUnauthorized, "caller was removed from this conversation")
	}

	if hasRecord {
		return a.authorizeRejoin(policy, joinedAt, rejoinPskHash, req)
	}

	return a.authorizeNewJoin(ctx, tx, policy, req)
}

func (a *Authorizer) authorizeRejoin(policy Policy, joinedAt time.Time, rejoinPskHash *string, req Request) error {
	if !policy.AllowRejoin {
		return dserr.New(dserr.KindPolicyViolation, "rejoin is disabled for this conversation")
	}
	if policy.RejoinWindowDays > 0 {
		deadline := joinedAt.Add(time.Duration(policy.RejoinWindowDays) * 24 * time.Hour)
		if time.Now().After(deadline) {
			return dserr.New(dserr.KindRejoinWindowExpired, "rejoin window has expired")
		}
	}
	if rejoinPskHash == nil {
		a.logger.Warn("rejoin allowed without stored psk hash (legacy member record)")
		return nil
	}
	if req.PSK == nil || pskHash(req.PSK) != *rejoinPskHash {
		return dserr.New(dserr.KindRejoinPskInvalid, "rejoin psk does not match")
	}
	return nil
}

func (a *Authorizer) authorizeNewJoin(ctx context.Context, tx pgx.Tx, policy Policy, req Request) error {
	if !policy.RequireInvite {
		return nil
	}
	if req.PSK == nil {
		return dserr.New(dserr.KindInvitePskInvalid, "invite psk required to join")
	}

	hash := pskHash(req.PSK)
	var code string
	var targetUser *string
	err := tx.QueryRow(ctx,
		`SELECT code, target_user FROM invites
		 WHERE group_id = $1 AND psk_hash = $2 AND revoked = FALSE
		   AND (expires_at IS NULL OR expires_at > now())
		   AND used_count < max_uses
		 FOR UPDATE`,
		req.GroupID, hash,
	).Scan(&code, &targetUser)
	if err == pgx.ErrNoRows {
		return dserr.New(dserr.KindInvitePskInvalid, "no matching usable invite")
	}
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "looking up invite", err)
	}
	if targetUser != nil && *targetUser != req.UserDID {
		return dserr.New(dserr.KindInvitePskInvalid, "invite is bound to a different user")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE invites SET used_count = used_count + 1 WHERE code = $1`, code); err != nil {
		return dserr.Wrap(dserr.KindStorage, "incrementing invite usage", err)
	}
	return nil
}

func loadPolicy(ctx context.Context, tx pgx.Tx, groupID string) (Policy, error) {
	var p Policy
	err := tx.QueryRow(ctx,
		`SELECT allow_external_commits, require_invite, allow_rejoin, rejoin_window_days, max_members
		 FROM conversation_policy WHERE group_id = $1`, groupID,
	).Scan(&p.AllowExternalCommits, &p.RequireInvite, &p.AllowRejoin, &p.RejoinWindowDays, &p.MaxMembers)
	if err == pgx.ErrNoRows {
		return Policy{}, dserr.New(dserr.KindPolicyViolation, "no policy configured for conversation")
	}
	if err != nil {
		return Policy{}, dserr.Wrap(dserr.KindStorage, "loading conversation policy", err)
	}
	return p, nil
}
