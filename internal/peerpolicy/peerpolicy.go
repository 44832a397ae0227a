// Package peerpolicy is the authorization gate for every inter-DS call that
// has already passed service-token verification (see svctoken). It tracks
// each peer's trust status, per-peer rate limit, and behavior counters, and
// backs the admin surface's peer management endpoints.
package peerpolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/ttlcache"
)

// Status is a peer's federation trust level.
type Status string

const (
	StatusPending Status = "pending"
	StatusAllow   Status = "allow"
	StatusSuspend Status = "suspend"
	StatusBlock   Status = "block"
)

// Peer is one federation_peers row.
type Peer struct {
	DID           string
	Status        Status
	RPMOverride   *int
	Successful    int64
	Rejected      int64
	InvalidToken  int64
	TrustScore    float64
	LastSeen      *time.Time
}

// Store gates and tracks inter-DS traffic.
type Store struct {
	pool        *pgxpool.Pool
	defaultRPM  int
	rpmOverride map[string]int
	statusCache *ttlcache.Cache[Status]
}

// Config configures a Store.
type Config struct {
	DefaultPeerRPM   int
	PeerRPMOverrides map[string]int
}

// New constructs a peer policy Store.
func New(pool *pgxpool.Pool, cfg Config) *Store {
	if cfg.DefaultPeerRPM <= 0 {
		cfg.DefaultPeerRPM = 600
	}
	overrides := cfg.PeerRPMOverrides
	if overrides == nil {
		overrides = map[string]int{}
	}
	return &Store{
		pool:        pool,
		defaultRPM:  cfg.DefaultPeerRPM,
		rpmOverride: overrides,
		statusCache: ttlcache.New[Status](30*time.Second, 4096),
	}
}

// Authorize checks whether peerDID may proceed past the current status gate.
// Unknown peers are implicitly created as pending on first contact.
func (s *Store) Authorize(ctx context.Context, peerDID string) error {
	status, err := s.statusOf(ctx, peerDID)
	if err != nil {
		return err
	}

	switch status {
	case StatusAllow:
		return nil
	case StatusPending:
		return dserr.New(dserr.KindPeerBlocked, "peer is not yet trusted")
	case StatusSuspend:
		return dserr.New(dserr.KindPeerBlocked, "peer is suspended")
	case StatusBlock:
		return dserr.New(dserr.KindPeerBlocked, "peer is blocked")
	default:
		return dserr.New(dserr.KindPeerBlocked, "peer status unknown")
	}
}

func (s *Store) statusOf(ctx context.Context, peerDID string) (Status, error) {
	if cached, ok := s.statusCache.Get(peerDID); ok {
		return cached, nil
	}

	var status Status
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM federation_peers WHERE peer_did = $1`, peerDID,
	).Scan(&status)

	if err == pgx.ErrNoRows {
		if _, insErr := s.pool.Exec(ctx,
			`INSERT INTO federation_peers (peer_did, status) VALUES ($1, $2)
			 ON CONFLICT (peer_did) DO NOTHING`, peerDID, StatusPending,
		); insErr != nil {
			return "", dserr.Wrap(dserr.KindStorage, "inserting pending peer", insErr)
		}
		s.statusCache.Set(peerDID, StatusPending)
		return StatusPending, nil
	}
	if err != nil {
		return "", dserr.Wrap(dserr.KindStorage, "querying peer status", err)
	}

	s.statusCache.Set(peerDID, status)
	return status, nil
}

// RPM returns the effective tokens-per-minute limit for peerDID.
func (s *Store) RPM(peerDID string) int {
	if override, ok := s.rpmOverride[peerDID]; ok {
		return override
	}
	return s.defaultRPM
}

// RecordSuccess increments the peer's successful counter and bumps last_seen.
func (s *Store) RecordSuccess(ctx context.Context, peerDID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE federation_peers SET successful = successful + 1, last_seen = now()
		 WHERE peer_did = $1`, peerDID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording peer success", err)
	}
	return nil
}

// RecordRejected increments the peer's rejected counter.
func (s *Store) RecordRejected(ctx context.Context, peerDID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE federation_peers SET rejected = rejected + 1 WHERE peer_did = $1`, peerDID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording peer rejection", err)
	}
	return nil
}

// RecordInvalidToken increments the peer's invalid_token counter, called by
// the svctoken verification path on any failure.
func (s *Store) RecordInvalidToken(ctx context.Context, peerDID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO federation_peers (peer_did, invalid_token) VALUES ($1, 1)
		 ON CONFLICT (peer_did) DO UPDATE SET invalid_token = federation_peers.invalid_token + 1`,
		peerDID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording invalid token", err)
	}
	return nil
}

// RecordEquivocation moves a sequencer caught issuing conflicting receipts
// for the same (conversation, epoch) toward suspend, per §4.11.
func (s *Store) RecordEquivocation(ctx context.Context, peerDID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE federation_peers SET status = $2, rejected = rejected + 1
		 WHERE peer_did = $1 AND status = $3`,
		peerDID, StatusSuspend, StatusAllow)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording equivocation", err)
	}
	s.statusCache.Invalidate(peerDID)
	return nil
}

// Upsert sets a peer's status and optional RPM override; used by the admin
// surface. Operator-gating happens in internal/admin, not here.
func (s *Store) Upsert(ctx context.Context, peerDID string, status Status, rpmOverride *int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO federation_peers (peer_did, status, rpm_override) VALUES ($1, $2, $3)
		 ON CONFLICT (peer_did) DO UPDATE SET status = $2, rpm_override = $3`,
		peerDID, status, rpmOverride)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "upserting peer", err)
	}
	s.statusCache.Invalidate(peerDID)
	return nil
}

// Delete removes a peer record entirely.
func (s *Store) Delete(ctx context.Context, peerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM federation_peers WHERE peer_did = $1`, peerDID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "deleting peer", err)
	}
	s.statusCache.Invalidate(peerDID)
	return nil
}

// List returns all known peers ordered by DID, for the admin surface.
func (s *Store) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_did, status, rpm_override, successful, rejected, invalid_token, trust_score, last_seen
		 FROM federation_peers ORDER BY peer_did`)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing peers", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.DID, &p.Status, &p.RPMOverride, &p.Successful, &p.Rejected, &p.InvalidToken, &p.TrustScore, &p.LastSeen); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning peer row", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Get fetches a single peer row, or (Peer{}, false) if unknown.
func (s *Store) Get(ctx context.Context, peerDID string) (Peer, bool, error) {
	var p Peer
	p.DID = peerDID
	err := s.pool.QueryRow(ctx,
		`SELECT status, rpm_override, successful, rejected, invalid_token, trust_score, last_seen
		 FROM federation_peers WHERE peer_did = $1`, peerDID,
	).Scan(&p.Status, &p.RPMOverride, &p.Successful, &p.Rejected, &p.InvalidToken, &p.TrustScore, &p.LastSeen)
	if err == pgx.ErrNoRows {
		return Peer{}, false, nil
	}
	if err != nil {
		return Peer{}, false, dserr.Wrap(dserr.KindStorage, "getting peer", fmt.Errorf("%s: %w", peerDID, err))
	}
	return p, true, nil
}
