package peerpolicy

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// SetCapabilities replaces the peer's advertised capability set, negotiated
// at DS-to-DS handshake.
func (s *Store) SetCapabilities(ctx context.Context, peerDID string, capabilities []string) error {
	if capabilities == nil {
		capabilities = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO federation_peers (peer_did, capabilities) VALUES ($1, $2)
		 ON CONFLICT (peer_did) DO UPDATE SET capabilities = $2`,
		peerDID, capabilities)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "setting peer capabilities", err)
	}
	return nil
}

// HasCapability reports whether peerDID has advertised capability. A peer
// that has never completed a handshake has an empty set, which reports
// false; callers treat required-capability checks as advisory for such
// peers (the capability map is a hint for skipping known-unsupported calls,
// not an authorization gate).
func (s *Store) HasCapability(ctx context.Context, peerDID, capability string) (advertised bool, hasIt bool, err error) {
	var caps []string
	e := s.pool.QueryRow(ctx,
		`SELECT capabilities FROM federation_peers WHERE peer_did = $1`, peerDID).Scan(&caps)
	if e != nil {
		return false, false, nil
	}
	for _, c := range caps {
		if c == capability {
			return true, true, nil
		}
	}
	return len(caps) > 0, false, nil
}

// RecordKeyFingerprint audits verification-method key rotations: when the
// observed fingerprint differs from the last recorded one for peerDID, an
// audit row is inserted capturing the transition.
func (s *Store) RecordKeyFingerprint(ctx context.Context, peerDID, fingerprint string) error {
	var last *string
	err := s.pool.QueryRow(ctx,
		`SELECT new_fingerprint FROM service_key_audit
		 WHERE peer_did = $1 ORDER BY observed_at DESC LIMIT 1`, peerDID).Scan(&last)
	if err == nil && last != nil && *last == fingerprint {
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO service_key_audit (id, peer_did, old_fingerprint, new_fingerprint)
		 VALUES ($1, $2, $3, $4)`,
		ulid.Make().String(), peerDID, last, fingerprint)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording key fingerprint", err)
	}
	return nil
}
