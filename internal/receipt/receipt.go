// Package receipt signs and verifies sequencer receipts: the cryptographic
// proof that a given commit was accepted at a given epoch by the sequencer
// DS for a conversation. Two receipts for the same (conversation, epoch)
// with different commit hashes is proof of sequencer equivocation.
package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/peerpolicy"
)

// Receipt is the signed artifact returned alongside commit fetches.
type Receipt struct {
	GroupID    string
	Epoch      uint64
	CommitHash string
	Sequencer  string
	IssuedAt   time.Time
	Signature  []byte
}

// signingPayload is the exact byte sequence the sequencer's Ed25519 key
// signs; verification must reconstruct it identically.
func signingPayload(groupID string, epoch uint64, commitHash, sequencer string, issuedAt time.Time) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, groupID...)
	buf = append(buf, '|')
	buf = append(buf, []byte(hex.EncodeToString(uint64ToBytes(epoch)))...)
	buf = append(buf, '|')
	buf = append(buf, commitHash...)
	buf = append(buf, '|')
	buf = append(buf, sequencer...)
	buf = append(buf, '|')
	buf = append(buf, issuedAt.UTC().Format(time.RFC3339Nano)...)
	return buf
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// HashCommit derives the commit_hash field from raw commit bytes.
func HashCommit(commitBytes []byte) string {
	sum := sha256.Sum256(commitBytes)
	return hex.EncodeToString(sum[:])
}

// Signer mints receipts with the local DS's Ed25519 service key.
type Signer struct {
	sequencerDID string
	privateKey   ed25519.PrivateKey
}

// NewSigner constructs a Signer identified by sequencerDID.
func NewSigner(sequencerDID string, privateKey ed25519.PrivateKey) *Signer {
	return &Signer{sequencerDID: sequencerDID, privateKey: privateKey}
}

// Issue signs a new receipt for (groupID, epoch, commitBytes).
func (s *Signer) Issue(groupID string, epoch uint64, commitBytes []byte) Receipt {
	hash := HashCommit(commitBytes)
	issuedAt := time.Now().UTC()
	payload := signingPayload(groupID, epoch, hash, s.sequencerDID, issuedAt)
	sig := ed25519.Sign(s.privateKey, payload)

	return Receipt{
		GroupID:    groupID,
		Epoch:      epoch,
		CommitHash: hash,
		Sequencer:  s.sequencerDID,
		IssuedAt:   issuedAt,
		Signature:  sig,
	}
}

// Verify checks r's signature against the sequencer's known Ed25519 public
// key.
func Verify(r Receipt, sequencerPub ed25519.PublicKey) bool {
	payload := signingPayload(r.GroupID, r.Epoch, r.CommitHash, r.Sequencer, r.IssuedAt)
	return ed25519.Verify(sequencerPub, payload, r.Signature)
}

// Store persists receipts and detects equivocation: a second receipt for a
// (conversation, epoch) pair carrying a different commit_hash.
type Store struct {
	pool   *pgxpool.Pool
	policy *peerpolicy.Store
}

// NewStore constructs a Store. policy may be nil if equivocation handling is
// not wired (e.g. in tests); Record then only persists receipts.
func NewStore(pool *pgxpool.Pool, policy *peerpolicy.Store) *Store {
	return &Store{pool: pool, policy: policy}
}

// ListSince returns every receipt recorded for groupID at epoch >
// fromEpoch, ordered by epoch, for the getCommits client endpoint.
func (s *Store) ListSince(ctx context.Context, groupID string, fromEpoch uint64) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, epoch, commit_hash, sequencer, issued_at, signature
		 FROM sequencer_receipts
		 WHERE group_id = $1 AND epoch > $2
		 ORDER BY epoch ASC`,
		groupID, fromEpoch)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing receipts", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.GroupID, &r.Epoch, &r.CommitHash, &r.Sequencer, &r.IssuedAt, &r.Signature); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning receipt row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Record persists r and, if a distinct commit_hash already exists for the
// same (group_id, epoch, sequencer), reports equivocation and moves the
// sequencer toward suspend via the peer policy store.
func (s *Store) Record(ctx context.Context, r Receipt) error {
	var existingHash string
	err := s.pool.QueryRow(ctx,
		`SELECT commit_hash FROM sequencer_receipts WHERE group_id = $1 AND epoch = $2 AND sequencer = $3`,
		r.GroupID, r.Epoch, r.Sequencer,
	).Scan(&existingHash)

	switch {
	case err == nil && existingHash != r.CommitHash:
		if s.policy != nil {
			if perr := s.policy.RecordEquivocation(ctx, r.Sequencer); perr != nil {
				return perr
			}
		}
		return dserr.New(dserr.KindConflict, "sequencer equivocation detected")
	case err == nil:
		return nil // identical receipt already recorded; idempotent no-op.
	case err != pgx.ErrNoRows:
		return dserr.Wrap(dserr.KindStorage, "checking for existing receipt", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sequencer_receipts (group_id, epoch, commit_hash, sequencer, issued_at, signature)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.GroupID, r.Epoch, r.CommitHash, r.Sequencer, r.IssuedAt, r.Signature)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "recording receipt", err)
	}
	return nil
}
