// Package keypackage manages the per-owner pool of single-use MLS key
// packages: publish, list, reserve, and consume, grounded in the same
// atomic claim-and-delete idiom the delivery service's federation layer
// used for single-instance key package handout.
package keypackage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

const (
	// maxLivePerOwner is the pool size cap enforced on publish.
	maxLivePerOwner = 100
	defaultTTL      = 30 * 24 * time.Hour
)

// Status is a key package's lifecycle state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusConsumed  Status = "consumed"
)

// KeyPackage is one key_packages row.
type KeyPackage struct {
	ID          string
	OwnerDID    string
	DeviceID    string
	CipherSuite uint16
	SHA256Hash  string
	ExpiresAt   time.Time
}

// Pool manages key packages against Postgres.
type Pool struct {
	pool *pgxpool.Pool
}

// New constructs a Pool.
func New(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Publish adds keyBytes to ownerDID's pool, deriving its SHA-256 tag
// server-side. It rejects the publish if the owner's live (available or
// reserved) pool already has maxLivePerOwner entries.
func (p *Pool) Publish(ctx context.Context, ownerDID, deviceID string, cipherSuite uint16, keyBytes []byte) (KeyPackage, error) {
	var count int
	if err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM key_packages WHERE owner_did = $1 AND status != $2`,
		ownerDID, StatusConsumed,
	).Scan(&count); err != nil {
		return KeyPackage{}, dserr.Wrap(dserr.KindStorage, "counting live key packages", err)
	}
	if count >= maxLivePerOwner {
		return KeyPackage{}, dserr.New(dserr.KindKeyPackageExhausted, "key package pool is full")
	}

	sum := sha256.Sum256(keyBytes)
	hash := hex.EncodeToString(sum[:])

	kp := KeyPackage{
		ID:          ulid.Make().String(),
		OwnerDID:    ownerDID,
		DeviceID:    deviceID,
		CipherSuite: cipherSuite,
		SHA256Hash:  hash,
		ExpiresAt:   time.Now().Add(defaultTTL),
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO key_packages (id, owner_did, device_id, cipher_suite, key_bytes, sha256_hash, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (owner_did, device_id, sha256_hash) DO NOTHING`,
		kp.ID, kp.OwnerDID, kp.DeviceID, kp.CipherSuite, keyBytes, kp.SHA256Hash, StatusAvailable, kp.ExpiresAt)
	if err != nil {
		return KeyPackage{}, dserr.Wrap(dserr.KindStorage, "publishing key package", err)
	}

	return kp, nil
}

// ListHashes returns all un-consumed, un-expired key package hashes for
// ownerDID, across every device, so multiple devices can coexist.
func (p *Pool) ListHashes(ctx context.Context, ownerDID string) ([]KeyPackage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner_did, device_id, cipher_suite, sha256_hash, expires_at
		 FROM key_packages
		 WHERE owner_did = $1 AND status != $2 AND expires_at > now()
		 ORDER BY created_at ASC`,
		ownerDID, StatusConsumed)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing key packages", err)
	}
	defer rows.Close()

	var out []KeyPackage
	for rows.Next() {
		var kp KeyPackage
		if err := rows.Scan(&kp.ID, &kp.OwnerDID, &kp.DeviceID, &kp.CipherSuite, &kp.SHA256Hash, &kp.ExpiresAt); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning key package row", err)
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

// LiveKeyPackage pairs a key package's metadata with its raw bytes, for the
// getKeyPackages read path.
type LiveKeyPackage struct {
	KeyPackage
	KeyBytes []byte
}

// ListLive returns every available, un-expired key package for ownerDID
// with its raw bytes, so an inviter can pick one per device.
func (p *Pool) ListLive(ctx context.Context, ownerDID string) ([]LiveKeyPackage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner_did, device_id, cipher_suite, key_bytes, sha256_hash, expires_at
		 FROM key_packages
		 WHERE owner_did = $1 AND status = $2 AND expires_at > now()
		 ORDER BY created_at ASC`,
		ownerDID, StatusAvailable)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing live key packages", err)
	}
	defer rows.Close()

	var out []LiveKeyPackage
	for rows.Next() {
		var kp LiveKeyPackage
		if err := rows.Scan(&kp.ID, &kp.OwnerDID, &kp.DeviceID, &kp.CipherSuite, &kp.KeyBytes, &kp.SHA256Hash, &kp.ExpiresAt); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning live key package row", err)
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

// FetchOne returns the oldest available key package for ownerDID, including
// its raw bytes, for handing out to a peer DS via ds.fetchKeyPackage. It does
// not reserve the row: reservation happens later, against the specific hash
// the inviter committed to, via Reserve.
func (p *Pool) FetchOne(ctx context.Context, ownerDID string) (KeyPackage, []byte, error) {
	var kp KeyPackage
	var keyBytes []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_did, device_id, cipher_suite, key_bytes, sha256_hash, expires_at
		 FROM key_packages
		 WHERE owner_did = $1 AND status = $2 AND expires_at > now()
		 ORDER BY created_at ASC LIMIT 1`,
		ownerDID, StatusAvailable,
	).Scan(&kp.ID, &kp.OwnerDID, &kp.DeviceID, &kp.CipherSuite, &keyBytes, &kp.SHA256Hash, &kp.ExpiresAt)
	if err == pgx.ErrNoRows {
		return KeyPackage{}, nil, dserr.New(dserr.KindKeyPackageExhausted, "no available key package for recipient")
	}
	if err != nil {
		return KeyPackage{}, nil, dserr.Wrap(dserr.KindStorage, "fetching key package", err)
	}
	return kp, keyBytes, nil
}

// Reserve marks the key package identified by hash as reserved, so a
// concurrent inviter cannot double-use it while a commit is in flight.
// Reservation happens inside the caller's transaction tx.
func Reserve(ctx context.Context, tx pgx.Tx, ownerDID, hash string) (KeyPackage, error) {
	var kp KeyPackage
	err := tx.QueryRow(ctx,
		`UPDATE key_packages SET status = $1
		 WHERE owner_did = $2 AND sha256_hash = $3 AND status = $4
		 RETURNING id, owner_did, device_id, cipher_suite, sha256_hash, expires_at`,
		StatusReserved, ownerDID, hash, StatusAvailable,
	).Scan(&kp.ID, &kp.OwnerDID, &kp.DeviceID, &kp.CipherSuite, &kp.SHA256Hash, &kp.ExpiresAt)
	if err == pgx.ErrNoRows {
		return KeyPackage{}, dserr.New(dserr.KindWelcomeUnavailable, "key package is not available")
	}
	if err != nil {
		return KeyPackage{}, dserr.Wrap(dserr.KindStorage, "reserving key package", err)
	}
	return kp, nil
}

// Consume transitions a reserved or available key package to consumed within
// tx and stamps consumed_at. It is called atomically with the Welcome write
// that references the same hash.
func Consume(ctx context.Context, tx pgx.Tx, ownerDID, hash string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE key_packages SET status = $1, consumed_at = now()
		 WHERE owner_did = $2 AND sha256_hash = $3 AND status != $1`,
		StatusConsumed, ownerDID, hash)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "consuming key package", err)
	}
	if tag.RowsAffected() == 0 {
		return dserr.New(dserr.KindWelcomeAlreadyConsumed, "key package already consumed")
	}
	return nil
}
