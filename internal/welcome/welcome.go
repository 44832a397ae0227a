// Package welcome implements the two-phase Welcome handoff (§4.7): after a
// commit adds a device, the conversation actor writes a Welcome row that the
// new device later fetches, confirms, or lets expire. The handoff survives
// a client crash mid-processing via a five-minute grace window during which
// a repeated fetch returns the same row instead of handing out a second one.
package welcome

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/keypackage"
)

// graceWindow is how long a fetched-but-unconfirmed Welcome stays re-fetchable
// by the same recipient before it is treated as consumed.
const graceWindow = 5 * time.Minute

// Welcome is one welcomes row.
type Welcome struct {
	ID              string
	GroupID         string
	RecipientDevice string
	KeyPackageHash  string
	WelcomeBytes    []byte
	Status          string
	Consumed        bool
}

// Store manages the Welcome handoff against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Emit writes one Welcome row within tx for (groupID, recipientDevice,
// keyPackageHash). Uniqueness on the un-consumed index prevents a second
// Welcome for the same device/hash pair from ever coexisting.
func Emit(ctx context.Context, tx pgx.Tx, groupID, recipientDevice, keyPackageHash string, welcomeBytes []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO welcomes (id, group_id, recipient_device, key_package_hash, welcome_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, 'available')`,
		ulid.Make().String(), groupID, recipientDevice, keyPackageHash, welcomeBytes)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "emitting welcome", err)
	}
	return nil
}

// Fetch retrieves the oldest Welcome for (groupID, recipientDevice) whose
// key package hash still names a live key package, transitioning it from
// available to in_flight. A repeated fetch within the grace window returns
// the same row. An in_flight row past the grace window behaves as consumed:
// it is skipped here, and when it is all the recipient has, Fetch reports
// WelcomeAlreadyConsumed rather than WelcomeUnavailable so the caller can
// tell a spent handoff from a missing key package.
func (s *Store) Fetch(ctx context.Context, groupID, recipientDevice string) (Welcome, error) {
	var w Welcome

	err := s.pool.QueryRow(ctx,
		`SELECT w.id, w.group_id, w.recipient_device, w.key_package_hash, w.welcome_bytes, w.status
		 FROM welcomes w
		 WHERE w.group_id = $1 AND w.recipient_device = $2 AND w.consumed = FALSE
		   AND (w.status = 'available' OR w.in_flight_at > now() - $3::interval)
		   AND EXISTS (
		     SELECT 1 FROM key_packages k
		     WHERE k.sha256_hash = w.key_package_hash
		       AND k.status != 'consumed' AND k.expires_at > now()
		   )
		 ORDER BY w.created_at ASC LIMIT 1`,
		groupID, recipientDevice, graceWindow.String(),
	).Scan(&w.ID, &w.GroupID, &w.RecipientDevice, &w.KeyPackageHash, &w.WelcomeBytes, &w.Status)

	if err == pgx.ErrNoRows {
		expired, gerr := s.hasGraceExpired(ctx, groupID, recipientDevice)
		if gerr != nil {
			return Welcome{}, gerr
		}
		if expired {
			return Welcome{}, dserr.New(dserr.KindWelcomeAlreadyConsumed, "welcome grace window has elapsed")
		}
		return Welcome{}, dserr.New(dserr.KindWelcomeUnavailable, "no live welcome for this device")
	}
	if err != nil {
		return Welcome{}, dserr.Wrap(dserr.KindStorage, "fetching welcome", err)
	}

	if w.Status == "available" {
		_, err = s.pool.Exec(ctx,
			`UPDATE welcomes SET status = 'in_flight', in_flight_at = now() WHERE id = $1`, w.ID)
		if err != nil {
			return Welcome{}, dserr.Wrap(dserr.KindStorage, "marking welcome in-flight", err)
		}
	}

	return w, nil
}

// hasGraceExpired reports whether the recipient holds an un-consumed
// in_flight Welcome whose grace window has already elapsed.
func (s *Store) hasGraceExpired(ctx context.Context, groupID, recipientDevice string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM welcomes
		 WHERE group_id = $1 AND recipient_device = $2 AND consumed = FALSE
		   AND status = 'in_flight' AND in_flight_at <= now() - $3::interval
		 LIMIT 1`,
		groupID, recipientDevice, graceWindow.String(),
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dserr.Wrap(dserr.KindStorage, "checking welcome grace expiry", err)
	}
	return true, nil
}

// ConfirmByRecipient resolves the in-flight Welcome for (groupID,
// recipientDevice) and confirms it, for the confirmWelcome endpoint where
// the client identifies the Welcome by conversation rather than row id.
func (s *Store) ConfirmByRecipient(ctx context.Context, groupID, recipientDevice string, success bool, failureReason string) error {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM welcomes
		 WHERE group_id = $1 AND recipient_device = $2 AND consumed = FALSE AND status = 'in_flight'
		   AND in_flight_at > now() - $3::interval
		 ORDER BY created_at ASC LIMIT 1`,
		groupID, recipientDevice, graceWindow.String(),
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return dserr.New(dserr.KindWelcomeNotFound, "no in-flight welcome to confirm")
	}
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "locating welcome to confirm", err)
	}
	if !success && failureReason != "" {
		if _, err := s.pool.Exec(ctx,
			`UPDATE welcomes SET failure_reason = $2 WHERE id = $1`, id, failureReason); err != nil {
			return dserr.Wrap(dserr.KindStorage, "recording welcome failure reason", err)
		}
	}
	return s.Confirm(ctx, id, success)
}

// Confirm reports the client's processing result for welcomeID. success
// transitions the row to consumed permanently and atomically consumes the
// matching key package within the same transaction; failure leaves the row
// in_flight so it can be retried within the grace window.
func (s *Store) Confirm(ctx context.Context, welcomeID string, success bool) error {
	if !success {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "beginning confirm transaction", err)
	}
	defer tx.Rollback(ctx)

	var groupID, hash, ownerDID string
	err = tx.QueryRow(ctx,
		`SELECT w.group_id, w.key_package_hash, m.user_did
		 FROM welcomes w
		 JOIN members m ON m.group_id = w.group_id AND m.device_id = w.recipient_device
		 WHERE w.id = $1 AND w.consumed = FALSE
		 FOR UPDATE OF w`,
		welcomeID,
	).Scan(&groupID, &hash, &ownerDID)
	if err == pgx.ErrNoRows {
		return dserr.New(dserr.KindWelcomeAlreadyConsumed, "welcome already consumed or not found")
	}
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "loading welcome for confirm", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE welcomes SET status = 'consumed', consumed = TRUE, consumed_at = now() WHERE id = $1`,
		welcomeID); err != nil {
		return dserr.Wrap(dserr.KindStorage, "marking welcome consumed", err)
	}

	if err := keypackage.Consume(ctx, tx, ownerDID, hash); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return dserr.Wrap(dserr.KindStorage, "committing confirm transaction", err)
	}
	return nil
}
