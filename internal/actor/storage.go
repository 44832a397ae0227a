package actor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// loadConversationState reads the conversation-level fields the actor
// caches in memory. A missing conversation is reported as dserr.KindConflict
// ("conversation does not exist"); any other read failure is KindStorage.
func loadConversationState(ctx context.Context, pool *pgxpool.Pool, groupID string) (state, error) {
	var st state
	err := pool.QueryRow(ctx,
		`SELECT creator, current_epoch, cipher_suite, sequencer_ds, is_remote
		 FROM conversations WHERE group_id = $1`, groupID,
	).Scan(&st.creator, &st.currentEpoch, &st.cipherSuite, &st.sequencerDS, &st.isRemote)
	if err == pgx.ErrNoRows {
		return state{}, dserr.New(dserr.KindConflict, "conversation does not exist")
	}
	if err != nil {
		return state{}, dserr.Wrap(dserr.KindStorage, "loading conversation state", err)
	}
	return st, nil
}

// memberRow is the subset of a members row the actor's command handlers
// consult for authorization and fan-out decisions.
type memberRow struct {
	DeviceID   string
	UserDID    string
	LeftAt     *time.Time
	IsAdmin    bool
	IsModerator bool
	DSDID      string
}

func loadActiveMember(ctx context.Context, tx pgx.Tx, groupID, deviceID string) (memberRow, bool, error) {
	var m memberRow
	m.DeviceID = deviceID
	err := tx.QueryRow(ctx,
		`SELECT user_did, is_admin, is_moderator, ds_did FROM members
		 WHERE group_id = $1 AND device_id = $2 AND left_at IS NULL`,
		groupID, deviceID,
	).Scan(&m.UserDID, &m.IsAdmin, &m.IsModerator, &m.DSDID)
	if err == pgx.ErrNoRows {
		return memberRow{}, false, nil
	}
	if err != nil {
		return memberRow{}, false, dserr.Wrap(dserr.KindStorage, "loading member", err)
	}
	return m, true, nil
}

// activeMembers returns every non-left member of groupID, for fan-out.
func activeMembers(ctx context.Context, tx pgx.Tx, groupID string) ([]memberRow, error) {
	rows, err := tx.Query(ctx,
		`SELECT device_id, user_did, is_admin, is_moderator, ds_did FROM members
		 WHERE group_id = $1 AND left_at IS NULL`, groupID)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing active members", err)
	}
	defer rows.Close()

	var out []memberRow
	for rows.Next() {
		var m memberRow
		if err := rows.Scan(&m.DeviceID, &m.UserDID, &m.IsAdmin, &m.IsModerator, &m.DSDID); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning member row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// countActiveAdmins counts active admin members, used to enforce
// prevent_removing_last_admin.
func countActiveAdmins(ctx context.Context, tx pgx.Tx, groupID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE group_id = $1 AND left_at IS NULL AND is_admin = TRUE`,
		groupID,
	).Scan(&n)
	if err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "counting active admins", err)
	}
	return n, nil
}

// preventRemovingLastAdmin reports whether the conversation's policy
// protects its last admin from demotion/removal.
func preventRemovingLastAdmin(ctx context.Context, tx pgx.Tx, groupID string) (bool, error) {
	var protect bool
	err := tx.QueryRow(ctx,
		`SELECT prevent_removing_last_admin FROM conversation_policy WHERE group_id = $1`, groupID,
	).Scan(&protect)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dserr.Wrap(dserr.KindStorage, "loading policy", err)
	}
	return protect, nil
}

// insertMessage writes a new app or commit message row, returning its id
// and assigned sequence number. If msgID collides with an existing row in
// the same conversation, the existing row's id is returned instead so the
// caller can respond idempotently (§7, §8).
func insertMessage(ctx context.Context, tx pgx.Tx, id, groupID, kind string, epoch uint64, ciphertext []byte, msgID string, paddedSize int, idempotencyKey string) (resultID string, seq int64, existed bool, err error) {
	if msgID != "" {
		var existingID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM messages WHERE group_id = $1 AND msg_id = $2`, groupID, msgID,
		).Scan(&existingID)
		if err == nil {
			return existingID, 0, true, nil
		}
		if err != pgx.ErrNoRows {
			return "", 0, false, dserr.Wrap(dserr.KindStorage, "checking message dedup", err)
		}
	}

	var nextSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT coalesce(max(seq), 0) + 1 FROM messages WHERE group_id = $1`, groupID,
	).Scan(&nextSeq); err != nil {
		return "", 0, false, dserr.Wrap(dserr.KindStorage, "computing next seq", err)
	}

	var idk *string
	if idempotencyKey != "" {
		idk = &idempotencyKey
	}
	var mid *string
	if msgID != "" {
		mid = &msgID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, group_id, kind, epoch, seq, ciphertext, msg_id, padded_size, received_bucket_ts, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, date_trunc('second', now()) - (extract(epoch from now())::int % 2) * interval '1 second', $9)`,
		id, groupID, kind, epoch, nextSeq, ciphertext, mid, paddedSize, idk)
	if err != nil {
		return "", 0, false, dserr.Wrap(dserr.KindStorage, "inserting message", err)
	}
	return id, nextSeq, false, nil
}

// casAdvanceEpoch implements the compare-and-swap required for every epoch
// advance (§4.8, §9): the row transitions from expectedEpoch to
// expectedEpoch+1 only if no concurrent submission already moved it.
func casAdvanceEpoch(ctx context.Context, tx pgx.Tx, groupID string, expectedEpoch uint64) (advanced bool, currentEpoch uint64, err error) {
	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET current_epoch = current_epoch + 1
		 WHERE group_id = $1 AND current_epoch = $2`, groupID, expectedEpoch)
	if err != nil {
		return false, 0, dserr.Wrap(dserr.KindStorage, "advancing epoch", err)
	}
	if tag.RowsAffected() == 1 {
		return true, expectedEpoch + 1, nil
	}

	var current uint64
	if err := tx.QueryRow(ctx,
		`SELECT current_epoch FROM conversations WHERE group_id = $1`, groupID,
	).Scan(&current); err != nil {
		return false, 0, dserr.Wrap(dserr.KindStorage, "reading current epoch after cas miss", err)
	}
	return false, current, nil
}

// insertCommitRecord writes the commit bytes for (groupID, epoch). The
// primary key (group_id, epoch) enforces unique-commit-per-epoch even if
// two callers somehow both pass the CAS (they cannot, since the CAS already
// serializes on current_epoch, but the constraint is the storage-level
// backstop named in §8).
func insertCommitRecord(ctx context.Context, tx pgx.Tx, groupID string, epoch uint64, commitBytes []byte, submittedBy string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO commit_records (group_id, epoch, commit_bytes, submitted_by) VALUES ($1, $2, $3, $4)`,
		groupID, epoch, commitBytes, submittedBy)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "inserting commit record", err)
	}
	return nil
}

// updateGroupInfoCache atomically replaces the conversation's cached
// group_info alongside the epoch it was computed at.
func updateGroupInfoCache(ctx context.Context, tx pgx.Tx, groupID string, epoch uint64, groupInfo []byte) error {
	_, err := tx.Exec(ctx,
		`UPDATE conversations SET group_info = $3, group_info_epoch = $2, group_info_fetched_at = now()
		 WHERE group_id = $1`, groupID, epoch, groupInfo)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "updating group info cache", err)
	}
	return nil
}

// softLeave marks member as left; returns false if the member was already
// left (idempotent no-op per §4.8 command 4 / §8). removed distinguishes an
// admin-initiated removal, which bars the member from rejoining via
// external commit, from a voluntary leave, which does not.
func softLeave(ctx context.Context, tx pgx.Tx, groupID, deviceID string, removed bool) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE members SET left_at = now(), unread_count = 0, needs_rejoin = FALSE,
		        rejoin_requested_at = NULL, rejoin_key_package_hash = NULL, removed = $3
		 WHERE group_id = $1 AND device_id = $2 AND left_at IS NULL`,
		groupID, deviceID, removed)
	if err != nil {
		return false, dserr.Wrap(dserr.KindStorage, "soft-deleting member", err)
	}
	return tag.RowsAffected() > 0, nil
}

// setRole promotes or demotes target to/from role.
func setRole(ctx context.Context, tx pgx.Tx, groupID, target, promoter string, role Role, promote bool) error {
	col := "is_admin"
	if role == RoleModerator {
		col = "is_moderator"
	}
	query := `UPDATE members SET ` + col + ` = $3, promoted_by = $4, promoted_at = now()
	          WHERE group_id = $1 AND device_id = $2 AND left_at IS NULL`
	tag, err := tx.Exec(ctx, query, groupID, target, promote, promoter)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "updating member role", err)
	}
	if tag.RowsAffected() == 0 {
		return dserr.New(dserr.KindNotMember, "target is not an active member")
	}
	return nil
}

// insertMember adds a new active member row, used when AddMembers splices a
// freshly-welcomed device into the roster.
func insertMember(ctx context.Context, tx pgx.Tx, groupID, deviceID, userDID, dsDID string, isAdmin bool) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO members (group_id, device_id, user_did, is_admin, ds_did)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (group_id, device_id) DO UPDATE
		   SET left_at = NULL, unread_count = 0, needs_rejoin = FALSE,
		       rejoin_requested_at = NULL, rejoin_key_package_hash = NULL,
		       removed = FALSE, joined_at = now()`,
		groupID, deviceID, userDID, isAdmin, dsDID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "inserting member", err)
	}
	return nil
}

// lookupAvailableKeyPackageOwner finds the owner and device of the
// available key package tagged hash, so AddMembers can Reserve it without
// the caller having to already know which user published it.
func lookupAvailableKeyPackageOwner(ctx context.Context, tx pgx.Tx, hash string) (ownerDID, deviceID string, err error) {
	err = tx.QueryRow(ctx,
		`SELECT owner_did, device_id FROM key_packages WHERE sha256_hash = $1 AND status = 'available'`,
		hash,
	).Scan(&ownerDID, &deviceID)
	if err == pgx.ErrNoRows {
		return "", "", dserr.New(dserr.KindWelcomeUnavailable, "key package is not available")
	}
	if err != nil {
		return "", "", dserr.Wrap(dserr.KindStorage, "looking up key package owner", err)
	}
	return ownerDID, deviceID, nil
}

// registerDeviceKey persists a device's signature public key the first time
// it registers, and rejects a later registration attempt under a different
// key for the same device id (§4.8 command 6).
func registerDeviceKey(ctx context.Context, pool *pgxpool.Pool, userDID, deviceID string, sigPublicKey []byte) error {
	var existing []byte
	err := pool.QueryRow(ctx,
		`SELECT sig_public_key FROM device_keys WHERE user_did = $1 AND device_id = $2`,
		userDID, deviceID,
	).Scan(&existing)
	if err == nil {
		if string(existing) != string(sigPublicKey) {
			return dserr.New(dserr.KindConflict, "device is already registered under a different key")
		}
		return nil
	}
	if err != pgx.ErrNoRows {
		return dserr.Wrap(dserr.KindStorage, "loading device key", err)
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO device_keys (user_did, device_id, sig_public_key) VALUES ($1, $2, $3)`,
		userDID, deviceID, sigPublicKey)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "registering device key", err)
	}
	return nil
}

// markRejoinRequested flags the most recent (left) membership row for
// userDID as awaiting a rejoin handoff, once extcommit.Authorizer has
// already validated the request. An online admin's client (or an automated
// matcher) watches for this flag to produce a fresh Welcome.
func markRejoinRequested(ctx context.Context, tx pgx.Tx, groupID, userDID, keyPackageHash string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE members SET needs_rejoin = TRUE, rejoin_requested_at = now(),
		        rejoin_key_package_hash = $3, rejoin_auto_approved = TRUE
		 WHERE group_id = $1 AND user_did = $2 AND left_at IS NOT NULL`,
		groupID, userDID, keyPackageHash)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "marking rejoin requested", err)
	}
	if tag.RowsAffected() == 0 {
		return dserr.New(dserr.KindConflict, "no prior membership record to rejoin")
	}
	return nil
}

// activeConversationsForUser lists every conversation userDID currently
// belongs to, so RegisterDevice can fan a PendingDeviceAddition marker out
// across all of them.
func activeConversationsForUser(ctx context.Context, pool *pgxpool.Pool, userDID string) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT DISTINCT group_id FROM members WHERE user_did = $1 AND left_at IS NULL`, userDID)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing user's conversations", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning conversation id", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
