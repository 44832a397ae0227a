package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

// InitialMember is one founding member added at createConvo time: the
// device, the key package backing its add, and the Welcome it will fetch.
type InitialMember struct {
	DeviceID       string
	UserDID        string
	KeyPackageHash string
	WelcomeBytes   []byte
}

// NewConversationParams describes a conversation's initial row set, created
// directly against storage rather than through the actor's command queue:
// the actor's loadConversationState assumes the row already exists, so
// creation is the one write path that happens before an Actor is ever
// spawned for the group (§4.8, §4.1 createConvo).
type NewConversationParams struct {
	GroupID     string
	Creator     string
	CreatorUser string
	CipherSuite uint16
	SequencerDS string

	AllowExternalCommits bool
	RequireInvite        bool
	AllowRejoin          bool
	RejoinWindowDays     int
	MaxMembers           int

	// InitialMembers are added at creation: each reserves its key package
	// and receives a Welcome within the same transaction. A non-empty list
	// leaves the conversation at epoch 1 (creation carries the group's
	// founding commit); an empty list leaves it at epoch 0.
	InitialMembers []InitialMember
}

// CreateConversation inserts the conversation, its policy row, its founding
// admin member, and every initial member's reservation and Welcome, all
// within one transaction, returning the conversation's starting epoch. A
// conflicting group id is reported as dserr.KindConflict.
func CreateConversation(ctx context.Context, pool *pgxpool.Pool, p NewConversationParams) (uint64, error) {
	if !ValidGroupID(p.GroupID) {
		return 0, dserr.New(dserr.KindGroupIDInvalid, "group id must be lowercase hex")
	}
	if p.MaxMembers <= 0 {
		p.MaxMembers = 250
	}
	if p.RejoinWindowDays <= 0 {
		p.RejoinWindowDays = 30
	}

	var startEpoch uint64
	if len(p.InitialMembers) > 0 {
		startEpoch = 1
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "beginning create_convo transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO conversations (group_id, creator, current_epoch, cipher_suite, sequencer_ds, is_remote)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (group_id) DO NOTHING`,
		p.GroupID, p.Creator, startEpoch, p.CipherSuite, p.SequencerDS)
	if err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "inserting conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, dserr.New(dserr.KindConflict, "conversation already exists")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_policy
		   (group_id, allow_external_commits, require_invite, allow_rejoin, rejoin_window_days,
		    prevent_removing_last_admin, max_members, configured_by)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`,
		p.GroupID, p.AllowExternalCommits, p.RequireInvite, p.AllowRejoin, p.RejoinWindowDays,
		p.MaxMembers, p.Creator); err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "inserting conversation policy", err)
	}

	if err := insertMember(ctx, tx, p.GroupID, p.Creator, p.CreatorUser, "", true); err != nil {
		return 0, err
	}

	for _, im := range p.InitialMembers {
		if _, err := keypackage.Reserve(ctx, tx, im.UserDID, im.KeyPackageHash); err != nil {
			return 0, err
		}
		if err := welcome.Emit(ctx, tx, p.GroupID, im.DeviceID, im.KeyPackageHash, im.WelcomeBytes); err != nil {
			return 0, err
		}
		if err := insertMember(ctx, tx, p.GroupID, im.DeviceID, im.UserDID, "", false); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "committing create_convo", err)
	}
	return startEpoch, nil
}

// RegisterDevice records a device's signature public key, rejecting
// re-registration under a different key for the same device id, and drops a
// pending_device_addition event into every conversation the user belongs to
// so a peer device can generate a Welcome. Registration is user-scoped, so
// it bypasses the per-conversation command queue: the event appends are
// pure inserts with no CAS or cached-state dependency (§4.8 command 6).
func RegisterDevice(ctx context.Context, pool *pgxpool.Pool, args RegisterDeviceArgs) (notified int, err error) {
	if err := registerDeviceKey(ctx, pool, args.UserDID, args.DeviceID, args.SigPublicKey); err != nil {
		return 0, err
	}

	convos, err := activeConversationsForUser(ctx, pool, args.UserDID)
	if err != nil {
		return 0, err
	}

	payload, _ := json.Marshal(map[string]any{"user_did": args.UserDID, "device_id": args.DeviceID})
	for _, g := range convos {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return 0, dserr.Wrap(dserr.KindStorage, "beginning pending-device-addition transaction", err)
		}
		if _, err := eventstream.Append(ctx, tx, g, "pending_device_addition", payload); err != nil {
			tx.Rollback(ctx)
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, dserr.Wrap(dserr.KindStorage, "committing pending-device-addition", err)
		}
	}
	return len(convos), nil
}

// ConversationSummary is one row of a user's conversation list (getConvos).
type ConversationSummary struct {
	GroupID      string
	CurrentEpoch uint64
	CipherSuite  uint16
	IsAdmin      bool
	UnreadCount  int
	LastRead     string
}

// ListConversationsForUser lists every conversation deviceID is an active
// member of, for the getConvos client endpoint.
func ListConversationsForUser(ctx context.Context, pool *pgxpool.Pool, deviceID string) ([]ConversationSummary, error) {
	rows, err := pool.Query(ctx,
		`SELECT c.group_id, c.current_epoch, c.cipher_suite, m.is_admin, m.unread_count, coalesce(m.last_read, '')
		 FROM members m JOIN conversations c ON c.group_id = m.group_id
		 WHERE m.device_id = $1 AND m.left_at IS NULL
		 ORDER BY c.group_id`,
		deviceID)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing conversations", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.GroupID, &s.CurrentEpoch, &s.CipherSuite, &s.IsAdmin, &s.UnreadCount, &s.LastRead); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning conversation summary", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetEpoch returns the conversation's current epoch, for the getEpoch
// client endpoint.
func GetEpoch(ctx context.Context, pool *pgxpool.Pool, groupID string) (uint64, error) {
	var epoch uint64
	err := pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE group_id = $1`, groupID).Scan(&epoch)
	if err == pgx.ErrNoRows {
		return 0, dserr.New(dserr.KindConflict, "conversation does not exist")
	}
	if err != nil {
		return 0, dserr.Wrap(dserr.KindStorage, "reading current epoch", err)
	}
	return epoch, nil
}

// MessageRow is one messages row returned from getMessages.
type MessageRow struct {
	ID         string
	Kind       string
	Epoch      uint64
	Seq        int64
	Ciphertext []byte
	MsgID      string
	PaddedSize int
	CreatedAt  time.Time
}

// ListMessages returns up to limit messages for groupID with seq strictly
// greater than afterSeq, for the getMessages client endpoint's cursor-based
// pagination.
func ListMessages(ctx context.Context, pool *pgxpool.Pool, groupID string, afterSeq int64, limit int) ([]MessageRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := pool.Query(ctx,
		`SELECT id, kind, epoch, seq, ciphertext, coalesce(msg_id, ''), padded_size, created_at
		 FROM messages WHERE group_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		groupID, afterSeq, limit)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing messages", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Kind, &m.Epoch, &m.Seq, &m.Ciphertext, &m.MsgID, &m.PaddedSize, &m.CreatedAt); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning message row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessagesBefore returns up to limit messages for groupID with seq
// strictly less than beforeSeq, newest first, for backward pagination from a
// cursor. Pass beforeSeq <= 0 to start from the newest message. nextCursor
// is the lowest seq in the page, or 0 when the page is empty.
func ListMessagesBefore(ctx context.Context, pool *pgxpool.Pool, groupID string, beforeSeq int64, limit int) ([]MessageRow, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	rows, err := pool.Query(ctx,
		`SELECT id, kind, epoch, seq, ciphertext, coalesce(msg_id, ''), padded_size, created_at
		 FROM messages WHERE group_id = $1 AND seq < $2
		 ORDER BY seq DESC LIMIT $3`,
		groupID, beforeSeq, limit)
	if err != nil {
		return nil, 0, dserr.Wrap(dserr.KindStorage, "listing messages before cursor", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Kind, &m.Epoch, &m.Seq, &m.Ciphertext, &m.MsgID, &m.PaddedSize, &m.CreatedAt); err != nil {
			return nil, 0, dserr.Wrap(dserr.KindStorage, "scanning message row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dserr.Wrap(dserr.KindStorage, "iterating message rows", err)
	}

	var next int64
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

// CommitRecordRow is one commit_records row returned from getCommits.
type CommitRecordRow struct {
	Epoch       uint64
	CommitBytes []byte
	SubmittedBy string
	CreatedAt   time.Time
}

// ListCommits returns every commit record for groupID at epoch > fromEpoch,
// for the getCommits client endpoint; callers pair this with
// receipt.Store.ListSince to attach each commit's sequencer receipt.
func ListCommits(ctx context.Context, pool *pgxpool.Pool, groupID string, fromEpoch uint64) ([]CommitRecordRow, error) {
	rows, err := pool.Query(ctx,
		`SELECT epoch, commit_bytes, submitted_by, created_at FROM commit_records
		 WHERE group_id = $1 AND epoch > $2
		 ORDER BY epoch ASC`,
		groupID, fromEpoch)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing commit records", err)
	}
	defer rows.Close()

	var out []CommitRecordRow
	for rows.Next() {
		var c CommitRecordRow
		if err := rows.Scan(&c.Epoch, &c.CommitBytes, &c.SubmittedBy, &c.CreatedAt); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning commit record", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
