package dsapi

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// convoMeta is the conversation-level routing state the federation handlers
// check before touching any child row.
type convoMeta struct {
	SequencerDS  string
	IsRemote     bool
	CurrentEpoch uint64
}

func (s *Server) loadConvoMeta(ctx context.Context, groupID string) (convoMeta, error) {
	var m convoMeta
	err := s.Pool.QueryRow(ctx,
		`SELECT sequencer_ds, is_remote, current_epoch FROM conversations WHERE group_id = $1`,
		groupID).Scan(&m.SequencerDS, &m.IsRemote, &m.CurrentEpoch)
	if err == pgx.ErrNoRows {
		return convoMeta{}, dserr.New(dserr.KindConflict, "conversation does not exist on this delivery service")
	}
	if err != nil {
		return convoMeta{}, dserr.Wrap(dserr.KindStorage, "loading conversation metadata", err)
	}
	return m, nil
}

// localActiveDevices lists the device ids of active members homed on this
// DS, the fan-out targets for a forwarded artifact.
func (s *Server) localActiveDevices(ctx context.Context, tx pgx.Tx, groupID string) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT device_id FROM members
		 WHERE group_id = $1 AND left_at IS NULL AND (ds_did = '' OR ds_did = $2)`,
		groupID, s.SelfDID)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindStorage, "listing local members", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, dserr.Wrap(dserr.KindStorage, "scanning local member", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// memberHomeDS returns the ds_did recorded for an active member device, or
// ok=false if the device is not an active member.
func (s *Server) memberHomeDS(ctx context.Context, groupID, deviceID string) (string, bool, error) {
	var dsDID string
	err := s.Pool.QueryRow(ctx,
		`SELECT ds_did FROM members WHERE group_id = $1 AND device_id = $2 AND left_at IS NULL`,
		groupID, deviceID).Scan(&dsDID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, dserr.Wrap(dserr.KindStorage, "loading member home DS", err)
	}
	return dsDID, true, nil
}

// peerServesParticipant reports whether peerDID is the home DS of at least
// one active member of groupID.
func (s *Server) peerServesParticipant(ctx context.Context, groupID, peerDID string) (bool, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE group_id = $1 AND ds_did = $2 AND left_at IS NULL`,
		groupID, peerDID).Scan(&n)
	if err != nil {
		return false, dserr.Wrap(dserr.KindStorage, "checking peer participation", err)
	}
	return n > 0, nil
}
