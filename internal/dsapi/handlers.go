package dsapi

import (
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

type deliverMessageRequest struct {
	SenderDsDid string `json:"senderDsDid"`
	ConvoID     string `json:"convoId"`
	Message     struct {
		ID         string        `json:"id"`
		Kind       string        `json:"kind"`
		Epoch      uint64        `json:"epoch"`
		Seq        int64         `json:"seq"`
		Ciphertext apiutil.Bytes `json:"ciphertext"`
		MsgID      string        `json:"msg_id,omitempty"`
		PaddedSize int           `json:"padded_size"`
	} `json:"message"`
}

// handleDeliverMessage receives one sequenced message for a conversation
// whose sequencer is the calling peer, persisting it and fanning it out to
// locally-homed members. Redelivery of an already-seen message id is
// acknowledged as success.
func (s *Server) handleDeliverMessage(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req deliverMessageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}
	if req.Message.Kind != "app" && req.Message.Kind != "commit" {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindInvalidCommit, "message kind must be app or commit"))
		return
	}

	meta, err := s.loadConvoMeta(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	if !meta.IsRemote || !identity.Equal(meta.SequencerDS, peer.Issuer) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "caller is not the sequencer for this conversation"))
		return
	}

	err = apiutil.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(r.Context(),
			`INSERT INTO messages (id, group_id, kind, epoch, seq, ciphertext, msg_id, padded_size, received_bucket_ts)
			 VALUES ($1, $2, $3, $4, $5, $6, nullif($7, ''), $8, date_trunc('second', now()) - (extract(epoch from now())::int % 2) * interval '1 second')
			 ON CONFLICT DO NOTHING`,
			req.Message.ID, req.ConvoID, req.Message.Kind, req.Message.Epoch, req.Message.Seq,
			[]byte(req.Message.Ciphertext), req.Message.MsgID, req.Message.PaddedSize)
		if err != nil {
			return dserr.Wrap(dserr.KindStorage, "persisting forwarded message", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		payload, _ := json.Marshal(map[string]any{
			"id": req.Message.ID, "seq": req.Message.Seq, "epoch": req.Message.Epoch, "msg_id": req.Message.MsgID,
		})
		event, err := eventstream.Append(r.Context(), tx, req.ConvoID, "message", payload)
		if err != nil {
			return err
		}

		devices, err := s.localActiveDevices(r.Context(), tx, req.ConvoID)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if err := s.Mailbox.Deliver(r.Context(), tx, req.ConvoID, d, req.Message.ID, event.ID, "message"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

type deliverWelcomeRequest struct {
	SenderDsDid    string        `json:"senderDsDid"`
	ConvoID        string        `json:"convoId"`
	RecipientDID   string        `json:"recipientDid"`
	KeyPackageHash string        `json:"keyPackageHash"`
	Welcome        apiutil.Bytes `json:"welcome"`
}

// handleDeliverWelcome stores a Welcome forwarded by a remote sequencer for
// a device homed here, creating the local member row when the add precedes
// any other knowledge of the conversation on this DS.
func (s *Server) handleDeliverWelcome(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req deliverWelcomeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}
	di, ok := identity.ParseDeviceIdentity(req.RecipientDID)
	if !ok {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "recipientDid must be device-scoped"))
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	var eventID string
	err := apiutil.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		// The conversation may be unknown here when the welcome is the first
		// artifact to arrive; create the remote-sequenced shell row so child
		// rows have a parent.
		if _, err := tx.Exec(r.Context(),
			`INSERT INTO conversations (group_id, creator, current_epoch, cipher_suite, sequencer_ds, is_remote)
			 VALUES ($1, $2, 0, 0, $3, TRUE)
			 ON CONFLICT (group_id) DO NOTHING`,
			req.ConvoID, identity.Canonicalize(peer.Issuer).DID, identity.Canonicalize(peer.Issuer).DID); err != nil {
			return dserr.Wrap(dserr.KindStorage, "ensuring conversation shell", err)
		}

		if _, err := tx.Exec(r.Context(),
			`INSERT INTO members (group_id, device_id, user_did, ds_did)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (group_id, device_id) DO NOTHING`,
			req.ConvoID, di.DeviceID, di.UserDID, s.SelfDID); err != nil {
			return dserr.Wrap(dserr.KindStorage, "ensuring member row", err)
		}

		if err := welcome.Emit(r.Context(), tx, req.ConvoID, di.DeviceID, req.KeyPackageHash, req.Welcome); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{"key_package_hash": req.KeyPackageHash})
		event, err := eventstream.Append(r.Context(), tx, req.ConvoID, "welcome", payload)
		if err != nil {
			return err
		}
		eventID = event.ID
		return nil
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}

	s.Mailbox.Notify(req.ConvoID, di.DeviceID, eventID, "welcome")
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

type submitCommitRequest struct {
	SenderDsDid string        `json:"senderDsDid"`
	ConvoID     string        `json:"convoId"`
	SenderDID   string        `json:"senderDid"`
	Epoch       uint64        `json:"epoch"`
	Commit      apiutil.Bytes `json:"commit"`
	GroupInfo   apiutil.Bytes `json:"groupInfo,omitempty"`
}

// handleSubmitCommit is the sequencer-side intake for a commit produced by
// a member homed on the calling peer DS.
func (s *Server) handleSubmitCommit(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req submitCommitRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}
	di, ok := identity.ParseDeviceIdentity(req.SenderDID)
	if !ok {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "senderDid must be device-scoped"))
		return
	}

	meta, err := s.loadConvoMeta(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	if meta.IsRemote || !identity.Equal(meta.SequencerDS, s.SelfDID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "this delivery service is not the sequencer for the conversation"))
		return
	}

	homeDS, isMember, err := s.memberHomeDS(r.Context(), req.ConvoID, di.DeviceID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	if !isMember || !identity.Equal(homeDS, peer.Issuer) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "caller does not serve the submitting member"))
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdSubmitCommit, actor.SubmitCommitArgs{
		Sender:      di.DeviceID,
		Epoch:       req.Epoch,
		CommitBytes: req.Commit,
		GroupInfo:   req.GroupInfo,
		Remote:      true,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}

	var data struct {
		Epoch      uint64 `json:"epoch"`
		CommitHash string `json:"commit_hash"`
	}
	json.Unmarshal(res.Data, &data)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"epoch": data.Epoch, "commitHash": data.CommitHash})
}

type fetchKeyPackageRequest struct {
	SenderDsDid string `json:"senderDsDid"`
	ConvoID     string `json:"convoId"`
	DID         string `json:"did"`
}

// handleFetchKeyPackage hands one available key package for a locally-homed
// user to a peer that sequences or participates in the conversation.
func (s *Server) handleFetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req fetchKeyPackageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	meta, err := s.loadConvoMeta(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	participant, err := s.peerServesParticipant(r.Context(), req.ConvoID, identity.Canonicalize(peer.Issuer).DID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	if !identity.Equal(meta.SequencerDS, peer.Issuer) && !participant {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "caller is neither sequencer nor participant DS for this conversation"))
		return
	}

	kp, keyBytes, err := s.KeyPackages.FetchOne(r.Context(), identity.Canonicalize(req.DID).DID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"keyPackage":     apiutil.Bytes(keyBytes),
		"keyPackageHash": kp.SHA256Hash,
		"did":            kp.OwnerDID + "#" + kp.DeviceID,
	})
}

type transferSequencerRequest struct {
	SenderDsDid    string `json:"senderDsDid"`
	ConvoID        string `json:"convoId"`
	NewSequencerDs string `json:"newSequencerDs"`
}

// handleTransferSequencer re-points a conversation's sequencer. Only the
// current sequencer may hand off authority.
func (s *Server) handleTransferSequencer(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req transferSequencerRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}
	if !identity.Valid(req.NewSequencerDs) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "newSequencerDs must be a DID"))
		return
	}

	meta, err := s.loadConvoMeta(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	if !identity.Equal(meta.SequencerDS, peer.Issuer) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "only the current sequencer may transfer authority"))
		return
	}

	newSeq := identity.Canonicalize(req.NewSequencerDs).DID
	err = apiutil.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(r.Context(),
			`UPDATE conversations SET sequencer_ds = $2, is_remote = $3 WHERE group_id = $1`,
			req.ConvoID, newSeq, !identity.Equal(newSeq, s.SelfDID)); err != nil {
			return dserr.Wrap(dserr.KindStorage, "re-pointing sequencer", err)
		}
		payload, _ := json.Marshal(map[string]any{"new_sequencer": newSeq})
		_, err := eventstream.Append(r.Context(), tx, req.ConvoID, "sequencer_transferred", payload)
		return err
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type handshakeRequest struct {
	SenderDsDid  string   `json:"senderDsDid"`
	Capabilities []string `json:"capabilities"`
}

// handleHandshake records the peer's advertised capabilities and returns
// this DS's own set.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())

	var req handshakeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.bindSender(w, peer.Issuer, req.SenderDsDid) {
		return
	}

	if err := s.Peers.SetCapabilities(r.Context(), identity.Canonicalize(peer.Issuer).DID, req.Capabilities); err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"capabilities": selfCapabilities})
}

// bindSender enforces the senderDsDid-to-issuer binding on endpoints whose
// payload names the sending DS (§4.3).
func (s *Server) bindSender(w http.ResponseWriter, issuer, senderDsDid string) bool {
	if senderDsDid == "" {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindInvalidToken, "senderDsDid is required"))
		return false
	}
	if !identity.Equal(issuer, senderDsDid) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindInvalidToken, "senderDsDid does not match the token issuer"))
		return false
	}
	return true
}
