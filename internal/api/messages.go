package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/receipt"
)

type sendMessageRequest struct {
	ConvoID        string        `json:"convoId"`
	Ciphertext     apiutil.Bytes `json:"ciphertext"`
	Epoch          uint64        `json:"epoch"`
	MsgID          string        `json:"msg_id"`
	PaddedSize     int           `json:"padded_size"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// handleSendMessage appends one application message to the conversation.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if _, err := ulid.ParseStrict(req.MsgID); err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "msg_id must be a ULID")
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdSendApp, actor.SendAppArgs{
		Sender:         caller.DeviceID,
		MsgID:          req.MsgID,
		Ciphertext:     req.Ciphertext,
		PaddedSize:     req.PaddedSize,
		EpochHint:      req.Epoch,
		IdempotencyKey: req.IdempotencyKey,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}

	var data struct {
		ID string `json:"id"`
	}
	json.Unmarshal(res.Data, &data)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"messageId": data.ID})
}

// handleGetMessages pages backward from a cursor through a conversation's
// messages.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	q := r.URL.Query()
	convoID := q.Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	var before int64
	if v := q.Get("before"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "before must be a numeric cursor")
			return
		}
		before = parsed
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	msgs, next, err := actor.ListMessagesBefore(r.Context(), s.Pool, convoID, before, limit)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}

	type messageView struct {
		MessageID  string        `json:"messageId"`
		Kind       string        `json:"kind"`
		Epoch      uint64        `json:"epoch"`
		Seq        int64         `json:"seq"`
		Ciphertext apiutil.Bytes `json:"ciphertext"`
		MsgID      string        `json:"msg_id,omitempty"`
		PaddedSize int           `json:"padded_size"`
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			MessageID:  m.ID,
			Kind:       m.Kind,
			Epoch:      m.Epoch,
			Seq:        m.Seq,
			Ciphertext: m.Ciphertext,
			MsgID:      m.MsgID,
			PaddedSize: m.PaddedSize,
		})
	}

	resp := map[string]any{"messages": out}
	if next > 0 {
		resp["nextCursor"] = strconv.FormatInt(next, 10)
	}
	apiutil.WriteJSON(w, http.StatusOK, resp)
}

// handleGetCommits returns the commits after fromEpoch (exclusive), each
// commit paired with its sequencer receipt.
func (s *Server) handleGetCommits(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	q := r.URL.Query()
	convoID := q.Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}
	fromEpoch, _ := strconv.ParseUint(q.Get("fromEpoch"), 10, 64)

	commits, err := actor.ListCommits(r.Context(), s.Pool, convoID, fromEpoch)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	receipts, err := s.Receipts.ListSince(r.Context(), convoID, fromEpoch)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	byEpoch := make(map[uint64]receipt.Receipt, len(receipts))
	for _, rc := range receipts {
		byEpoch[rc.Epoch] = rc
	}

	type receiptView struct {
		CommitHash string        `json:"commitHash"`
		Sequencer  string        `json:"sequencer"`
		IssuedAt   string        `json:"issuedAt"`
		Signature  apiutil.Bytes `json:"signature"`
	}
	type commitView struct {
		Epoch   uint64        `json:"epoch"`
		Commit  apiutil.Bytes `json:"commit"`
		Receipt *receiptView  `json:"receipt,omitempty"`
	}
	out := make([]commitView, 0, len(commits))
	for _, c := range commits {
		cv := commitView{Epoch: c.Epoch, Commit: c.CommitBytes}
		if rc, ok := byEpoch[c.Epoch]; ok {
			cv.Receipt = &receiptView{
				CommitHash: rc.CommitHash,
				Sequencer:  rc.Sequencer,
				IssuedAt:   rc.IssuedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
				Signature:  rc.Signature,
			}
		}
		out = append(out, cv)
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"commits": out})
}
