package api

import (
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/mailbox"
)

type createConvoRequest struct {
	GroupID          string            `json:"groupId"`
	CipherSuite      CipherSuite       `json:"cipherSuite"`
	Members          []string          `json:"members"`
	Welcomes         []apiutil.Bytes   `json:"welcomes"`
	KeyPackageHashes map[string]string `json:"keyPackageHashes"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
}

// handleCreateConvo creates a conversation with this DS as sequencer, adding
// the caller as founding admin and each listed member with its Welcome.
func (s *Server) handleCreateConvo(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req createConvoRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Welcomes) != len(req.Members) {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "welcomes must align with members")
		return
	}

	initial := make([]actor.InitialMember, 0, len(req.Members))
	for i, m := range req.Members {
		di, ok := identity.ParseDeviceIdentity(m)
		if !ok {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "members must be device-scoped identifiers")
			return
		}
		hash, ok := req.KeyPackageHashes[m]
		if !ok {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "every member needs a key package hash")
			return
		}
		initial = append(initial, actor.InitialMember{
			DeviceID:       di.DeviceID,
			UserDID:        di.UserDID,
			KeyPackageHash: hash,
			WelcomeBytes:   req.Welcomes[i],
		})
	}

	epoch, err := actor.CreateConversation(r.Context(), s.Pool, actor.NewConversationParams{
		GroupID:        req.GroupID,
		Creator:        caller.DeviceID,
		CreatorUser:    caller.UserDID,
		CipherSuite:    uint16(req.CipherSuite),
		SequencerDS:    s.SelfDID,
		InitialMembers: initial,
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"convoId": req.GroupID, "epoch": epoch})
}

// handleGetConvos lists the caller's active conversations with member
// summaries.
func (s *Server) handleGetConvos(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	convos, err := actor.ListConversationsForUser(r.Context(), s.Pool, caller.DeviceID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}

	type convoView struct {
		ConvoID     string `json:"convoId"`
		Epoch       uint64 `json:"epoch"`
		CipherSuite uint16 `json:"cipherSuite"`
		IsAdmin     bool   `json:"isAdmin"`
		UnreadCount int    `json:"unreadCount"`
		LastRead    string `json:"lastRead,omitempty"`
	}
	out := make([]convoView, 0, len(convos))
	for _, c := range convos {
		out = append(out, convoView{
			ConvoID:     c.GroupID,
			Epoch:       c.CurrentEpoch,
			CipherSuite: c.CipherSuite,
			IsAdmin:     c.IsAdmin,
			UnreadCount: c.UnreadCount,
			LastRead:    c.LastRead,
		})
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"convos": out})
}

// handleGetEpoch returns a conversation's current epoch.
func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	convoID := r.URL.Query().Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	epoch, err := actor.GetEpoch(r.Context(), s.Pool, convoID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"epoch": epoch})
}

type leaveConvoRequest struct {
	ConvoID        string `json:"convoId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// handleLeaveConvo soft-deletes the caller's membership; repeated leaves are
// reported as success.
func (s *Server) handleLeaveConvo(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req leaveConvoRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdLeave, actor.LeaveArgs{Member: caller.DeviceID})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type updateMemberRoleRequest struct {
	ConvoID        string `json:"convoId"`
	TargetDid      string `json:"targetDid"`
	Role           string `json:"role"`
	Promote        bool   `json:"promote"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// handleUpdateMemberRole promotes or demotes a member's admin/moderator
// role; only admins may change roles, and the last admin is protected when
// the conversation's policy says so.
func (s *Server) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req updateMemberRoleRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	role := actor.Role(req.Role)
	if role != actor.RoleAdmin && role != actor.RoleModerator {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "role must be admin or moderator")
		return
	}
	target, ok := identity.ParseDeviceIdentity(req.TargetDid)
	if !ok {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "targetDid must be a device-scoped identifier")
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdPromoteDemote, actor.PromoteDemoteArgs{
		Actor:   caller.DeviceID,
		Target:  target.DeviceID,
		Role:    role,
		Promote: req.Promote,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type registerDeviceRequest struct {
	SigPublicKey   apiutil.Bytes `json:"sigPublicKey"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// handleRegisterDevice records the caller device's signature public key and
// notifies every conversation the user belongs to that a peer device should
// generate a Welcome for it.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.SigPublicKey) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "sigPublicKey must not be empty")
		return
	}

	notified, err := actor.RegisterDevice(r.Context(), s.Pool, actor.RegisterDeviceArgs{
		UserDID:      caller.UserDID,
		DeviceID:     caller.DeviceID,
		SigPublicKey: req.SigPublicKey,
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"registered": true, "conversationsNotified": notified})
}

type updateCursorRequest struct {
	ConvoID string `json:"convoId"`
	Cursor  string `json:"cursor"`
}

// handleUpdateCursor advances the caller's read cursor and clears its unread
// count.
func (s *Server) handleUpdateCursor(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req updateCursorRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	err := apiutil.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		return mailbox.MarkRead(r.Context(), tx, req.ConvoID, caller.DeviceID, req.Cursor)
	})
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
