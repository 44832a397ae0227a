package api

import (
	"encoding/json"
	"net/http"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/identity"
)

type addMembersRequest struct {
	ConvoID          string            `json:"convoId"`
	DIDs             []string          `json:"dids"`
	Commit           apiutil.Bytes     `json:"commit"`
	Epoch            uint64            `json:"epoch"`
	GroupInfo        apiutil.Bytes     `json:"groupInfo,omitempty"`
	Welcomes         []apiutil.Bytes   `json:"welcomes"`
	KeyPackageHashes map[string]string `json:"keyPackageHashes"`
	// MemberDsDids optionally names the home DS of an invitee whose key
	// package was fetched over federation; its Welcome is forwarded there.
	MemberDsDids   map[string]string `json:"memberDsDids,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// handleAddMembers adds devices to the conversation under an admin's
// commit, reserving each referenced key package and emitting its Welcome.
func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req addMembersRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Welcomes) != len(req.DIDs) {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "welcomes must align with dids")
		return
	}

	deliveries := make([]actor.WelcomeDelivery, 0, len(req.DIDs))
	for i, did := range req.DIDs {
		di, ok := identity.ParseDeviceIdentity(did)
		if !ok {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "dids must be device-scoped identifiers")
			return
		}
		hash, ok := req.KeyPackageHashes[did]
		if !ok {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "every did needs a key package hash")
			return
		}
		deliveries = append(deliveries, actor.WelcomeDelivery{
			RecipientDevice: di.DeviceID,
			KeyPackageHash:  hash,
			WelcomeBytes:    req.Welcomes[i],
			RecipientUser:   di.UserDID,
			RecipientDsDid:  req.MemberDsDids[did],
		})
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdAddMembers, actor.AddMembersArgs{
		Admin: caller.DeviceID,
		Commit: actor.SubmitCommitArgs{
			Sender:      caller.DeviceID,
			Epoch:       req.Epoch,
			CommitBytes: req.Commit,
			GroupInfo:   req.GroupInfo,
		},
		Welcomes: deliveries,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}

	var data struct {
		Epoch uint64 `json:"epoch"`
	}
	json.Unmarshal(res.Data, &data)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"epoch": data.Epoch})
}

type processExternalCommitRequest struct {
	ConvoID        string        `json:"convoId"`
	Commit         apiutil.Bytes `json:"commit"`
	GroupInfo      apiutil.Bytes `json:"groupInfo,omitempty"`
	PSK            apiutil.Bytes `json:"psk,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// handleProcessExternalCommit splices the caller into the conversation via
// the policy-gated external commit path.
func (s *Server) handleProcessExternalCommit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req processExternalCommitRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdExternalCommit, actor.ExternalCommitArgs{
		Caller:      caller.UserDID + "#" + caller.DeviceID,
		CommitBytes: req.Commit,
		GroupInfo:   req.GroupInfo,
		PSK:         req.PSK,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}

	var data struct {
		Epoch uint64 `json:"epoch"`
	}
	json.Unmarshal(res.Data, &data)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"epoch": data.Epoch})
}

type requestRejoinRequest struct {
	ConvoID        string        `json:"convoId"`
	KeyPackageHash string        `json:"keyPackageHash"`
	PSK            apiutil.Bytes `json:"psk,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// handleRequestRejoin flags the caller's membership for rejoin so a peer
// device can generate the external commit.
func (s *Server) handleRequestRejoin(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req requestRejoinRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	res := s.Registry.Dispatch(r.Context(), req.ConvoID, actor.CmdRejoin, actor.RejoinArgs{
		UserDID:        caller.UserDID,
		KeyPackageHash: req.KeyPackageHash,
		PSK:            req.PSK,
	})
	if res.Err != nil {
		apiutil.WriteDSErr(w, res.Err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
