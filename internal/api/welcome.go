package api

import (
	"net/http"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/dserr"
)

// handleGetWelcome hands the caller the oldest live Welcome for the
// conversation, entering the in-flight grace window.
func (s *Server) handleGetWelcome(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	convoID := r.URL.Query().Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	wel, err := s.Welcomes.Fetch(r.Context(), convoID, caller.DeviceID)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"welcome":        apiutil.Bytes(wel.WelcomeBytes),
		"keyPackageHash": wel.KeyPackageHash,
	})
}

type confirmWelcomeRequest struct {
	ConvoID      string `json:"convoId"`
	Success      bool   `json:"success"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// handleConfirmWelcome reports the caller's processing result for its
// in-flight Welcome.
func (s *Server) handleConfirmWelcome(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req confirmWelcomeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	if err := s.Welcomes.ConfirmByRecipient(r.Context(), req.ConvoID, caller.DeviceID, req.Success, req.ErrorDetails); err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"confirmed": req.Success})
}
