package api

import (
	"net/http"

	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/identity"
)

type publishKeyPackageRequest struct {
	CipherSuite    CipherSuite   `json:"cipherSuite"`
	KeyPackage     apiutil.Bytes `json:"keyPackage"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// handlePublishKeyPackage adds one key package to the caller's pool and
// returns its server-derived hash.
func (s *Server) handlePublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req publishKeyPackageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.KeyPackage) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "keyPackage must not be empty")
		return
	}

	kp, err := s.KeyPackages.Publish(r.Context(), caller.UserDID, caller.DeviceID, uint16(req.CipherSuite), req.KeyPackage)
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"keyPackageHash": kp.SHA256Hash})
}

// handleGetKeyPackages returns every live key package for each requested
// user, so an inviter can add all of a user's devices.
func (s *Server) handleGetKeyPackages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}

	dids := r.URL.Query()["dids"]
	if len(dids) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "at least one did is required")
		return
	}

	type entry struct {
		DID            string        `json:"did"`
		KeyPackage     apiutil.Bytes `json:"keyPackage"`
		KeyPackageHash string        `json:"keyPackageHash"`
	}
	var entries []entry
	for _, did := range dids {
		owner := identity.Canonicalize(did).DID
		live, err := s.KeyPackages.ListLive(r.Context(), owner)
		if err != nil {
			apiutil.WriteDSErr(w, err)
			return
		}
		for _, kp := range live {
			entries = append(entries, entry{
				DID:            kp.OwnerDID + "#" + kp.DeviceID,
				KeyPackage:     kp.KeyBytes,
				KeyPackageHash: kp.SHA256Hash,
			})
		}
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
