// Package admin is the operator-only control surface (§4.14): peer policy
// management, per-conversation policy configuration, and invite issuance,
// gated by a static allow-list of operator DIDs. Every change is written to
// the structured log with short non-reversible hashes in place of
// identifiers.
package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/auth"
	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/logging"
	"github.com/catbird-social/mls-ds/internal/peerpolicy"
)

const adminPrefix = "/xrpc/blue.catbird.mls.admin."

// Handler serves the operator endpoints.
type Handler struct {
	Router      *chi.Mux
	Pool        *pgxpool.Pool
	Peers       *peerpolicy.Store
	AuthService *auth.Service
	AllowedDIDs []string
	Logger      *slog.Logger
}

// NewHandler constructs the admin surface with its routes registered.
func NewHandler(pool *pgxpool.Pool, peers *peerpolicy.Store, authSvc *auth.Service, allowedDIDs []string, logger *slog.Logger) *Handler {
	h := &Handler{
		Router:      chi.NewRouter(),
		Pool:        pool,
		Peers:       peers,
		AuthService: authSvc,
		AllowedDIDs: allowedDIDs,
		Logger:      logger,
	}

	h.Router.Group(func(r chi.Router) {
		r.Use(h.AuthService.RequireAuth)
		r.Use(h.requireOperator)

		r.Post(adminPrefix+"upsertPeer", h.handleUpsertPeer)
		r.Get(adminPrefix+"listPeers", h.handleListPeers)
		r.Post(adminPrefix+"deletePeer", h.handleDeletePeer)
		r.Get(adminPrefix+"getConvoPolicy", h.handleGetConvoPolicy)
		r.Post(adminPrefix+"updateConvoPolicy", h.handleUpdateConvoPolicy)
		r.Post(adminPrefix+"createInvite", h.handleCreateInvite)
		r.Post(adminPrefix+"revokeInvite", h.handleRevokeInvite)
	})
	return h
}

// requireOperator rejects any caller whose base user DID is not on the
// operator allow-list.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := identity.Canonicalize(auth.UserIDFromContext(r.Context())).DID
		for _, did := range h.AllowedDIDs {
			if identity.Equal(did, caller) {
				next.ServeHTTP(w, r)
				return
			}
		}
		apiutil.WriteDSErr(w, dserr.New(dserr.KindUnauthorized, "caller is not an operator"))
	})
}

func (h *Handler) audit(action string, subject string) {
	h.Logger.Info("admin action",
		slog.String("action", action),
		slog.String("subject_hash", logging.ShortHash(subject)))
}

type upsertPeerRequest struct {
	PeerDid     string `json:"peerDid"`
	Status      string `json:"status"`
	RPMOverride *int   `json:"rpmOverride,omitempty"`
}

func (h *Handler) handleUpsertPeer(w http.ResponseWriter, r *http.Request) {
	var req upsertPeerRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !identity.Valid(req.PeerDid) {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "peerDid must be a DID")
		return
	}
	status := peerpolicy.Status(req.Status)
	switch status {
	case peerpolicy.StatusPending, peerpolicy.StatusAllow, peerpolicy.StatusSuspend, peerpolicy.StatusBlock:
	default:
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "status must be pending, allow, suspend, or block")
		return
	}

	peerDID := identity.Canonicalize(req.PeerDid).DID
	if err := h.Peers.Upsert(r.Context(), peerDID, status, req.RPMOverride); err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	h.audit("upsert_peer", peerDID)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.Peers.List(r.Context())
	if err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}

	type peerView struct {
		PeerDid      string     `json:"peerDid"`
		Status       string     `json:"status"`
		RPMOverride  *int       `json:"rpmOverride,omitempty"`
		Successful   int64      `json:"successful"`
		Rejected     int64      `json:"rejected"`
		InvalidToken int64      `json:"invalidToken"`
		TrustScore   float64    `json:"trustScore"`
		LastSeen     *time.Time `json:"lastSeen,omitempty"`
	}
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{
			PeerDid:      p.DID,
			Status:       string(p.Status),
			RPMOverride:  p.RPMOverride,
			Successful:   p.Successful,
			Rejected:     p.Rejected,
			InvalidToken: p.InvalidToken,
			TrustScore:   p.TrustScore,
			LastSeen:     p.LastSeen,
		})
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"peers": out})
}

type deletePeerRequest struct {
	PeerDid string `json:"peerDid"`
}

func (h *Handler) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	var req deletePeerRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	peerDID := identity.Canonicalize(req.PeerDid).DID
	if err := h.Peers.Delete(r.Context(), peerDID); err != nil {
		apiutil.WriteDSErr(w, err)
		return
	}
	h.audit("delete_peer", peerDID)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleGetConvoPolicy summarizes one conversation's policy and active
// invites.
func (h *Handler) handleGetConvoPolicy(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convoId")
	if !actor.ValidGroupID(convoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}

	var policy struct {
		AllowExternalCommits bool   `json:"allowExternalCommits"`
		RequireInvite        bool   `json:"requireInvite"`
		AllowRejoin          bool   `json:"allowRejoin"`
		RejoinWindowDays     int    `json:"rejoinWindowDays"`
		PreventLastAdmin     bool   `json:"preventRemovingLastAdmin"`
		MaxMembers           int    `json:"maxMembers"`
		ConfiguredBy         string `json:"configuredBy,omitempty"`
	}
	err := h.Pool.QueryRow(r.Context(),
		`SELECT allow_external_commits, require_invite, allow_rejoin, rejoin_window_days,
		        prevent_removing_last_admin, max_members, coalesce(configured_by, '')
		 FROM conversation_policy WHERE group_id = $1`, convoID,
	).Scan(&policy.AllowExternalCommits, &policy.RequireInvite, &policy.AllowRejoin,
		&policy.RejoinWindowDays, &policy.PreventLastAdmin, &policy.MaxMembers, &policy.ConfiguredBy)
	if err == pgx.ErrNoRows {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindConflict, "conversation does not exist"))
		return
	}
	if err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "loading conversation policy", err))
		return
	}

	type inviteView struct {
		Code      string     `json:"code"`
		TargetDid string     `json:"targetDid,omitempty"`
		MaxUses   int        `json:"maxUses"`
		UsedCount int        `json:"usedCount"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
	rows, err := h.Pool.Query(r.Context(),
		`SELECT code, coalesce(target_user, ''), max_uses, used_count, expires_at
		 FROM invites
		 WHERE group_id = $1 AND revoked = FALSE AND used_count < max_uses
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at ASC`, convoID)
	if err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "listing invites", err))
		return
	}
	defer rows.Close()

	var invites []inviteView
	for rows.Next() {
		var iv inviteView
		if err := rows.Scan(&iv.Code, &iv.TargetDid, &iv.MaxUses, &iv.UsedCount, &iv.ExpiresAt); err != nil {
			apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "scanning invite row", err))
			return
		}
		invites = append(invites, iv)
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"policy": policy, "activeInvites": invites})
}

type updateConvoPolicyRequest struct {
	ConvoID              string `json:"convoId"`
	AllowExternalCommits *bool  `json:"allowExternalCommits,omitempty"`
	RequireInvite        *bool  `json:"requireInvite,omitempty"`
	AllowRejoin          *bool  `json:"allowRejoin,omitempty"`
	RejoinWindowDays     *int   `json:"rejoinWindowDays,omitempty"`
	PreventLastAdmin     *bool  `json:"preventRemovingLastAdmin,omitempty"`
	MaxMembers           *int   `json:"maxMembers,omitempty"`
}

func (h *Handler) handleUpdateConvoPolicy(w http.ResponseWriter, r *http.Request) {
	var req updateConvoPolicyRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}
	if req.MaxMembers != nil && (*req.MaxMembers < 2 || *req.MaxMembers > 10000) {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "maxMembers must be between 2 and 10000")
		return
	}

	operator := identity.Canonicalize(auth.UserIDFromContext(r.Context())).DID
	tag, err := h.Pool.Exec(r.Context(),
		`UPDATE conversation_policy SET
		   allow_external_commits = coalesce($2, allow_external_commits),
		   require_invite = coalesce($3, require_invite),
		   allow_rejoin = coalesce($4, allow_rejoin),
		   rejoin_window_days = coalesce($5, rejoin_window_days),
		   prevent_removing_last_admin = coalesce($6, prevent_removing_last_admin),
		   max_members = coalesce($7, max_members),
		   configured_by = $8,
		   configured_at = now()
		 WHERE group_id = $1`,
		req.ConvoID, req.AllowExternalCommits, req.RequireInvite, req.AllowRejoin,
		req.RejoinWindowDays, req.PreventLastAdmin, req.MaxMembers, operator)
	if err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "updating conversation policy", err))
		return
	}
	if tag.RowsAffected() == 0 {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindConflict, "conversation does not exist"))
		return
	}
	h.audit("update_convo_policy", req.ConvoID)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createInviteRequest struct {
	ConvoID    string `json:"convoId"`
	TargetDid  string `json:"targetDid,omitempty"`
	MaxUses    int    `json:"maxUses,omitempty"`
	ExpiryDays int    `json:"expiryDays,omitempty"`
}

// handleCreateInvite mints a bearer-PSK invite. The plaintext PSK is
// returned exactly once; only its SHA-256 is stored.
func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !actor.ValidGroupID(req.ConvoID) {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindGroupIDInvalid, "convoId must be lowercase hex"))
		return
	}
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}
	if req.ExpiryDays <= 0 {
		req.ExpiryDays = 7
	}

	psk := make([]byte, 32)
	if _, err := rand.Read(psk); err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindInternal, "generating invite psk", err))
		return
	}
	sum := sha256.Sum256(psk)

	var target *string
	if req.TargetDid != "" {
		canonical := identity.Canonicalize(req.TargetDid).DID
		target = &canonical
	}

	code := ulid.Make().String()
	_, err := h.Pool.Exec(r.Context(),
		`INSERT INTO invites (code, group_id, psk_hash, target_user, max_uses, expires_at)
		 VALUES ($1, $2, $3, $4, $5, now() + make_interval(days => $6))`,
		code, req.ConvoID, hex.EncodeToString(sum[:]), target, req.MaxUses, req.ExpiryDays)
	if err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "inserting invite", err))
		return
	}

	h.audit("create_invite", req.ConvoID)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"code": code,
		"psk":  apiutil.Bytes(psk),
	})
}

type revokeInviteRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	var req revokeInviteRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	tag, err := h.Pool.Exec(r.Context(),
		`UPDATE invites SET revoked = TRUE WHERE code = $1`, req.Code)
	if err != nil {
		apiutil.WriteDSErr(w, dserr.Wrap(dserr.KindStorage, "revoking invite", err))
		return
	}
	if tag.RowsAffected() == 0 {
		apiutil.WriteDSErr(w, dserr.New(dserr.KindConflict, "invite does not exist"))
		return
	}
	h.audit("revoke_invite", req.Code)
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
