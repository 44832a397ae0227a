package actor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/extcommit"
	"github.com/catbird-social/mls-ds/internal/identity"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/receipt"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

// commitResponse is the Data payload shared by every command that advances
// the epoch.
type commitResponse struct {
	Epoch      uint64 `json:"epoch"`
	CommitID   string `json:"commit_id"`
	CommitHash string `json:"commit_hash,omitempty"`
}

func (a *Actor) handleSendApp(ctx context.Context, args SendAppArgs) Result {
	if !validPaddedSize(args.PaddedSize) {
		return Result{Err: dserr.New(dserr.KindPaddedSizeInvalid, "padded_size is not one of the allowed sizes")}
	}

	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning send_app transaction", err)}
	}
	defer tx.Rollback(ctx)

	if _, ok, err := loadActiveMember(ctx, tx, a.groupID, args.Sender); err != nil {
		return Result{Err: err}
	} else if !ok {
		return Result{Err: dserr.New(dserr.KindNotMember, "sender is not an active member")}
	}

	if args.EpochHint != 0 && args.EpochHint != a.st.currentEpoch {
		return Result{Err: dserr.EpochStale(a.st.currentEpoch)}
	}

	id := ulid.Make().String()
	resultID, seq, existed, err := insertMessage(ctx, tx, id, a.groupID, "app", a.st.currentEpoch, args.Ciphertext, args.MsgID, args.PaddedSize, args.IdempotencyKey)
	if err != nil {
		return Result{Err: err}
	}

	if existed {
		if err := tx.Commit(ctx); err != nil {
			return Result{Err: dserr.Wrap(dserr.KindStorage, "committing dedup no-op", err)}
		}
		data, _ := json.Marshal(map[string]any{"id": resultID, "deduplicated": true})
		return Result{Data: data}
	}

	payload, _ := json.Marshal(map[string]any{
		"id": resultID, "sender": args.Sender, "seq": seq, "epoch": a.st.currentEpoch, "msg_id": args.MsgID,
	})

	members, err := activeMembers(ctx, tx, a.groupID)
	if err != nil {
		return Result{Err: err}
	}

	_, remote, err := a.fanOut(ctx, tx, "message", resultID, payload, members, args.Sender)
	if err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing send_app", err)}
	}

	envelope := a.buildEnvelope(resultID, "app", a.st.currentEpoch, seq, args.Ciphertext, args.MsgID, args.PaddedSize)
	a.logFederationErrors(a.enqueueFederatedDeliveries(ctx, endpointDeliverMessage, remote, envelope))

	data, _ := json.Marshal(map[string]any{"id": resultID, "seq": seq, "epoch": a.st.currentEpoch})
	return Result{Data: data}
}

// submitCommitLocked runs the shared commit-insertion core used by both
// SubmitCommit and the post-authorization path of ExternalCommit: CAS the
// epoch, persist the commit, write its message row, and list the resulting
// active roster. Caller owns tx's lifetime.
func (a *Actor) submitCommitLocked(ctx context.Context, tx pgx.Tx, sender string, epoch uint64, commitBytes, groupInfo []byte) (newEpoch uint64, commitID string, commitSeq int64, members []memberRow, err error) {
	advanced, current, err := casAdvanceEpoch(ctx, tx, a.groupID, epoch)
	if err != nil {
		return 0, "", 0, nil, err
	}
	if !advanced {
		return 0, "", 0, nil, dserr.EpochStale(current)
	}

	if err := insertCommitRecord(ctx, tx, a.groupID, epoch, commitBytes, sender); err != nil {
		return 0, "", 0, nil, err
	}

	commitID = ulid.Make().String()
	if _, commitSeq, _, err = insertMessage(ctx, tx, commitID, a.groupID, "commit", epoch, commitBytes, "", len(commitBytes), ""); err != nil {
		return 0, "", 0, nil, err
	}

	if len(groupInfo) > 0 {
		if err := updateGroupInfoCache(ctx, tx, a.groupID, current, groupInfo); err != nil {
			return 0, "", 0, nil, err
		}
	}

	members, err = activeMembers(ctx, tx, a.groupID)
	if err != nil {
		return 0, "", 0, nil, err
	}
	return current, commitID, commitSeq, members, nil
}

func (a *Actor) handleSubmitCommit(ctx context.Context, args SubmitCommitArgs) Result {
	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning submit_commit transaction", err)}
	}
	defer tx.Rollback(ctx)

	if _, ok, err := loadActiveMember(ctx, tx, a.groupID, args.Sender); err != nil {
		return Result{Err: err}
	} else if !ok {
		return Result{Err: dserr.New(dserr.KindNotMember, "sender is not an active member")}
	}

	newEpoch, commitID, commitSeq, members, err := a.submitCommitLocked(ctx, tx, args.Sender, args.Epoch, args.CommitBytes, args.GroupInfo)
	if err != nil {
		return Result{Err: err}
	}

	payload, _ := json.Marshal(commitResponse{Epoch: newEpoch, CommitID: commitID, CommitHash: receipt.HashCommit(args.CommitBytes)})

	_, remote, err := a.fanOut(ctx, tx, "commit", commitID, payload, members, "")
	if err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing submit_commit", err)}
	}

	a.st.currentEpoch = newEpoch
	a.issueAndRecordReceipt(ctx, args.Epoch, args.CommitBytes)
	envelope := a.buildEnvelope(commitID, "commit", args.Epoch, commitSeq, args.CommitBytes, "", len(args.CommitBytes))
	a.logFederationErrors(a.enqueueFederatedDeliveries(ctx, endpointDeliverMessage, remote, envelope))

	data, _ := json.Marshal(commitResponse{Epoch: newEpoch, CommitID: commitID, CommitHash: receipt.HashCommit(args.CommitBytes)})
	return Result{Data: data}
}

func (a *Actor) handleAddMembers(ctx context.Context, args AddMembersArgs) Result {
	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning add_members transaction", err)}
	}
	defer tx.Rollback(ctx)

	admin, ok, err := loadActiveMember(ctx, tx, a.groupID, args.Admin)
	if err != nil {
		return Result{Err: err}
	}
	if !ok {
		return Result{Err: dserr.New(dserr.KindNotMember, "admin is not an active member")}
	}
	if !admin.IsAdmin {
		return Result{Err: dserr.New(dserr.KindNotAdmin, "caller is not an admin")}
	}

	newEpoch, commitID, commitSeq, _, err := a.submitCommitLocked(ctx, tx, args.Admin, args.Commit.Epoch, args.Commit.CommitBytes, args.Commit.GroupInfo)
	if err != nil {
		return Result{Err: err}
	}

	var remoteWelcomes []WelcomeDelivery
	for _, w := range args.Welcomes {
		if w.RecipientDsDid != "" && !identity.Equal(w.RecipientDsDid, a.deps.SelfDID) {
			// Remote-homed invitee: its key package lives on its home DS;
			// the Welcome travels there after this transaction commits.
			if w.RecipientUser == "" {
				return Result{Err: dserr.New(dserr.KindWelcomeUnavailable, "remote invitee needs a user identifier")}
			}
			if err := insertMember(ctx, tx, a.groupID, w.RecipientDevice, w.RecipientUser, identity.Canonicalize(w.RecipientDsDid).DID, false); err != nil {
				return Result{Err: err}
			}
			remoteWelcomes = append(remoteWelcomes, w)
			continue
		}

		ownerDID, deviceID, err := lookupAvailableKeyPackageOwner(ctx, tx, w.KeyPackageHash)
		if err != nil {
			return Result{Err: err}
		}
		if deviceID != w.RecipientDevice {
			return Result{Err: dserr.New(dserr.KindWelcomeUnavailable, "key package does not belong to the target device")}
		}
		if _, err := keypackage.Reserve(ctx, tx, ownerDID, w.KeyPackageHash); err != nil {
			return Result{Err: err}
		}
		if err := welcome.Emit(ctx, tx, a.groupID, w.RecipientDevice, w.KeyPackageHash, w.WelcomeBytes); err != nil {
			return Result{Err: err}
		}
		if err := insertMember(ctx, tx, a.groupID, w.RecipientDevice, ownerDID, a.deps.SelfDID, false); err != nil {
			return Result{Err: err}
		}
	}

	members, err := activeMembers(ctx, tx, a.groupID)
	if err != nil {
		return Result{Err: err}
	}

	payload, _ := json.Marshal(map[string]any{
		"epoch": newEpoch, "commit_id": commitID, "added_devices": len(args.Welcomes),
	})

	_, remote, err := a.fanOut(ctx, tx, "commit", commitID, payload, members, "")
	if err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing add_members", err)}
	}

	a.st.currentEpoch = newEpoch
	a.issueAndRecordReceipt(ctx, args.Commit.Epoch, args.Commit.CommitBytes)
	envelope := a.buildEnvelope(commitID, "commit", args.Commit.Epoch, commitSeq, args.Commit.CommitBytes, "", len(args.Commit.CommitBytes))
	a.logFederationErrors(a.enqueueFederatedDeliveries(ctx, endpointDeliverMessage, remote, envelope))
	a.logFederationErrors(a.enqueueWelcomeDeliveries(ctx, remoteWelcomes))

	data, _ := json.Marshal(map[string]any{"epoch": newEpoch, "commit_id": commitID})
	return Result{Data: data}
}

func (a *Actor) handleLeave(ctx context.Context, args LeaveArgs) Result {
	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning leave transaction", err)}
	}
	defer tx.Rollback(ctx)

	left, err := softLeave(ctx, tx, a.groupID, args.Member, args.Removed)
	if err != nil {
		return Result{Err: err}
	}
	if !left {
		if err := tx.Commit(ctx); err != nil {
			return Result{Err: dserr.Wrap(dserr.KindStorage, "committing leave no-op", err)}
		}
		data, _ := json.Marshal(map[string]any{"already_left": true})
		return Result{Data: data}
	}

	payload, _ := json.Marshal(map[string]any{"member": args.Member})
	if _, err := eventstream.Append(ctx, tx, a.groupID, "member_left", payload); err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing leave", err)}
	}

	data, _ := json.Marshal(map[string]any{"left": true})
	return Result{Data: data}
}

func (a *Actor) handlePromoteDemote(ctx context.Context, args PromoteDemoteArgs) Result {
	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning promote_demote transaction", err)}
	}
	defer tx.Rollback(ctx)

	caller, ok, err := loadActiveMember(ctx, tx, a.groupID, args.Actor)
	if err != nil {
		return Result{Err: err}
	}
	if !ok {
		return Result{Err: dserr.New(dserr.KindNotMember, "actor is not an active member")}
	}
	if !caller.IsAdmin {
		return Result{Err: dserr.New(dserr.KindNotAdmin, "only an admin may change roles")}
	}

	if !args.Promote && args.Role == RoleAdmin {
		protect, err := preventRemovingLastAdmin(ctx, tx, a.groupID)
		if err != nil {
			return Result{Err: err}
		}
		if protect {
			count, err := countActiveAdmins(ctx, tx, a.groupID)
			if err != nil {
				return Result{Err: err}
			}
			if count <= 1 {
				return Result{Err: dserr.New(dserr.KindLastAdminProtected, "cannot demote the last remaining admin")}
			}
		}
	}

	if err := setRole(ctx, tx, a.groupID, args.Target, args.Actor, args.Role, args.Promote); err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing promote_demote", err)}
	}

	a.deps.Logger.Info("conversation role changed",
		slog.String("role", string(args.Role)),
		slog.Bool("promote", args.Promote),
	)

	data, _ := json.Marshal(map[string]any{"role": args.Role, "promote": args.Promote})
	return Result{Data: data}
}

func (a *Actor) handleRejoin(ctx context.Context, args RejoinArgs) Result {
	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning rejoin transaction", err)}
	}
	defer tx.Rollback(ctx)

	_, deviceID, err := lookupAvailableKeyPackageOwner(ctx, tx, args.KeyPackageHash)
	if err != nil {
		return Result{Err: err}
	}

	req := extcommit.Request{GroupID: a.groupID, UserDID: args.UserDID, DeviceID: deviceID, PSK: args.PSK}
	if err := a.deps.ExternalAuth.Authorize(ctx, tx, req); err != nil {
		return Result{Err: err}
	}

	if err := markRejoinRequested(ctx, tx, a.groupID, args.UserDID, args.KeyPackageHash); err != nil {
		return Result{Err: err}
	}

	payload, _ := json.Marshal(map[string]any{"user_did": args.UserDID, "key_package_hash": args.KeyPackageHash})
	if _, err := eventstream.Append(ctx, tx, a.groupID, "rejoin_requested", payload); err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing rejoin", err)}
	}

	data, _ := json.Marshal(map[string]any{"status": "rejoin_requested"})
	return Result{Data: data}
}

func (a *Actor) handleExternalCommit(ctx context.Context, args ExternalCommitArgs) Result {
	caller, ok := identity.ParseDeviceIdentity(args.Caller)
	if !ok {
		return Result{Err: dserr.New(dserr.KindUnauthorized, "caller is not a device-scoped identifier")}
	}

	tx, err := a.deps.Pool.Begin(ctx)
	if err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "beginning external_commit transaction", err)}
	}
	defer tx.Rollback(ctx)

	req := extcommit.Request{GroupID: a.groupID, UserDID: caller.UserDID, DeviceID: caller.DeviceID, PSK: args.PSK}
	if err := a.deps.ExternalAuth.Authorize(ctx, tx, req); err != nil {
		return Result{Err: err}
	}

	if err := insertMember(ctx, tx, a.groupID, caller.DeviceID, caller.UserDID, a.deps.SelfDID, false); err != nil {
		return Result{Err: err}
	}

	commitEpoch := a.st.currentEpoch
	newEpoch, commitID, commitSeq, members, err := a.submitCommitLocked(ctx, tx, args.Caller, commitEpoch, args.CommitBytes, args.GroupInfo)
	if err != nil {
		return Result{Err: err}
	}

	payload, _ := json.Marshal(commitResponse{Epoch: newEpoch, CommitID: commitID, CommitHash: receipt.HashCommit(args.CommitBytes)})

	_, remote, err := a.fanOut(ctx, tx, "commit", commitID, payload, members, "")
	if err != nil {
		return Result{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Err: dserr.Wrap(dserr.KindStorage, "committing external_commit", err)}
	}

	a.st.currentEpoch = newEpoch
	a.issueAndRecordReceipt(ctx, commitEpoch, args.CommitBytes)
	envelope := a.buildEnvelope(commitID, "commit", commitEpoch, commitSeq, args.CommitBytes, "", len(args.CommitBytes))
	a.logFederationErrors(a.enqueueFederatedDeliveries(ctx, endpointDeliverMessage, remote, envelope))

	data, _ := json.Marshal(commitResponse{Epoch: newEpoch, CommitID: commitID, CommitHash: receipt.HashCommit(args.CommitBytes)})
	return Result{Data: data}
}

// issueAndRecordReceipt mints and persists a sequencer receipt for a
// just-committed epoch advance. It runs after the triggering transaction has
// committed, and a failure here is logged rather than surfaced to the
// caller: the commit is already durable (§4.8 Failure model).
func (a *Actor) issueAndRecordReceipt(ctx context.Context, epoch uint64, commitBytes []byte) {
	if a.deps.ReceiptSigner == nil || a.deps.Receipts == nil {
		return
	}
	r := a.deps.ReceiptSigner.Issue(a.groupID, epoch, commitBytes)
	if err := a.deps.Receipts.Record(ctx, r); err != nil {
		a.deps.Logger.Error("failed to record sequencer receipt", slog.String("error", err.Error()))
	}
}

// logFederationErrors reports enqueue failures without failing the command
// that already committed durably.
func (a *Actor) logFederationErrors(errs []error) {
	for _, err := range errs {
		a.deps.Logger.Error("failed to enqueue federated delivery", slog.String("error", err.Error()))
	}
}

