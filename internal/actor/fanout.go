package actor

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-social/mls-ds/internal/apiutil"
	"github.com/catbird-social/mls-ds/internal/eventstream"
)

// defaultOutboxAttempts bounds how many times the outbound queue retries a
// federated delivery before it is permanently dropped.
const defaultOutboxAttempts = 8

// endpointDeliverMessage and endpointDeliverWelcome name the DS-to-DS
// endpoints fan-out enqueues against.
// Sequenced artifacts of both kinds travel to participant DSes as
// deliverMessage envelopes; ds.submitCommit is the opposite direction
// (participant DS to sequencer) and is never enqueued here.
const (
	endpointDeliverMessage = "/xrpc/blue.catbird.mls.ds.deliverMessage"
	endpointDeliverWelcome = "/xrpc/blue.catbird.mls.ds.deliverWelcome"
)

// federationEnvelope is the full deliverMessage payload a participant DS
// receives: the complete message, ciphertext included, never a bare event
// digest (§4.12).
type federationEnvelope struct {
	SenderDsDid string             `json:"senderDsDid"`
	ConvoID     string             `json:"convoId"`
	Message     federationMessage  `json:"message"`
}

type federationMessage struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Epoch      uint64        `json:"epoch"`
	Seq        int64         `json:"seq"`
	Ciphertext apiutil.Bytes `json:"ciphertext"`
	MsgID      string        `json:"msg_id,omitempty"`
	PaddedSize int           `json:"padded_size"`
}

// buildEnvelope renders the deliverMessage payload for one sequenced
// artifact.
func (a *Actor) buildEnvelope(id, kind string, epoch uint64, seq int64, ciphertext []byte, msgID string, paddedSize int) json.RawMessage {
	env, _ := json.Marshal(federationEnvelope{
		SenderDsDid: a.deps.SelfDID,
		ConvoID:     a.groupID,
		Message: federationMessage{
			ID:         id,
			Kind:       kind,
			Epoch:      epoch,
			Seq:        seq,
			Ciphertext: ciphertext,
			MsgID:      msgID,
			PaddedSize: paddedSize,
		},
	})
	return env
}

// isLocal reports whether m's home DS is this process, per §4.8 Fan-out.
func (a *Actor) isLocal(m memberRow) bool {
	return m.DSDID == "" || m.DSDID == a.deps.SelfDID
}

// fanOut appends one event for the artifact, delivers it to every
// locally-homed active member via the mailbox, and returns the subset of
// members whose home DS is a peer so the caller can enqueue federated
// delivery after its transaction commits (§4.8 Fan-out a/b/c).
func (a *Actor) fanOut(ctx context.Context, tx pgx.Tx, eventType, messageID string, payload json.RawMessage, members []memberRow, exclude string) (eventstream.Event, []memberRow, error) {
	event, err := eventstream.Append(ctx, tx, a.groupID, eventType, payload)
	if err != nil {
		return eventstream.Event{}, nil, err
	}

	var remote []memberRow
	for _, m := range members {
		if m.DeviceID == exclude {
			continue
		}
		if a.isLocal(m) {
			if err := a.deps.Mailbox.Deliver(ctx, tx, a.groupID, m.DeviceID, messageID, event.ID, eventType); err != nil {
				return eventstream.Event{}, nil, err
			}
			continue
		}
		remote = append(remote, m)
	}
	return event, remote, nil
}

// enqueueWelcomeDeliveries posts one deliverWelcome item per remote-homed
// invitee, after the AddMembers transaction has committed (§4.8 fan-out
// step d).
func (a *Actor) enqueueWelcomeDeliveries(ctx context.Context, welcomes []WelcomeDelivery) []error {
	var errs []error
	for _, w := range welcomes {
		payload, _ := json.Marshal(map[string]any{
			"senderDsDid":    a.deps.SelfDID,
			"convoId":        a.groupID,
			"recipientDid":   w.RecipientUser + "#" + w.RecipientDevice,
			"keyPackageHash": w.KeyPackageHash,
			"welcome":        apiutil.Bytes(w.WelcomeBytes),
		})
		target := w.RecipientDsDid
		if _, err := a.deps.Outbox.Enqueue(ctx, target, endpointDeliverWelcome, "POST", a.groupID, payload, defaultOutboxAttempts); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// enqueueFederatedDeliveries posts one outbound_queue item per peer DS
// reachable from targets, after the caller's transaction has committed.
// Best-effort: a failure to enqueue one target does not stop the others;
// every failure is collected and returned, since the artifact is already
// durable on the sequencer.
func (a *Actor) enqueueFederatedDeliveries(ctx context.Context, endpoint string, targets []memberRow, payload json.RawMessage) []error {
	seen := make(map[string]struct{}, len(targets))
	var errs []error
	for _, m := range targets {
		if _, ok := seen[m.DSDID]; ok {
			continue
		}
		seen[m.DSDID] = struct{}{}
		if _, err := a.deps.Outbox.Enqueue(ctx, m.DSDID, endpoint, "POST", a.groupID, payload, defaultOutboxAttempts); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
