// Package mailbox delivers artifacts (messages, commits, welcomes) to
// locally-homed recipients: it writes the envelope row that commits to
// eventual delivery, advances per-recipient unread counts, and pushes a
// realtime notification to any connected SSE/WS subscribers (§4.13).
package mailbox

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-social/mls-ds/internal/dserr"
)

// Mailbox delivers to locally-homed recipients.
type Mailbox struct {
	bus *Bus
}

// New constructs a Mailbox backed by bus.
func New(bus *Bus) *Mailbox {
	return &Mailbox{bus: bus}
}

// Deliver writes an idempotent envelope row for (recipientDevice,
// messageID) within tx, increments the recipient's unread count, and
// publishes a realtime notification once tx commits. Callers invoke this
// once per locally-homed active member during fan-out.
func (m *Mailbox) Deliver(ctx context.Context, tx pgx.Tx, groupID, recipientDevice, messageID, eventID, eventType string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO envelopes (recipient_device, message_id) VALUES ($1, $2)
		 ON CONFLICT (recipient_device, message_id) DO NOTHING`,
		recipientDevice, messageID)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "writing envelope", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE members SET unread_count = unread_count + 1
		 WHERE group_id = $1 AND device_id = $2 AND left_at IS NULL`,
		groupID, recipientDevice); err != nil {
		return dserr.Wrap(dserr.KindStorage, "advancing unread count", err)
	}

	m.bus.Publish(recipientDevice, Notification{GroupID: groupID, EventID: eventID, Type: eventType})
	return nil
}

// Notify pushes a realtime notification without writing an envelope, for
// artifacts that have no messages row on this DS (welcomes forwarded by a
// remote sequencer).
func (m *Mailbox) Notify(groupID, recipientDevice, eventID, eventType string) {
	m.bus.Publish(recipientDevice, Notification{GroupID: groupID, EventID: eventID, Type: eventType})
}

// MarkRead resets unread_count and advances last_read for recipientDevice.
func MarkRead(ctx context.Context, tx pgx.Tx, groupID, recipientDevice, cursor string) error {
	_, err := tx.Exec(ctx,
		`UPDATE members SET unread_count = 0, last_read = $3
		 WHERE group_id = $1 AND device_id = $2`,
		groupID, recipientDevice, cursor)
	if err != nil {
		return dserr.Wrap(dserr.KindStorage, "marking read", err)
	}
	return nil
}
