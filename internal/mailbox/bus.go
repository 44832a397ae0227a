package mailbox

import "sync"

// Bus is the local realtime subscription bus: an in-process fan-out from
// conversation actors to SSE/WS handlers serving this DS's own connected
// clients. It is deliberately not NATS-backed — cross-process delivery to
// peer DSes goes through internal/outbox instead.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{} // recipient device -> subscriber set
}

// Notification is one realtime push to a locally-homed recipient device.
type Notification struct {
	GroupID string
	EventID string
	Type    string
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Notification]struct{})}
}

// Subscribe registers ch to receive notifications for recipientDevice. The
// returned func unsubscribes; callers must call it on disconnect.
func (b *Bus) Subscribe(recipientDevice string, bufSize int) (ch chan Notification, unsubscribe func()) {
	ch = make(chan Notification, bufSize)

	b.mu.Lock()
	if b.subs[recipientDevice] == nil {
		b.subs[recipientDevice] = make(map[chan Notification]struct{})
	}
	b.subs[recipientDevice][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs[recipientDevice], ch)
		if len(b.subs[recipientDevice]) == 0 {
			delete(b.subs, recipientDevice)
		}
		b.mu.Unlock()
		close(ch)
	}
}

// Publish pushes n to every subscriber of recipientDevice. A subscriber
// whose buffer is full is skipped rather than blocking the actor; the
// caller (gateway) is responsible for closing overflowing streams so the
// client can resume from cursor, per §4.13.
func (b *Bus) Publish(recipientDevice string, n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[recipientDevice] {
		select {
		case ch <- n:
		default:
		}
	}
}
