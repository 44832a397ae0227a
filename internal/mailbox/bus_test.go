package mailbox

import "testing"

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("device-1", 4)
	defer unsub()

	b.Publish("device-1", Notification{GroupID: "g1", EventID: "e1", Type: "message"})

	select {
	case n := <-ch:
		if n.GroupID != "g1" || n.EventID != "e1" {
			t.Errorf("got %+v", n)
		}
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	b := NewBus()
	b.Publish("nobody-home", Notification{GroupID: "g1"})
}

func TestPublish_FullBufferDropsRatherThanBlocks(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("device-1", 1)
	defer unsub()

	b.Publish("device-1", Notification{EventID: "first"})
	b.Publish("device-1", Notification{EventID: "second"})

	n := <-ch
	if n.EventID != "first" {
		t.Errorf("got %q, want first", n.EventID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected buffer to hold only one notification, got extra %+v", extra)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("device-1", 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
