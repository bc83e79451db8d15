package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ReminderSent, Data: Delivery{ReminderID: 1}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != ReminderSent || ev.Time.IsZero() {
				t.Fatalf("event = %+v", ev)
			}
			if d, ok := ev.Data.(Delivery); !ok || d.ReminderID != 1 {
				t.Fatalf("data = %#v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: ReminderFailed})
	if ev := <-c; ev.Type != ReminderFailed {
		t.Fatalf("got %q", ev.Type)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: ReminderRetry})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}
