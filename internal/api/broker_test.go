package api

import (
	"encoding/json"
	"testing"

	"github.com/ashureev/voice-tutor/internal/domain"
)

func TestEventBrokerFanOut(t *testing.T) {
	t.Parallel()

	b := NewEventBroker(nil)
	a, cancelA := b.Subscribe("s1")
	c, cancelC := b.Subscribe("s1")
	other, cancelOther := b.Subscribe("s2")
	defer cancelOther()

	ev := &domain.StoredEvent{ID: 1, SessionID: "s1", Topic: domain.TopicPromptUpdate, Payload: json.RawMessage(`{}`)}
	b.Broadcast(ev)

	for name, ch := range map[string]<-chan *domain.StoredEvent{"a": a, "c": c} {
		select {
		case got := <-ch:
			if got.ID != 1 {
				t.Errorf("%s got event %d", name, got.ID)
			}
		default:
			t.Errorf("%s did not receive the event", name)
		}
	}
	select {
	case <-other:
		t.Error("other session received the event")
	default:
	}

	cancelA()
	cancelA()
	if n := b.Subscribers("s1"); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
	cancelC()
	if n := b.Subscribers("s1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestEventBrokerDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := NewEventBroker(nil)
	ch, cancel := b.Subscribe("s1")
	defer cancel()
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Broadcast(&domain.StoredEvent{ID: int64(i + 1), SessionID: "s1"})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("queued = %d, want %d", len(ch), subscriberBuffer)
	}
}
