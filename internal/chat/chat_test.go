package chat

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func TestPublishReachesOnlySubscribedUser(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())

	var got []string
	unsub := b.Subscribe("u1", func(msgType string, payload json.RawMessage) {
		got = append(got, msgType+":"+string(payload))
	})
	defer unsub()

	if n := b.Publish("u1", "chat:message", json.RawMessage(`{"text":"hi"}`)); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if n := b.Publish("u2", "chat:message", json.RawMessage(`{"text":"nope"}`)); n != 0 {
		t.Fatalf("delivered to wrong user = %d, want 0", n)
	}

	if len(got) != 1 || got[0] != `chat:message:{"text":"hi"}` {
		t.Errorf("got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())

	var count int
	unsub := b.Subscribe("u1", func(string, json.RawMessage) { count++ })

	b.Publish("u1", "chat:message", nil)
	unsub()
	unsub() // second call is a no-op
	b.Publish("u1", "chat:message", nil)

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
}

func TestMultipleSubscribersSameUser(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())

	var a, c int
	unsubA := b.Subscribe("u1", func(string, json.RawMessage) { a++ })
	defer unsubA()
	unsubC := b.Subscribe("u1", func(string, json.RawMessage) { c++ })
	defer unsubC()

	if n := b.Publish("u1", "chat:message", nil); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if a != 1 || c != 1 {
		t.Errorf("a = %d, c = %d, want 1 and 1", a, c)
	}
}
