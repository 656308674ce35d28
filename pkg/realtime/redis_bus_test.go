package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func busFixture(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	bus, err := NewRedisBus(mr.Addr(), "")
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return bus
}

func recv(t *testing.T, sub *Subscription) Incoming {
	t.Helper()
	select {
	case in, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return in
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Incoming{}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := busFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, ChatChannel("c1"), UserChannel("u2"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := Event{Name: EventMessage, Message: &MessagePayload{ID: "m1", ConversationID: "c1", SenderID: "u1", Ciphertext: "ct", IV: "iv"}}
	if err := bus.Publish(ctx, ChatChannel("c1"), want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	in := recv(t, sub)
	if in.Channel != ChatChannel("c1") || in.Event.Name != EventMessage || in.Event.Message.ID != "m1" {
		t.Fatalf("unexpected delivery: %+v", in)
	}

	notif := Event{Name: EventNotification, Notification: &NotificationPayload{ConversationID: "c1", MessageID: "m1", SenderID: "u1"}}
	if err := bus.Publish(ctx, UserChannel("u2"), notif); err != nil {
		t.Fatalf("publish notification: %v", err)
	}
	in = recv(t, sub)
	if in.Channel != UserChannel("u2") || in.Event.Name != EventNotification {
		t.Fatalf("unexpected notification delivery: %+v", in)
	}
}

func TestBusDropsMalformedPayloads(t *testing.T) {
	bus := busFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, ChatChannel("c1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Client().Publish(ctx, ChatChannel("c1"), "garbage").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	good := Event{Name: EventMessageDelete, DeletedMessageIDs: []string{"m1"}}
	if err := bus.Publish(ctx, ChatChannel("c1"), good); err != nil {
		t.Fatalf("publish: %v", err)
	}
	in := recv(t, sub)
	if in.Event.Name != EventMessageDelete {
		t.Fatalf("malformed payload leaked through: %+v", in)
	}
}

func TestSubscriptionCloses(t *testing.T) {
	bus := busFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, ChatChannel("c1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Close")
	}
}
