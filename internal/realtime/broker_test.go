package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/store"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageEventsRouteByConversation(t *testing.T) {
	b := NewBroker(zerolog.Nop(), nil, "")
	convA, convB := uuid.New(), uuid.New()
	user := uuid.New()

	subA := b.Subscribe(convA, user)
	subB := b.Subscribe(convB, uuid.New())
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(context.Background(), Event{Type: EventMessage, ID: "m1", ConversationID: convA, Data: json.RawMessage(`{}`)})

	if ev := receive(t, subA); ev.ID != "m1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNone(t, subB)
}

func TestNotificationsRouteByRecipient(t *testing.T) {
	b := NewBroker(zerolog.Nop(), nil, "")
	user := uuid.New()

	inConv := b.Subscribe(uuid.New(), user)
	notifOnly := b.Subscribe(uuid.Nil, user)
	other := b.Subscribe(uuid.Nil, uuid.New())

	b.Publish(context.Background(), Event{Type: EventNotification, ID: "n1", UserID: user})

	receive(t, inConv)
	receive(t, notifOnly)
	expectNone(t, other)

	if b.Count() != 3 {
		t.Fatalf("expected 3 subscribers, got %d", b.Count())
	}
	b.Unsubscribe(inConv)
	b.Unsubscribe(inConv)
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers after unsubscribe, got %d", b.Count())
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := NewBroker(zerolog.Nop(), nil, "")
	b.bufferSize = 2
	conv := uuid.New()
	sub := b.Subscribe(conv, uuid.New())

	for i := 0; i < 3; i++ {
		b.Publish(context.Background(), Event{Type: EventMessage, ConversationID: conv})
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to be evicted")
	}
	if b.Count() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Count())
	}
	// Buffered events are still readable after eviction.
	if len(sub.Events()) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(sub.Events()))
	}
}

func TestBridgeDeliversAcrossBrokers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBridged := func() *Broker {
		rs, err := store.NewRedisStore(ctx, "redis://"+mr.Addr())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { rs.Close() })
		return NewBroker(zerolog.Nop(), rs, store.EventsChannel)
	}

	sender, receiver := newBridged(), newBridged()
	go receiver.Run(ctx)

	conv := uuid.New()
	sub := receiver.Subscribe(conv, uuid.New())

	// Wait for the receiver's redis subscription to be registered.
	deadline := time.Now().Add(2 * time.Second)
	for len(mr.PubSubChannels("")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sender.Publish(ctx, Event{Type: EventMessage, ID: "m1", ConversationID: conv, Data: json.RawMessage(`{"id":"m1"}`)}); err != nil {
		t.Fatal(err)
	}

	ev := receive(t, sub)
	if ev.ID != "m1" || string(ev.Data) != `{"id":"m1"}` {
		t.Fatalf("unexpected bridged event %+v", ev)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker(zerolog.Nop(), nil, "")
	conv := uuid.New()
	open := b.Subscribe(conv, uuid.New())

	b.Close()

	select {
	case <-open.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Close to end the subscription")
	}
	if b.Count() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Count())
	}

	late := b.Subscribe(conv, uuid.New())
	select {
	case <-late.Done():
	default:
		t.Fatal("expected a subscription made after Close to be done")
	}
	b.Publish(context.Background(), Event{Type: EventMessage, ConversationID: conv})
	expectNone(t, late)

	// Unsubscribing after Close is harmless.
	b.Unsubscribe(open)
	b.Unsubscribe(late)
}
