package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

func setup(t *testing.T) (*store.MemoryStore, *realtime.Broker, []*models.Profile) {
	t.Helper()
	ds := store.NewMemoryStore()
	var profiles []*models.Profile
	for _, name := range []string{"alice", "bob", "carol"} {
		p, err := ds.CreateProfile(context.Background(), name, "", "hash")
		if err != nil {
			t.Fatal(err)
		}
		profiles = append(profiles, p)
	}
	return ds, realtime.NewBroker(zerolog.Nop(), nil, ""), profiles
}

func TestMessageSentNotifiesOthers(t *testing.T) {
	ds, broker, p := setup(t)
	ctx := context.Background()
	alice, bob, carol := p[0].ID, p[1].ID, p[2].ID

	conv, _ := ds.CreateGroupConversation(ctx, "g", alice, []uuid.UUID{bob, carol})
	ds.Block(ctx, carol, alice)

	sub := broker.Subscribe(uuid.Nil, bob)
	defer broker.Unsubscribe(sub)

	msg := &models.Message{ConversationID: conv.ID, SenderID: alice, Content: strings.Repeat("x", 200)}
	ds.CreateMessage(ctx, msg)

	New(ds, broker, zerolog.Nop()).MessageSent(ctx, conv, msg)

	bobs, _ := ds.ListNotifications(ctx, bob, 0, false)
	if len(bobs) != 1 || bobs[0].Kind != models.NotificationMessage || bobs[0].ActorID != alice {
		t.Fatalf("unexpected notifications for bob: %+v", bobs)
	}
	var data MessageData
	if err := json.Unmarshal(bobs[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.MessageID != msg.ID || len([]rune(data.Preview)) != previewLength+1 {
		t.Fatalf("unexpected data %+v", data)
	}

	if carols, _ := ds.ListNotifications(ctx, carol, 0, false); len(carols) != 0 {
		t.Fatal("carol blocked alice and should not be notified")
	}
	if alices, _ := ds.ListNotifications(ctx, alice, 0, false); len(alices) != 0 {
		t.Fatal("sender should not be notified")
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != realtime.EventNotification || ev.ID != bobs[0].ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification event")
	}
}

func TestFollowed(t *testing.T) {
	ds, broker, p := setup(t)
	New(ds, broker, zerolog.Nop()).Followed(context.Background(), p[0].ID, p[1].ID)

	list, _ := ds.ListNotifications(context.Background(), p[1].ID, 0, true)
	if len(list) != 1 || list[0].Kind != models.NotificationFollow {
		t.Fatalf("unexpected notifications %+v", list)
	}
}

func TestSweeperRunOnce(t *testing.T) {
	ds, _, p := setup(t)
	ctx := context.Background()
	user := p[0].ID

	old := &models.Notification{UserID: user, ActorID: p[1].ID, Kind: models.NotificationFollow, CreatedAt: time.Now().Add(-72 * time.Hour)}
	ds.CreateNotification(ctx, old)
	ds.CreateNotification(ctx, &models.Notification{UserID: user, ActorID: p[1].ID, Kind: models.NotificationFollow})
	ds.MarkNotificationsRead(ctx, user, nil)

	s, err := NewSweeper(ds, "", 24*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
}

func TestSweeperRejectsBadCron(t *testing.T) {
	if _, err := NewSweeper(store.NewMemoryStore(), "not a cron", time.Hour, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
	if _, err := NewSweeper(store.NewMemoryStore(), "", 0, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for a zero period")
	}
}
