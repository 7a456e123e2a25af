package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/api"
	"github.com/sofvo/sofvo/internal/config"
	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/handlers"
	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

type testEnv struct {
	t      *testing.T
	router http.Handler
	store  *store.MemoryStore
	broker *realtime.Broker
}

type user struct {
	ID    string
	Token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	ds := store.NewMemoryStore()
	broker := realtime.NewBroker(logger, nil, store.EventsChannel)
	tokens := crypto.NewTokenIssuer("test-secret", time.Hour)
	cfg := &config.Config{
		AllowedOrigins:  []string{"*"},
		StreamHeartbeat: time.Hour,
	}
	return &testEnv{
		t:      t,
		router: api.NewRouter(logger, ds, nil, broker, tokens, cfg),
		store:  ds,
		broker: broker,
	}
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if code == "" {
		return
	}
	var er handlers.ErrorResponse
	decodeBody(t, rec, &er)
	if er.Code != code {
		t.Fatalf("code = %q, want %q (error %q)", er.Code, code, er.Error)
	}
}

func (e *testEnv) register(username string) user {
	e.t.Helper()
	rec := e.do("POST", "/register", "", handlers.RegisterRequest{Username: username, Password: "password123"})
	expect(e.t, rec, http.StatusCreated, "")
	var resp handlers.TokenResponse
	decodeBody(e.t, rec, &resp)
	return user{ID: resp.ID, Token: resp.Token}
}

func (e *testEnv) follow(from, to user) {
	e.t.Helper()
	expect(e.t, e.do("POST", "/follows/"+to.ID, from.Token, nil), http.StatusOK, "")
}

func (e *testEnv) direct(from, to user) string {
	e.t.Helper()
	rec := e.do("POST", "/conversations", from.Token, map[string]string{"participant_id": to.ID})
	expect(e.t, rec, http.StatusOK, "")
	var conv handlers.ConversationResponse
	decodeBody(e.t, rec, &conv)
	return conv.ID.String()
}

func (e *testEnv) send(from user, convID, content string) models.Message {
	e.t.Helper()
	rec := e.do("POST", "/conversations/"+convID+"/messages", from.Token, handlers.SendMessageRequest{Content: content})
	expect(e.t, rec, http.StatusCreated, "")
	var m models.Message
	decodeBody(e.t, rec, &m)
	return m
}

// friends registers two profiles that follow each other and opens their direct conversation.
func (e *testEnv) friends() (user, user, string) {
	alice, bob := e.register("alice"), e.register("bob")
	e.follow(alice, bob)
	e.follow(bob, alice)
	return alice, bob, e.direct(alice, bob)
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestEnv(t)
	e.register("alice")

	expect(t, e.do("POST", "/register", "", handlers.RegisterRequest{Username: "ALICE", Password: "password123"}),
		http.StatusConflict, "username_taken")
	expect(t, e.do("POST", "/register", "", handlers.RegisterRequest{Username: "x", Password: "password123"}),
		http.StatusBadRequest, "invalid_username")
	expect(t, e.do("POST", "/login", "", handlers.LoginRequest{Username: "alice", Password: "wrong-password"}),
		http.StatusUnauthorized, "invalid_credentials")

	rec := e.do("POST", "/login", "", handlers.LoginRequest{Username: "alice", Password: "password123"})
	expect(t, rec, http.StatusOK, "")
	var resp handlers.TokenResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login returned no token")
	}
	expect(t, e.do("GET", "/conversations", resp.Token, nil), http.StatusOK, "")
	expect(t, e.do("GET", "/conversations", "", nil), http.StatusUnauthorized, "unauthorized")
}

func TestSendPermissionCodes(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := e.register("alice"), e.register("bob")
	carol := e.register("carol")

	e.follow(alice, bob)
	conv := e.direct(alice, bob)
	path := "/conversations/" + conv + "/messages"

	expect(t, e.do("POST", path, alice.Token, handlers.SendMessageRequest{Content: "hi"}),
		http.StatusForbidden, handlers.CodeNotMutualFollow)
	expect(t, e.do("POST", path, carol.Token, handlers.SendMessageRequest{Content: "hi"}),
		http.StatusForbidden, handlers.CodeNotParticipant)

	e.follow(bob, alice)
	e.send(alice, conv, "hi")

	expect(t, e.do("POST", "/blocks/"+alice.ID, bob.Token, nil), http.StatusOK, "")
	expect(t, e.do("POST", path, alice.Token, handlers.SendMessageRequest{Content: "still there?"}),
		http.StatusForbidden, handlers.CodeBlocked)
	expect(t, e.do("POST", "/follows/"+bob.ID, alice.Token, nil), http.StatusForbidden, handlers.CodeBlocked)

	// Failed sends leave history untouched.
	rec := e.do("GET", path, bob.Token, nil)
	expect(t, rec, http.StatusOK, "")
	var page handlers.MessagesResponse
	decodeBody(t, rec, &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != "hi" {
		t.Fatalf("history = %+v, want only the accepted message", page.Messages)
	}
}

func TestSendValidation(t *testing.T) {
	e := newTestEnv(t)
	alice, _, conv := e.friends()
	path := "/conversations/" + conv + "/messages"

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"invalid json", `{"content":`, http.StatusBadRequest, handlers.CodeInvalidBody},
		{"unknown type", handlers.SendMessageRequest{Content: "x", Type: "video"}, http.StatusUnprocessableEntity, handlers.CodeInvalidType},
		{"blank text", handlers.SendMessageRequest{Content: "   "}, http.StatusUnprocessableEntity, handlers.CodeContentRequired},
		{"too long", handlers.SendMessageRequest{Content: strings.Repeat("é", 4001)}, http.StatusUnprocessableEntity, handlers.CodeContentTooLong},
		{"image without url", handlers.SendMessageRequest{Type: models.MessageImage}, http.StatusUnprocessableEntity, handlers.CodeContentRequired},
		{"image with bad url", handlers.SendMessageRequest{Type: models.MessageImage, FileURL: "ftp://x/y.png"}, http.StatusUnprocessableEntity, handlers.CodeInvalidFileURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, e.do("POST", path, alice.Token, tt.body), tt.status, tt.code)
		})
	}

	rec := e.do("POST", path, alice.Token, handlers.SendMessageRequest{Type: models.MessageImage, FileURL: "https://cdn.example/p.png"})
	expect(t, rec, http.StatusCreated, "")
	var m models.Message
	decodeBody(t, rec, &m)
	if m.Type != models.MessageImage || m.FileURL != "https://cdn.example/p.png" || m.ID == "" {
		t.Fatalf("stored message = %+v", m)
	}
}

func TestHistoryPaging(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, conv := e.friends()

	var sent []models.Message
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		sent = append(sent, e.send(alice, conv, text))
	}

	rec := e.do("GET", "/conversations/"+conv+"/messages?limit=3", bob.Token, nil)
	expect(t, rec, http.StatusOK, "")
	var page handlers.MessagesResponse
	decodeBody(t, rec, &page)
	if !page.HasMore || len(page.Messages) != 3 {
		t.Fatalf("page = %d messages has_more=%v, want 3 and true", len(page.Messages), page.HasMore)
	}
	for i, m := range page.Messages {
		if m.ID != sent[i+2].ID {
			t.Fatalf("page[%d] = %s, want %s", i, m.Content, sent[i+2].Content)
		}
	}

	rec = e.do("GET", "/conversations/"+conv+"/messages?limit=3&before="+page.Messages[0].ID, bob.Token, nil)
	expect(t, rec, http.StatusOK, "")
	page = handlers.MessagesResponse{}
	decodeBody(t, rec, &page)
	if page.HasMore || len(page.Messages) != 2 || page.Messages[0].ID != sent[0].ID || page.Messages[1].ID != sent[1].ID {
		t.Fatalf("older page = %+v", page)
	}

	expect(t, e.do("GET", "/conversations/"+conv+"/messages?limit=zero", bob.Token, nil), http.StatusBadRequest, "")
	expect(t, e.do("GET", "/conversations/"+conv+"/messages?before=nope", bob.Token, nil), http.StatusBadRequest, "")
}

func TestEmptyHistoryIsAnArray(t *testing.T) {
	e := newTestEnv(t)
	alice, _, conv := e.friends()

	rec := e.do("GET", "/conversations/"+conv+"/messages", alice.Token, nil)
	expect(t, rec, http.StatusOK, "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestEditMessage(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, conv := e.friends()
	m := e.send(alice, conv, "helo")
	path := "/conversations/" + conv + "/messages/" + m.ID

	expect(t, e.do("PATCH", path, bob.Token, handlers.EditMessageRequest{Content: "hijack"}), http.StatusForbidden, handlers.CodeNotSender)
	expect(t, e.do("PATCH", "/conversations/"+conv+"/messages/nope", alice.Token, handlers.EditMessageRequest{Content: "x"}), http.StatusNotFound, "")

	rec := e.do("PATCH", path, alice.Token, handlers.EditMessageRequest{Content: "hello"})
	expect(t, rec, http.StatusOK, "")
	var updated models.Message
	decodeBody(t, rec, &updated)
	if updated.Content != "hello" || updated.EditedAt == nil {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestConversationDisplayNames(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, conv := e.friends()

	if again := e.direct(bob, alice); again != conv {
		t.Fatalf("direct conversation not reused: %s vs %s", again, conv)
	}

	rec := e.do("GET", "/conversations", alice.Token, nil)
	expect(t, rec, http.StatusOK, "")
	var list handlers.ConversationListResponse
	decodeBody(t, rec, &list)
	if len(list.Conversations) != 1 || list.Conversations[0].DisplayName != "bob" {
		t.Fatalf("conversations = %+v", list.Conversations)
	}

	carol := e.register("carol")
	rec = e.do("POST", "/conversations", alice.Token, map[string]interface{}{"participant_ids": []string{bob.ID, carol.ID}})
	expect(t, rec, http.StatusCreated, "")
	var group handlers.ConversationResponse
	decodeBody(t, rec, &group)
	if group.Type != models.ConversationGroup || group.DisplayName != "bob, carol" || len(group.Participants) != 3 {
		t.Fatalf("group = %+v", group)
	}

	expect(t, e.do("POST", "/conversations", alice.Token, map[string]string{"participant_id": alice.ID}), http.StatusBadRequest, "invalid_target")
	expect(t, e.do("POST", "/conversations", alice.Token, map[string]string{}), http.StatusBadRequest, "participants_required")
}

func TestNotifications(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, conv := e.friends()
	e.send(alice, conv, "ping")

	rec := e.do("GET", "/notifications?unread=true", bob.Token, nil)
	expect(t, rec, http.StatusOK, "")
	var list handlers.NotificationListResponse
	decodeBody(t, rec, &list)
	kinds := map[models.NotificationKind]int{}
	for _, n := range list.Notifications {
		kinds[n.Kind]++
	}
	if kinds[models.NotificationFollow] != 1 || kinds[models.NotificationMessage] != 1 {
		t.Fatalf("notification kinds = %v", kinds)
	}

	rec = e.do("POST", "/notifications/read", bob.Token, handlers.MarkReadRequest{})
	expect(t, rec, http.StatusOK, "")
	var marked handlers.MarkReadResponse
	decodeBody(t, rec, &marked)
	if marked.Marked != 2 {
		t.Fatalf("marked = %d, want 2", marked.Marked)
	}

	rec = e.do("GET", "/notifications?unread=true", bob.Token, nil)
	list = handlers.NotificationListResponse{}
	decodeBody(t, rec, &list)
	if len(list.Notifications) != 0 {
		t.Fatalf("unread after mark = %d", len(list.Notifications))
	}

	// The sender is never notified about their own message.
	rec = e.do("GET", "/notifications", alice.Token, nil)
	list = handlers.NotificationListResponse{}
	decodeBody(t, rec, &list)
	for _, n := range list.Notifications {
		if n.Kind == models.NotificationMessage {
			t.Fatalf("sender got a message notification: %+v", n)
		}
	}
}

type frame struct {
	id, event, data string
}

// readFrame returns the next non-comment SSE frame.
func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func readEvent(t *testing.T, r *bufio.Reader, event string) frame {
	t.Helper()
	for {
		if f := readFrame(t, r); f.event == event {
			return f
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, token, query, lastEventID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/stream?"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func TestStreamReplaysAndDeliversLive(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	alice, bob, conv := e.friends()
	first := e.send(alice, conv, "first")
	second := e.send(alice, conv, "second")

	r := openStream(t, srv, bob.Token, "conversation_id="+conv+"&user_id="+bob.ID, first.ID)

	replayed := readEvent(t, r, "message")
	if replayed.id != second.ID {
		t.Fatalf("replayed id = %s, want %s", replayed.id, second.ID)
	}

	third := e.send(alice, conv, "third")
	live := readEvent(t, r, "message")
	if live.id != third.ID {
		t.Fatalf("live id = %s, want %s", live.id, third.ID)
	}
	var m models.Message
	if err := json.Unmarshal([]byte(live.data), &m); err != nil {
		t.Fatalf("live payload: %v", err)
	}
	if m.Content != "third" || m.ConversationID.String() != conv {
		t.Fatalf("live message = %+v", m)
	}

	notif := readEvent(t, r, "notification")
	if notif.id != "" {
		t.Fatalf("notification frame carries id %q", notif.id)
	}

	rec := e.do("PATCH", "/conversations/"+conv+"/messages/"+third.ID, alice.Token, handlers.EditMessageRequest{Content: "third!"})
	expect(t, rec, http.StatusOK, "")
	updated := readEvent(t, r, "message_updated")
	if !strings.Contains(updated.data, `"third!"`) {
		t.Fatalf("update payload = %s", updated.data)
	}
}

func TestStreamNotificationsOnly(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	alice, bob := e.register("alice"), e.register("bob")
	r := openStream(t, srv, bob.Token, "", "")

	e.follow(alice, bob)
	f := readFrame(t, r)
	if f.event != "notification" || !strings.Contains(f.data, `"follow"`) {
		t.Fatalf("frame = %+v, want follow notification", f)
	}
}

func TestStreamAccessChecks(t *testing.T) {
	e := newTestEnv(t)
	alice, bob, conv := e.friends()
	carol := e.register("carol")

	expect(t, e.do("GET", "/stream?conversation_id="+conv, carol.Token, nil), http.StatusForbidden, handlers.CodeNotParticipant)
	expect(t, e.do("GET", "/stream?conversation_id="+conv+"&user_id="+bob.ID, alice.Token, nil), http.StatusForbidden, "user_mismatch")
	expect(t, e.do("GET", "/stream?conversation_id=not-a-uuid", alice.Token, nil), http.StatusBadRequest, "")
	expect(t, e.do("GET", "/stream?conversation_id="+conv, "", nil), http.StatusUnauthorized, "")
}

func TestStreamDeliversLiveEventsOutOfIDOrder(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	alice, bob, conv := e.friends()
	r := openStream(t, srv, bob.Token, "conversation_id="+conv, "")

	// Concurrent senders may publish out of id order.
	convID := uuid.MustParse(conv)
	older, newer := store.NewMessageID(), store.NewMessageID()
	for _, id := range []string{newer, older} {
		data, err := json.Marshal(models.Message{ID: id, ConversationID: convID, Content: id, Type: models.MessageText})
		if err != nil {
			t.Fatal(err)
		}
		ev := realtime.Event{Type: realtime.EventMessage, ID: id, ConversationID: convID, Data: data}
		if err := e.broker.Publish(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	last := e.send(alice, conv, "last")

	for _, want := range []string{newer, older, last.ID} {
		if got := readEvent(t, r, "message"); got.id != want {
			t.Fatalf("message id = %s, want %s", got.id, want)
		}
	}
}

func TestStreamReplayFromStartCursor(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	alice, bob, conv := e.friends()
	first := e.send(alice, conv, "first")
	second := e.send(bob, conv, "second")

	r := openStream(t, srv, bob.Token, "conversation_id="+conv, "0")
	for _, want := range []string{first.ID, second.ID} {
		if got := readEvent(t, r, "message"); got.id != want {
			t.Fatalf("replayed id = %s, want %s", got.id, want)
		}
	}

	third := e.send(alice, conv, "third")
	if got := readEvent(t, r, "message"); got.id != third.ID {
		t.Fatalf("live id = %s, want %s", got.id, third.ID)
	}
}

func TestStreamEndsWhenBrokerCloses(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	_, bob, conv := e.friends()
	r := openStream(t, srv, bob.Token, "conversation_id="+conv, "")
	e.broker.Close()

	if _, err := io.Copy(io.Discard, r); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("stream ended with %v, want clean close", err)
	}
}
