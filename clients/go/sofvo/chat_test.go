package sofvo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer serves history, send and stream endpoints for one test.
type fakeServer struct {
	mu           sync.Mutex
	history      map[string][]Message
	historyCode  map[string]int
	historyGate  map[string]chan struct{}
	historyCalls map[string]int
	historyLimit string
	send         func(conv string, req SendMessageRequest) (int, interface{})
	streams      chan *fakeStream
}

type fakeStream struct {
	conv        string
	lastEventID string
	frames      chan string
	closed      chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{
		history:      make(map[string][]Message),
		historyCode:  make(map[string]int),
		historyGate:  make(map[string]chan struct{}),
		historyCalls: make(map[string]int),
		streams:      make(chan *fakeStream, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}/messages", f.getMessages)
	mux.HandleFunc("POST /conversations/{id}/messages", f.postMessage)
	mux.HandleFunc("GET /stream", f.stream)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) getMessages(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")

	f.mu.Lock()
	f.historyCalls[conv]++
	f.historyLimit = r.URL.Query().Get("limit")
	gate := f.historyGate[conv]
	code := f.historyCode[conv]
	msgs := f.history[conv]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if code != 0 {
		writeJSON(w, code, map[string]string{"error": "history unavailable", "code": "internal"})
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

func (f *fakeServer) postMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body", "code": "invalid_body"})
		return
	}
	status, body := f.send(r.PathValue("id"), req)
	writeJSON(w, status, body)
}

func (f *fakeServer) stream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s := &fakeStream{
		conv:        r.URL.Query().Get("conversation_id"),
		lastEventID: r.Header.Get("Last-Event-ID"),
		frames:      make(chan string, 16),
		closed:      make(chan struct{}),
	}
	defer close(s.closed)
	f.streams <- s

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-s.frames:
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func (f *fakeServer) calls(conv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls[conv]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func messageFrame(event string, m Message) string {
	data, _ := json.Marshal(m)
	return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", m.ID, event, data)
}

func msg(conv, id, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		Content:        content,
		Type:           TypeText,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestChat(t *testing.T, srv *httptest.Server, opts ChatOptions) *Chat {
	t.Helper()
	t.Setenv("SOFVO_CONFIG", t.TempDir())
	client := NewClient(srv.URL)
	client.UserID = "u1"
	client.Token = "test-token"
	chat := NewChat(client, opts)
	t.Cleanup(chat.Close)
	return chat
}

func nextStream(t *testing.T, f *fakeServer) *fakeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func idsEqual(got []Message, want ...string) bool {
	return strings.Join(ids(got), ",") == strings.Join(want, ",")
}

func hasID(chat *Chat, id string) func() bool {
	return func() bool {
		for _, m := range chat.Messages() {
			if m.ID == id {
				return true
			}
		}
		return false
	}
}

func TestStreamEchoOfFetchedMessageIsCollapsed(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "hi")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)
	s.frames <- messageFrame(EventMessage, msg("c1", "m1", "hi"))
	s.frames <- messageFrame(EventMessage, msg("c1", "m2", "there"))

	waitFor(t, "m2", hasID(chat, "m2"))
	if got := chat.Messages(); !idsEqual(got, "m1", "m2") {
		t.Fatalf("messages = %v, want [m1 m2]", ids(got))
	}
}

func TestHistoryOrderIsPreserved(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "a", "1"), msg("c1", "b", "2"), msg("c1", "c", "3")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := chat.Messages(); !idsEqual(got, "a", "b", "c") {
		t.Fatalf("messages = %v, want [a b c]", ids(got))
	}
	if chat.State() != StateLoaded {
		t.Fatalf("state = %s, want loaded", chat.State())
	}
	f.mu.Lock()
	limit := f.historyLimit
	f.mu.Unlock()
	if limit != "50" {
		t.Fatalf("limit = %q, want 50", limit)
	}
}

func TestStreamResumesAfterLastFetchedMessage(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "a"), msg("c1", "m2", "b")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)
	if s.conv != "c1" {
		t.Fatalf("stream conversation = %q, want c1", s.conv)
	}
	if s.lastEventID != "m2" {
		t.Fatalf("Last-Event-ID = %q, want m2", s.lastEventID)
	}
}

func TestEmptyHistoryStreamsFromStart(t *testing.T) {
	f, srv := newFakeServer(t)
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)
	if s.lastEventID != replayFromStart {
		t.Fatalf("Last-Event-ID = %q, want %q", s.lastEventID, replayFromStart)
	}

	// A message written before the stream opened arrives as replay.
	s.frames <- messageFrame(EventMessage, msg("c1", "m1", "early"))
	waitFor(t, "replayed message", hasID(chat, "m1"))
}

func TestSwitchingConversationResetsSeenSet(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["a"] = []Message{msg("a", "x1", "from a")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open a: %v", err)
	}
	streamA := nextStream(t, f)

	if err := chat.Open(context.Background(), "b"); err != nil {
		t.Fatalf("Open b: %v", err)
	}
	select {
	case <-streamA.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream for a was not closed")
	}
	if got := chat.Messages(); len(got) != 0 {
		t.Fatalf("messages after switch = %v, want none", ids(got))
	}

	streamB := nextStream(t, f)
	streamB.frames <- messageFrame(EventMessage, msg("b", "x1", "from b"))
	waitFor(t, "x1 in b", hasID(chat, "x1"))

	got := chat.Messages()
	if len(got) != 1 || got[0].Content != "from b" {
		t.Fatalf("messages = %+v, want the message from b", got)
	}
	if chat.ConversationID() != "b" {
		t.Fatalf("conversation = %q, want b", chat.ConversationID())
	}
}

func TestSendAppendsWithoutWaitingForStream(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "hi")}
	f.send = func(conv string, req SendMessageRequest) (int, interface{}) {
		return http.StatusCreated, msg(conv, "m9", req.Content)
	}

	var mu sync.Mutex
	var changes int
	chat := newTestChat(t, srv, ChatOptions{OnChange: func([]Message) {
		mu.Lock()
		changes++
		mu.Unlock()
	}})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)

	sent, err := chat.Send(context.Background(), "hello", TypeText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID != "m9" {
		t.Fatalf("sent id = %q, want m9", sent.ID)
	}
	if got := chat.Messages(); !idsEqual(got, "m1", "m9") {
		t.Fatalf("messages = %v, want [m1 m9]", ids(got))
	}

	// The stream echo of our own send must not duplicate it.
	s.frames <- messageFrame(EventMessage, msg("c1", "m9", "hello"))
	s.frames <- messageFrame(EventMessage, msg("c1", "m10", "reply"))
	waitFor(t, "m10", hasID(chat, "m10"))
	if got := chat.Messages(); !idsEqual(got, "m1", "m9", "m10") {
		t.Fatalf("messages = %v, want [m1 m9 m10]", ids(got))
	}

	mu.Lock()
	defer mu.Unlock()
	if changes < 3 {
		t.Fatalf("OnChange called %d times, want at least 3", changes)
	}
}

func TestPermissionDeniedSendLeavesListUnchanged(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "hi")}
	f.send = func(conv string, req SendMessageRequest) (int, interface{}) {
		return http.StatusForbidden, map[string]string{
			"error": "you can only message profiles you mutually follow",
			"code":  CodeNotMutualFollow,
		}
	}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sent, err := chat.Send(context.Background(), "hello", TypeText, "")
	if err == nil {
		t.Fatal("expected send to fail")
	}
	if sent != nil {
		t.Fatalf("sent = %+v, want nil", sent)
	}
	if !IsPermissionDenied(err) {
		t.Fatalf("IsPermissionDenied(%v) = false", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeNotMutualFollow || apiErr.Status != http.StatusForbidden {
		t.Fatalf("err = %#v, want 403 not_mutual_follow", err)
	}
	if got := chat.Messages(); !idsEqual(got, "m1") {
		t.Fatalf("messages = %v, want [m1]", ids(got))
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "hi")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)
	s.frames <- "event: message\ndata: {not json\n\n"
	s.frames <- "event: message\ndata: {\"content\":\"no id\",\"conversation_id\":\"c1\"}\n\n"
	s.frames <- messageFrame(EventMessage, msg("other", "m7", "wrong conversation"))
	s.frames <- "event: mystery\ndata: {}\n\n"
	s.frames <- messageFrame(EventMessage, msg("c1", "m2", "ok"))

	waitFor(t, "m2", hasID(chat, "m2"))
	if got := chat.Messages(); !idsEqual(got, "m1", "m2") {
		t.Fatalf("messages = %v, want [m1 m2]", ids(got))
	}
}

func TestMessageUpdatedReplacesContent(t *testing.T) {
	f, srv := newFakeServer(t)
	f.history["c1"] = []Message{msg("c1", "m1", "helo")}
	chat := newTestChat(t, srv, ChatOptions{})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)

	edited := msg("c1", "m1", "hello")
	at := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	edited.EditedAt = &at
	s.frames <- messageFrame(EventMessageUpdated, edited)
	// Updates for messages not shown are ignored.
	s.frames <- messageFrame(EventMessageUpdated, msg("c1", "m404", "ghost"))

	waitFor(t, "edit", func() bool {
		got := chat.Messages()
		return len(got) == 1 && got[0].Content == "hello"
	})
	got := chat.Messages()
	if got[0].EditedAt == nil || !got[0].EditedAt.Equal(at) {
		t.Fatalf("edited_at = %v, want %v", got[0].EditedAt, at)
	}
}

func TestNotificationFramesGoToCallback(t *testing.T) {
	f, srv := newFakeServer(t)
	got := make(chan Notification, 1)
	chat := newTestChat(t, srv, ChatOptions{OnNotification: func(n Notification) { got <- n }})

	if err := chat.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := nextStream(t, f)
	s.frames <- "event: notification\ndata: {\"id\":\"n1\",\"kind\":\"follow\",\"user_id\":\"u1\",\"actor_id\":\"u2\"}\n\n"

	select {
	case n := <-got:
		if n.ID != "n1" || n.Kind != "follow" {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
	if len(chat.Messages()) != 0 {
		t.Fatalf("notification changed the message list: %v", ids(chat.Messages()))
	}
}

func TestHistoryFailureSetsErrorState(t *testing.T) {
	f, srv := newFakeServer(t)
	f.historyCode["c1"] = http.StatusInternalServerError
	chat := newTestChat(t, srv, ChatOptions{})

	err := chat.Open(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("Open err = %v, want 500 APIError", err)
	}
	if chat.State() != StateError {
		t.Fatalf("state = %s, want error", chat.State())
	}
	if chat.Err() == nil {
		t.Fatal("Err() = nil after failed load")
	}

	// The live stream still opens without a cursor, and nothing retries the load.
	if s := nextStream(t, f); s.lastEventID != "" {
		t.Fatalf("Last-Event-ID = %q after failed load, want none", s.lastEventID)
	}
	if n := f.calls("c1"); n != 1 {
		t.Fatalf("history requested %d times, want 1", n)
	}

	f.mu.Lock()
	delete(f.historyCode, "c1")
	f.history["c1"] = []Message{msg("c1", "m1", "back")}
	f.mu.Unlock()
	if err := chat.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if chat.State() != StateLoaded || chat.Err() != nil {
		t.Fatalf("state = %s err = %v after reload", chat.State(), chat.Err())
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	f, srv := newFakeServer(t)
	gate := make(chan struct{})
	f.historyGate["a"] = gate
	f.history["a"] = []Message{msg("a", "old", "stale")}
	f.history["b"] = []Message{msg("b", "b1", "fresh")}
	chat := newTestChat(t, srv, ChatOptions{})

	errA := make(chan error, 1)
	go func() { errA <- chat.Open(context.Background(), "a") }()
	waitFor(t, "history request for a", func() bool { return f.calls("a") == 1 })

	if err := chat.Open(context.Background(), "b"); err != nil {
		t.Fatalf("Open b: %v", err)
	}
	close(gate)

	select {
	case err := <-errA:
		if !errors.Is(err, ErrConversationChanged) {
			t.Fatalf("Open a err = %v, want ErrConversationChanged", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open a did not return")
	}

	if got := chat.Messages(); !idsEqual(got, "b1") {
		t.Fatalf("messages = %v, want [b1]", ids(got))
	}
	if s := nextStream(t, f); s.conv != "b" {
		t.Fatalf("stream opened for %q, want b", s.conv)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	_, srv := newFakeServer(t)
	chat := newTestChat(t, srv, ChatOptions{})

	if _, err := chat.Send(context.Background(), "hi", TypeText, ""); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("err = %v, want ErrNoConversation", err)
	}
	if err := chat.Load(context.Background()); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("Load err = %v, want ErrNoConversation", err)
	}
	if chat.State() != StateIdle {
		t.Fatalf("state = %s, want idle", chat.State())
	}
}

func TestSubscribeNotificationStream(t *testing.T) {
	f, srv := newFakeServer(t)
	t.Setenv("SOFVO_CONFIG", t.TempDir())
	client := NewClient(srv.URL)
	client.Token = "test-token"

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan *Event, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- client.Subscribe(ctx, "", "", func(ev *Event) { events <- ev })
	}()

	s := nextStream(t, f)
	if s.conv != "" || s.lastEventID != "" {
		t.Fatalf("stream conv = %q, Last-Event-ID = %q; want neither", s.conv, s.lastEventID)
	}
	s.frames <- "event: notification\ndata: {bad json\n\n"
	s.frames <- "event: notification\ndata: {\"id\":\"n1\",\"kind\":\"follow\",\"actor_id\":\"u2\"}\n\n"

	select {
	case ev := <-events:
		if ev.Kind != EventNotification || ev.Notification == nil || ev.Notification.ID != "n1" {
			t.Fatalf("event = %+v, want notification n1", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Subscribe returned %v after cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	if len(events) != 0 {
		t.Fatalf("malformed frame was delivered: %+v", <-events)
	}
}
