package sofvo

import (
	"context"
	"errors"
	"sync"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a conversation view.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateError   State = "error"
)

// DefaultHistoryLimit is how many recent messages a view loads on open.
const DefaultHistoryLimit = 50

// replayFromStart is a stream cursor below every message id. It is sent when
// history loaded empty, so messages created before the stream opened are replayed.
const replayFromStart = "0"

var (
	// ErrNoConversation is returned when no conversation has been opened.
	ErrNoConversation = errors.New("sofvo: no conversation open")
	// ErrConversationChanged is returned when a result arrived for a
	// conversation the view has since moved away from. The result is discarded.
	ErrConversationChanged = errors.New("sofvo: conversation changed")
)

// ChatOptions configures a Chat.
type ChatOptions struct {
	// HistoryLimit caps the history load. Zero means DefaultHistoryLimit.
	HistoryLimit int
	// Logger receives debug output about dropped frames. Defaults to zerolog.Nop().
	Logger *zerolog.Logger
	// OnChange is called with a snapshot after every change to the displayed list.
	OnChange func([]Message)
	// OnNotification is called for notification frames.
	OnNotification func(Notification)
}

// Chat keeps the displayed message list of one conversation in sync with the
// server. History, stream frames and the caller's own sends are merged so each
// message id is shown at most once.
//
// Chat is safe for concurrent use. Callbacks run on the goroutine that caused
// the change and must not call back into the Chat synchronously.
type Chat struct {
	client *Client
	opts   ChatOptions
	logger zerolog.Logger

	mu       sync.Mutex
	gen      uint64 // bumped on every Open and Close
	convID   string
	seen     seenSet
	messages []Message
	state    State
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewChat creates an idle Chat.
func NewChat(client *Client, opts ChatOptions) *Chat {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Chat{
		client: client,
		opts:   opts,
		logger: logger,
		seen:   make(seenSet),
		state:  StateIdle,
	}
}

// Open switches the view to conversationID. The previous stream is closed and
// the seen-set and displayed list are cleared before history is loaded and the
// new stream subscribed. The stream resumes after the last loaded message, or
// from the start when history was empty, so nothing created in between is
// missed. A history failure is returned and recorded in Err, but the stream is
// still opened.
func (c *Chat) Open(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	done := c.releaseLocked()
	c.gen++
	gen := c.gen
	c.convID = conversationID
	c.seen.reset()
	c.messages = nil
	c.state = StateIdle
	c.err = nil
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.notifyChange(snapshot)

	loadErr := c.load(ctx, gen, conversationID)
	if errors.Is(loadErr, ErrConversationChanged) {
		return loadErr
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrConversationChanged
	}
	lastID := ""
	if n := len(c.messages); n > 0 {
		lastID = c.messages[n-1].ID
	} else if loadErr == nil {
		lastID = replayFromStart
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.subscribe(streamCtx, c.done, gen, conversationID, lastID)
	c.mu.Unlock()

	return loadErr
}

// Load reloads history for the open conversation. Messages already displayed
// that the reload does not return (newer streamed ones) are kept after it.
func (c *Chat) Load(ctx context.Context) error {
	c.mu.Lock()
	gen, convID := c.gen, c.convID
	c.mu.Unlock()
	if convID == "" {
		return ErrNoConversation
	}
	return c.load(ctx, gen, convID)
}

func (c *Chat) load(ctx context.Context, gen uint64, convID string) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrConversationChanged
	}
	c.state = StateLoading
	c.mu.Unlock()

	resp, err := c.client.GetMessages(ctx, convID, c.opts.HistoryLimit, "")

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrConversationChanged
	}
	if err != nil {
		c.state = StateError
		c.err = err
		c.mu.Unlock()
		return err
	}

	list := make([]Message, 0, len(resp.Messages)+len(c.messages))
	fetched := make(seenSet, len(resp.Messages))
	for _, m := range resp.Messages {
		if fetched.add(m.ID) {
			c.seen.add(m.ID)
			list = append(list, m)
		}
	}
	for _, m := range c.messages {
		if !fetched.has(m.ID) {
			list = append(list, m)
		}
	}
	c.messages = list
	c.state = StateLoaded
	c.err = nil
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyChange(snapshot)
	return nil
}

// Send posts a message to the open conversation. On success the stored
// message is appended at once unless the stream already delivered it. On
// failure the error is returned and the displayed list is left untouched.
func (c *Chat) Send(ctx context.Context, content, messageType, fileURL string) (*Message, error) {
	c.mu.Lock()
	gen, convID := c.gen, c.convID
	c.mu.Unlock()
	if convID == "" {
		return nil, ErrNoConversation
	}

	msg, err := c.client.SendMessage(ctx, convID, SendMessageRequest{
		Content: content,
		Type:    messageType,
		FileURL: fileURL,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return msg, nil
	}
	if !c.seen.add(msg.ID) {
		c.mu.Unlock()
		return msg, nil
	}
	c.messages = append(c.messages, *msg)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyChange(snapshot)
	return msg, nil
}

// Close releases the stream. The Chat may be opened again afterwards.
func (c *Chat) Close() {
	c.mu.Lock()
	done := c.releaseLocked()
	c.gen++
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// releaseLocked cancels the active stream and returns a channel closed once
// its goroutine has exited.
func (c *Chat) releaseLocked() chan struct{} {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	done := c.done
	c.cancel, c.done = nil, nil
	return done
}

// Messages returns a copy of the displayed list.
func (c *Chat) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the view's lifecycle state.
func (c *Chat) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last history load error, if the view is in StateError.
func (c *Chat) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ConversationID returns the open conversation, or "".
func (c *Chat) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

func (c *Chat) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Chat) notifyChange(snapshot []Message) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(snapshot)
	}
}

func (c *Chat) subscribe(ctx context.Context, done chan struct{}, gen uint64, convID, lastID string) {
	defer close(done)

	s := c.client.newStream(convID, lastID)
	s.OnDisconnect(func(*sse.Client) {
		c.logger.Debug().Str("conversation_id", convID).Msg("stream disconnected")
	})
	err := s.SubscribeRawWithContext(ctx, func(raw *sse.Event) {
		c.handleFrame(gen, convID, raw)
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Debug().Err(err).Str("conversation_id", convID).Msg("stream gave up")
	}
}

func (c *Chat) handleFrame(gen uint64, convID string, raw *sse.Event) {
	ev, err := decodeEvent(raw, convID)
	if err != nil {
		if !errors.Is(err, errIgnoredFrame) {
			c.logger.Debug().Err(err).Str("event", string(raw.Event)).Msg("dropping stream frame")
		}
		return
	}

	if ev.Kind == EventNotification {
		if c.opts.OnNotification != nil && c.current(gen) {
			c.opts.OnNotification(*ev.Notification)
		}
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	changed := false
	switch ev.Kind {
	case EventMessage:
		if c.seen.add(ev.Message.ID) {
			c.messages = append(c.messages, *ev.Message)
			changed = true
		}
	case EventMessageUpdated:
		for i := range c.messages {
			if c.messages[i].ID == ev.Message.ID {
				c.messages[i].Content = ev.Message.Content
				c.messages[i].EditedAt = ev.Message.EditedAt
				changed = true
				break
			}
		}
	}
	var snapshot []Message
	if changed {
		snapshot = c.snapshotLocked()
	}
	c.mu.Unlock()

	if changed {
		c.notifyChange(snapshot)
	}
}

func (c *Chat) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}
