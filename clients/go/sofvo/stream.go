package sofvo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/r3labs/sse/v2"
)

// Stream event names.
const (
	EventMessage        = "message"
	EventMessageUpdated = "message_updated"
	EventNotification   = "notification"
)

// Event is a decoded stream frame. Exactly one of Message and Notification is set.
type Event struct {
	Kind         string
	Message      *Message
	Notification *Notification
}

var (
	errIgnoredFrame   = errors.New("frame carries no event")
	errUnknownEvent   = errors.New("unknown event")
	errMissingID      = errors.New("payload has no id")
	errWrongRecipient = errors.New("frame belongs to another conversation")
)

// decodeEvent turns a raw frame into a typed Event. Any frame that does not
// decode cleanly is rejected so the caller can drop it.
func decodeEvent(raw *sse.Event, conversationID string) (*Event, error) {
	kind := string(raw.Event)
	if kind == "" && len(raw.Data) == 0 {
		return nil, errIgnoredFrame
	}

	switch kind {
	case EventMessage, EventMessageUpdated:
		var m Message
		if err := json.Unmarshal(raw.Data, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, errMissingID
		}
		if conversationID != "" && m.ConversationID != conversationID {
			return nil, errWrongRecipient
		}
		return &Event{Kind: kind, Message: &m}, nil
	case EventNotification:
		var n Notification
		if err := json.Unmarshal(raw.Data, &n); err != nil {
			return nil, err
		}
		if n.ID == "" {
			return nil, errMissingID
		}
		return &Event{Kind: kind, Notification: &n}, nil
	default:
		return nil, errUnknownEvent
	}
}

// newStream builds an event stream client for a conversation. lastEventID, when
// set, asks the server to replay messages created after it.
func (c *Client) newStream(conversationID, lastEventID string) *sse.Client {
	s := sse.NewClient(c.StreamURL(conversationID))
	// No overall timeout: the connection is long-lived.
	s.Connection = &http.Client{Transport: c.transport()}
	if c.Token != "" {
		s.Headers["Authorization"] = "Bearer " + c.Token
	}
	if lastEventID != "" {
		s.LastEventID.Store([]byte(lastEventID))
	}
	return s
}

func (c *Client) transport() http.RoundTripper {
	if c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		return c.HTTPClient.Transport
	}
	return http.DefaultTransport
}

// Subscribe streams decoded events for a conversation until ctx is done.
// Undecodable frames are skipped; transport errors are retried by the
// stream client with its own backoff.
func (c *Client) Subscribe(ctx context.Context, conversationID, lastEventID string, fn func(*Event)) error {
	s := c.newStream(conversationID, lastEventID)
	err := s.SubscribeRawWithContext(ctx, func(raw *sse.Event) {
		ev, err := decodeEvent(raw, conversationID)
		if err != nil {
			return
		}
		fn(ev)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
