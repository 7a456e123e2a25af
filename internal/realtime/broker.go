package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/metrics"
)

// EventType names the stream event a payload is written under.
type EventType string

const (
	EventMessage        EventType = "message"
	EventMessageUpdated EventType = "message_updated"
	EventNotification   EventType = "notification"
)

// DefaultBufferSize is the number of undelivered events a subscriber may hold.
const DefaultBufferSize = 64

// Event is a single fan-out unit. Message events are routed by ConversationID,
// notification events by UserID.
type Event struct {
	Type           EventType       `json:"type"`
	ID             string          `json:"id,omitempty"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Data           json.RawMessage `json:"data"`
}

// Bridge relays events between server instances.
type Bridge interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (*redis.PubSub, error)
}

// Subscription is one stream's view of the broker.
type Subscription struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription is removed, including by eviction.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Broker fans events out to subscribers by conversation and by recipient.
type Broker struct {
	mu     sync.RWMutex
	byConv map[uuid.UUID]map[*Subscription]struct{}
	byUser map[uuid.UUID]map[*Subscription]struct{}
	closed bool

	bridge     Bridge
	channel    string
	bufferSize int
	logger     zerolog.Logger
}

// NewBroker creates a broker. A nil bridge delivers in process only.
func NewBroker(logger zerolog.Logger, bridge Bridge, channel string) *Broker {
	return &Broker{
		byConv:     make(map[uuid.UUID]map[*Subscription]struct{}),
		byUser:     make(map[uuid.UUID]map[*Subscription]struct{}),
		bridge:     bridge,
		channel:    channel,
		bufferSize: DefaultBufferSize,
		logger:     logger,
	}
}

// Subscribe registers a stream. conversationID may be uuid.Nil for a
// notification-only stream.
func (b *Broker) Subscribe(conversationID, userID uuid.UUID) *Subscription {
	sub := &Subscription{
		ConversationID: conversationID,
		UserID:         userID,
		events:         make(chan Event, b.bufferSize),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	if conversationID != uuid.Nil {
		add(b.byConv, conversationID, sub)
	}
	add(b.byUser, userID, sub)
	b.mu.Unlock()

	metrics.ActiveStreams.Inc()
	return sub
}

// Close ends every subscription and refuses new ones. Streams see Done and
// return, so the HTTP server can drain. Publishing after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var subs []*Subscription
	for _, set := range b.byUser {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.byConv = make(map[uuid.UUID]map[*Subscription]struct{})
	b.byUser = make(map[uuid.UUID]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		metrics.ActiveStreams.Dec()
		sub.close()
	}
}

// Unsubscribe removes a stream. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	removed := b.remove(sub)
	b.mu.Unlock()
	if removed {
		metrics.ActiveStreams.Dec()
	}
	sub.close()
}

func add(index map[uuid.UUID]map[*Subscription]struct{}, key uuid.UUID, sub *Subscription) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[key] = set
	}
	set[sub] = struct{}{}
}

// remove must be called with the write lock held.
func (b *Broker) remove(sub *Subscription) bool {
	set, ok := b.byUser[sub.UserID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.byUser, sub.UserID)
	}
	if sub.ConversationID != uuid.Nil {
		if convSet, ok := b.byConv[sub.ConversationID]; ok {
			delete(convSet, sub)
			if len(convSet) == 0 {
				delete(b.byConv, sub.ConversationID)
			}
		}
	}
	return true
}

// Publish sends an event to every subscriber on every instance.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if b.bridge == nil {
		b.deliver(ev)
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.bridge.Publish(ctx, b.channel, payload); err != nil {
		// Local subscribers still get the event.
		b.deliver(ev)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run relays bridged events to local subscribers until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	if b.bridge == nil {
		<-ctx.Done()
		return nil
	}

	pubsub, err := b.bridge.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	defer pubsub.Close()

	b.logger.Info().Str("channel", b.channel).Msg("realtime bridge subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("dropping undecodable bridged event")
				continue
			}
			b.deliver(ev)
		}
	}
}

func (b *Broker) deliver(ev Event) {
	var index map[uuid.UUID]map[*Subscription]struct{}
	var key uuid.UUID
	switch ev.Type {
	case EventMessage, EventMessageUpdated:
		index, key = b.byConv, ev.ConversationID
	case EventNotification:
		index, key = b.byUser, ev.UserID
	default:
		return
	}

	b.mu.Lock()
	var evicted []*Subscription
	for sub := range index[key] {
		select {
		case sub.events <- ev:
			metrics.StreamEventsDelivered.WithLabelValues(string(ev.Type)).Inc()
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		b.remove(sub)
	}
	b.mu.Unlock()

	for _, sub := range evicted {
		metrics.ActiveStreams.Dec()
		metrics.SubscribersEvicted.Inc()
		sub.close()
		b.logger.Warn().
			Str("user_id", sub.UserID.String()).
			Str("conversation_id", sub.ConversationID.String()).
			Msg("evicted slow stream subscriber")
	}
}

// Count returns the number of local subscribers.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.byUser {
		n += len(set)
	}
	return n
}
