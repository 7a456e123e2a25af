package notify

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/metrics"
	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

const previewLength = 80

// MessageData is the payload of a message notification.
type MessageData struct {
	ConversationID uuid.UUID          `json:"conversation_id"`
	MessageID      string             `json:"message_id"`
	Type           models.MessageType `json:"type"`
	Preview        string             `json:"preview,omitempty"`
}

// Notifier records notifications and pushes them to the recipient's streams.
type Notifier struct {
	store  store.DataStore
	broker *realtime.Broker
	logger zerolog.Logger
}

// New creates a notifier.
func New(ds store.DataStore, broker *realtime.Broker, logger zerolog.Logger) *Notifier {
	return &Notifier{store: ds, broker: broker, logger: logger}
}

// MessageSent notifies every participant except the sender. Recipients who
// block the sender are skipped.
func (n *Notifier) MessageSent(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	data, err := json.Marshal(MessageData{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Type:           msg.Type,
		Preview:        preview(msg.Content),
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("encode message notification")
		return
	}

	for _, recipient := range conv.Participants {
		if recipient == msg.SenderID {
			continue
		}
		rel, err := n.store.GetRelationship(ctx, recipient, msg.SenderID)
		if err != nil {
			n.logger.Error().Err(err).Str("recipient", recipient.String()).Msg("relationship lookup failed")
			continue
		}
		if rel.Blocking {
			continue
		}
		n.create(ctx, &models.Notification{
			UserID:  recipient,
			Kind:    models.NotificationMessage,
			ActorID: msg.SenderID,
			Data:    data,
		})
	}
}

// Followed notifies followee that follower started following them.
func (n *Notifier) Followed(ctx context.Context, followerID, followeeID uuid.UUID) {
	n.create(ctx, &models.Notification{
		UserID:  followeeID,
		Kind:    models.NotificationFollow,
		ActorID: followerID,
	})
}

func (n *Notifier) create(ctx context.Context, notif *models.Notification) {
	if err := n.store.CreateNotification(ctx, notif); err != nil {
		n.logger.Error().Err(err).
			Str("user_id", notif.UserID.String()).
			Str("kind", string(notif.Kind)).
			Msg("failed to store notification")
		return
	}
	metrics.NotificationsCreated.WithLabelValues(string(notif.Kind)).Inc()

	payload, err := json.Marshal(notif)
	if err != nil {
		return
	}
	if err := n.broker.Publish(ctx, realtime.Event{
		Type:   realtime.EventNotification,
		ID:     notif.ID,
		UserID: notif.UserID,
		Data:   payload,
	}); err != nil {
		n.logger.Warn().Err(err).Msg("notification publish failed")
	}
}

// preview truncates content to a short rune-safe excerpt.
func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
