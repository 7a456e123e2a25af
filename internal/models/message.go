package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is a single entry in a conversation.
type Message struct {
	ID             string      `json:"id"` // ULID
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"file_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
}
