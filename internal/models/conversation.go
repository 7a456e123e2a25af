package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType distinguishes one-to-one threads from group threads.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a thread of messages between two or more participants.
type Conversation struct {
	ID           uuid.UUID        `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"` // groups only
	CreatedBy    *uuid.UUID       `json:"created_by,omitempty"`
	Participants []uuid.UUID      `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Other returns the other participant of a direct conversation.
func (c *Conversation) Other(userID uuid.UUID) (uuid.UUID, bool) {
	if c.Type != ConversationDirect {
		return uuid.Nil, false
	}
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return uuid.Nil, false
}
