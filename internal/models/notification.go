package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies what triggered a notification.
type NotificationKind string

const (
	NotificationMessage NotificationKind = "message"
	NotificationFollow  NotificationKind = "follow"
)

// Notification is a per-user alert about activity elsewhere.
type Notification struct {
	ID        string           `json:"id"` // ULID
	UserID    uuid.UUID        `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	ActorID   uuid.UUID        `json:"actor_id"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
