package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/sofvo/sofvo/internal/models"
)

var (
	// ErrNotFound is returned by mutations whose target row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("store: conflict")
)

// Page sizes for history and notification listings.
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// MessageQuery selects a page of a conversation's history.
type MessageQuery struct {
	ConversationID uuid.UUID
	Limit          int
	Before         time.Time // exclusive upper bound on created_at, zero means now
	AfterID        string    // exclusive lower bound on message id, used for stream replay
}

// DataStore defines the interface for persistent storage of profiles,
// relationships, conversations, messages and notifications.
// PostgresStore, SQLiteStore and MemoryStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Profile operations
	CreateProfile(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error)
	GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error)
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Profile, error)

	// Relationship operations
	Follow(ctx context.Context, followerID, followeeID uuid.UUID) error
	Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error
	Block(ctx context.Context, blockerID, blockedID uuid.UUID) error
	Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error
	GetRelationship(ctx context.Context, viewerID, otherID uuid.UUID) (models.Relationship, error)

	// Conversation operations
	GetOrCreateDirectConversation(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error)
	CreateGroupConversation(ctx context.Context, name string, createdBy uuid.UUID, members []uuid.UUID) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	UpdateMessageContent(ctx context.Context, id string, content string, editedAt time.Time) (*models.Message, error)

	// Notification operations
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID uuid.UUID, limit int, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []string) (int64, error)
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewMessageID returns a time-ordered message identifier.
func NewMessageID() string {
	return ulid.Make().String()
}

// clampLimit applies the default and maximum page sizes.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// prepareMessage fills server-assigned fields before insert.
func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
}

// prepareNotification fills server-assigned fields before insert.
func prepareNotification(n *models.Notification) {
	if n.ID == "" {
		n.ID = NewMessageID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
}

// reverseMessages flips a newest-first page into ascending order.
func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
