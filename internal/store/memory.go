package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/models"
)

type edge struct {
	from, to uuid.UUID
}

// MemoryStore keeps everything in process memory. Used in development when no
// database is configured and by handler tests.
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[uuid.UUID]*models.Profile
	usernames     map[string]uuid.UUID
	follows       map[edge]struct{}
	blocks        map[edge]struct{}
	conversations map[uuid.UUID]*models.Conversation
	directIndex   map[edge]uuid.UUID // sorted pair -> conversation
	messages      map[uuid.UUID][]*models.Message
	messageIndex  map[string]*models.Message
	notifications map[uuid.UUID][]*models.Notification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[uuid.UUID]*models.Profile),
		usernames:     make(map[string]uuid.UUID),
		follows:       make(map[edge]struct{}),
		blocks:        make(map[edge]struct{}),
		conversations: make(map[uuid.UUID]*models.Conversation),
		directIndex:   make(map[edge]uuid.UUID),
		messages:      make(map[uuid.UUID][]*models.Message),
		messageIndex:  make(map[string]*models.Message),
		notifications: make(map[uuid.UUID][]*models.Notification),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateProfile creates a new profile. Usernames are case-insensitive.
func (s *MemoryStore) CreateProfile(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(username)
	if _, ok := s.usernames[key]; ok {
		return nil, ErrConflict
	}
	now := time.Now().UTC()
	p := &models.Profile{
		ID:           crypto.NewUUIDv7(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.profiles[p.ID] = p
	s.usernames[key] = p.ID
	cp := *p
	return &cp, nil
}

// GetProfileByID retrieves a profile by ID.
func (s *MemoryStore) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// GetProfileByUsername retrieves a profile by username.
func (s *MemoryStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	s.mu.RLock()
	id, ok := s.usernames[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetProfileByID(ctx, id)
}

// GetProfiles retrieves several profiles at once. Missing ids are skipped.
func (s *MemoryStore) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*models.Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryStore) Follow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows[edge{followerID, followeeID}] = struct{}{}
	return nil
}

func (s *MemoryStore) Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.follows, edge{followerID, followeeID})
	return nil
}

func (s *MemoryStore) Block(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[edge{blockerID, blockedID}] = struct{}{}
	return nil
}

func (s *MemoryStore) Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, edge{blockerID, blockedID})
	return nil
}

// GetRelationship reports follow and block edges in both directions.
func (s *MemoryStore) GetRelationship(ctx context.Context, viewerID, otherID uuid.UUID) (models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, following := s.follows[edge{viewerID, otherID}]
	_, followedBy := s.follows[edge{otherID, viewerID}]
	_, blocking := s.blocks[edge{viewerID, otherID}]
	_, blockedBy := s.blocks[edge{otherID, viewerID}]
	return models.Relationship{
		Following:  following,
		FollowedBy: followedBy,
		Blocking:   blocking,
		BlockedBy:  blockedBy,
	}, nil
}

// directKey orders a participant pair so both directions map to one conversation.
func directKey(a, b uuid.UUID) edge {
	if strings.Compare(a.String(), b.String()) > 0 {
		a, b = b, a
	}
	return edge{a, b}
}

// GetOrCreateDirectConversation returns the unique direct conversation between a and b.
func (s *MemoryStore) GetOrCreateDirectConversation(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := directKey(a, b)
	if id, ok := s.directIndex[key]; ok {
		return copyConversation(s.conversations[id]), nil
	}
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:           crypto.NewUUIDv7(),
		Type:         models.ConversationDirect,
		CreatedBy:    &a,
		Participants: []uuid.UUID{key.from, key.to},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = c
	s.directIndex[key] = c.ID
	return copyConversation(c), nil
}

// CreateGroupConversation creates a group with the creator and members.
func (s *MemoryStore) CreateGroupConversation(ctx context.Context, name string, createdBy uuid.UUID, members []uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c := &models.Conversation{
		ID:           crypto.NewUUIDv7(),
		Type:         models.ConversationGroup,
		Name:         name,
		CreatedBy:    &createdBy,
		Participants: uniqueIDs(append([]uuid.UUID{createdBy}, members...)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = c
	return copyConversation(c), nil
}

// GetConversation retrieves a conversation with its participants.
func (s *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return copyConversation(c), nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, *copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CreateMessage stores a message, assigning its ID and timestamp when unset.
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	prepareMessage(msg)
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	s.messageIndex[cp.ID] = &cp
	c.UpdatedAt = cp.CreatedAt
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messageIndex[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// ListMessages returns a page of history in ascending order.
func (s *MemoryStore) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(q.Limit, DefaultMessageLimit, MaxMessageLimit+1)
	all := s.messages[q.ConversationID]
	sorted := make([]*models.Message, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]models.Message, 0, limit)
	if q.AfterID != "" {
		for _, m := range sorted {
			if m.ID > q.AfterID {
				out = append(out, *m)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}

	for i := len(sorted) - 1; i >= 0 && len(out) < limit; i-- {
		m := sorted[i]
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		out = append(out, *m)
	}
	reverseMessages(out)
	return out, nil
}

// UpdateMessageContent replaces a message's content and sets its edit time.
func (s *MemoryStore) UpdateMessageContent(ctx context.Context, id string, content string, editedAt time.Time) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Content = content
	t := editedAt.UTC()
	m.EditedAt = &t
	cp := *m
	return &cp, nil
}

// CreateNotification stores a notification for its recipient.
func (s *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareNotification(n)
	cp := *n
	s.notifications[n.UserID] = append(s.notifications[n.UserID], &cp)
	return nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *MemoryStore) ListNotifications(ctx context.Context, userID uuid.UUID, limit int, unreadOnly bool) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit, DefaultMessageLimit, MaxMessageLimit)
	all := s.notifications[userID]
	out := make([]models.Notification, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if unreadOnly && all[i].Read {
			continue
		}
		out = append(out, *all[i])
	}
	return out, nil
}

// MarkNotificationsRead flags the given notifications as read. An empty id list marks all.
func (s *MemoryStore) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, notif := range s.notifications[userID] {
		if notif.Read {
			continue
		}
		if len(ids) == 0 || want[notif.ID] {
			notif.Read = true
			n++
		}
	}
	return n, nil
}

// DeleteReadNotificationsBefore prunes read notifications older than cutoff.
func (s *MemoryStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for user, list := range s.notifications {
		kept := list[:0]
		for _, n := range list {
			if n.Read && n.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		s.notifications[user] = kept
	}
	return removed, nil
}

func copyConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	return &cp
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
