package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as unix microseconds so ORDER BY is numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/sofvo.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/sofvo.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		followee_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	);

	CREATE TABLE IF NOT EXISTS blocks (
		blocker_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		blocked_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('direct', 'group')),
		name TEXT NOT NULL DEFAULT '',
		created_by TEXT,
		direct_key TEXT UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		file_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		edited_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		data TEXT,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

const sqliteProfileColumns = `id, username, display_name, avatar_url, password_hash, created_at, updated_at`

func scanSQLiteProfile(row interface{ Scan(...any) error }) (*models.Profile, error) {
	p := &models.Profile{}
	var (
		idStr              string
		createdAt, updated int64
	)
	if err := row.Scan(&idStr, &p.Username, &p.DisplayName, &p.AvatarURL, &p.PasswordHash, &createdAt, &updated); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	p.ID = id
	p.CreatedAt = fromMicros(createdAt)
	p.UpdatedAt = fromMicros(updated)
	return p, nil
}

// CreateProfile creates a new profile record.
func (s *SQLiteStore) CreateProfile(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error) {
	id := crypto.NewUUIDv7()
	now := toMicros(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, display_name, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), username, displayName, passwordHash, now, now)
	if err != nil {
		if isSQLiteConstraint(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	return s.GetProfileByID(ctx, id)
}

// GetProfileByID retrieves a profile by ID.
func (s *SQLiteStore) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	p, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteProfileColumns+` FROM profiles WHERE id = ?
	`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfileByUsername retrieves a profile by username, ignoring case.
func (s *SQLiteStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	p, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteProfileColumns+` FROM profiles WHERE username = ? COLLATE NOCASE
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfiles retrieves several profiles at once.
func (s *SQLiteStore) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Profile, error) {
	out := make(map[uuid.UUID]*models.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteProfileColumns+` FROM profiles
		WHERE id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Follow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)
	`, followerID.String(), followeeID.String(), toMicros(time.Now()))
	return err
}

func (s *SQLiteStore) Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM follows WHERE follower_id = ? AND followee_id = ?
	`, followerID.String(), followeeID.String())
	return err
}

func (s *SQLiteStore) Block(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
	`, blockerID.String(), blockedID.String(), toMicros(time.Now()))
	return err
}

func (s *SQLiteStore) Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?
	`, blockerID.String(), blockedID.String())
	return err
}

// GetRelationship reports follow and block edges in both directions.
func (s *SQLiteStore) GetRelationship(ctx context.Context, viewerID, otherID uuid.UUID) (models.Relationship, error) {
	var rel models.Relationship
	v, o := viewerID.String(), otherID.String()
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?),
			EXISTS (SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?),
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?),
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?)
	`, v, o, o, v, v, o, o, v).Scan(&rel.Following, &rel.FollowedBy, &rel.Blocking, &rel.BlockedBy)
	return rel, err
}

// GetOrCreateDirectConversation returns the unique direct conversation between a and b.
func (s *SQLiteStore) GetOrCreateDirectConversation(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	key := directPairKey(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var idStr string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, key).Scan(&idStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id := crypto.NewUUIDv7()
		idStr = id.String()
		now := toMicros(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, created_by, direct_key, created_at, updated_at)
			VALUES (?, 'direct', ?, ?, ?, ?)
		`, idStr, a.String(), key, now, now); err != nil {
			return nil, err
		}
		ordered := directKey(a, b)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?), (?, ?, ?)
		`, idStr, ordered.from.String(), now, idStr, ordered.to.String(), now); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, uuid.MustParse(idStr))
}

// CreateGroupConversation creates a group with the creator and members.
func (s *SQLiteStore) CreateGroupConversation(ctx context.Context, name string, createdBy uuid.UUID, members []uuid.UUID) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id := crypto.NewUUIDv7()
	now := toMicros(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, created_by, created_at, updated_at)
		VALUES (?, 'group', ?, ?, ?, ?)
	`, id.String(), name, createdBy.String(), now, now); err != nil {
		return nil, err
	}

	for i, member := range uniqueIDs(append([]uuid.UUID{createdBy}, members...)) {
		// joined_at is offset so participant order is stable
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
		`, id.String(), member.String(), now+int64(i)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) participants(ctx context.Context, convID string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at, user_id
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSQLiteConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	c := &models.Conversation{}
	var (
		idStr              string
		createdBy          sql.NullString
		createdAt, updated int64
	)
	if err := row.Scan(&idStr, &c.Type, &c.Name, &createdBy, &createdAt, &updated); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	c.ID = id
	if createdBy.Valid {
		if cb, err := uuid.Parse(createdBy.String); err == nil {
			c.CreatedBy = &cb
		}
	}
	c.CreatedAt = fromMicros(createdAt)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

// GetConversation retrieves a conversation with its participants.
func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		SELECT id, type, name, created_by, created_at, updated_at FROM conversations WHERE id = ?
	`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if c.Participants, err = s.participants(ctx, id.String()); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC
	`, userID.String())
	if err != nil {
		return nil, err
	}

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Participants are loaded after the cursor is closed; the pool holds one connection.
	for i := range convs {
		if convs[i].Participants, err = s.participants(ctx, convs[i].ID.String()); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

const sqliteMessageColumns = `id, conversation_id, sender_id, content, type, file_url, created_at, edited_at`

func scanSQLiteMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	m := &models.Message{}
	var (
		convStr, senderStr string
		createdAt          int64
		editedAt           sql.NullInt64
	)
	if err := row.Scan(&m.ID, &convStr, &senderStr, &m.Content, &m.Type, &m.FileURL, &createdAt, &editedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ConversationID, err = uuid.Parse(convStr); err != nil {
		return nil, err
	}
	if m.SenderID, err = uuid.Parse(senderStr); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMicros(createdAt)
	if editedAt.Valid {
		t := fromMicros(editedAt.Int64)
		m.EditedAt = &t
	}
	return m, nil
}

// CreateMessage stores a message and bumps the conversation's activity.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	prepareMessage(msg)
	// Stored precision is microseconds; keep the returned value identical.
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, toMicros(msg.CreatedAt), msg.ConversationID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var editedAt sql.NullInt64
	if msg.EditedAt != nil {
		editedAt = sql.NullInt64{Int64: toMicros(*msg.EditedAt), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+sqliteMessageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID.String(), msg.SenderID.String(), msg.Content, string(msg.Type), msg.FileURL, toMicros(msg.CreatedAt), editedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListMessages returns a page of history in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	limit := clampLimit(q.Limit, DefaultMessageLimit, MaxMessageLimit+1)
	conv := q.ConversationID.String()

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case q.AfterID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+sqliteMessageColumns+` FROM messages
			WHERE conversation_id = ? AND id > ?
			ORDER BY created_at ASC, id ASC LIMIT ?
		`, conv, q.AfterID, limit)
	case !q.Before.IsZero():
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+sqliteMessageColumns+` FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		`, conv, toMicros(q.Before), limit)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+sqliteMessageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		`, conv, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.AfterID == "" {
		reverseMessages(msgs)
	}
	return msgs, nil
}

// UpdateMessageContent replaces a message's content and sets its edit time.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id string, content string, editedAt time.Time) (*models.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ? WHERE id = ?
	`, content, toMicros(editedAt), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// CreateNotification stores a notification for its recipient.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	prepareNotification(n)
	n.CreatedAt = n.CreatedAt.Truncate(time.Microsecond)

	var data sql.NullString
	if len(n.Data) > 0 {
		data = sql.NullString{String: string(n.Data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, actor_id, data, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID.String(), string(n.Kind), n.ActorID.String(), data, n.Read, toMicros(n.CreatedAt))
	return err
}

// ListNotifications returns the user's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID uuid.UUID, limit int, unreadOnly bool) ([]models.Notification, error) {
	limit = clampLimit(limit, DefaultMessageLimit, MaxMessageLimit)
	query := `
		SELECT id, user_id, kind, actor_id, data, read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Notification, 0, limit)
	for rows.Next() {
		var (
			n                models.Notification
			userStr, actorID string
			data             sql.NullString
			createdAt        int64
		)
		if err := rows.Scan(&n.ID, &userStr, &n.Kind, &actorID, &data, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		n.UserID, _ = uuid.Parse(userStr)
		n.ActorID, _ = uuid.Parse(actorID)
		if data.Valid {
			n.Data = []byte(data.String)
		}
		n.CreatedAt = fromMicros(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flags the given notifications as read. An empty id list marks all.
func (s *SQLiteStore) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []string) (int64, error) {
	query := `UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`
	args := []any{userID.String()}
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(placeholders, ",") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteReadNotificationsBefore prunes read notifications older than cutoff.
func (s *SQLiteStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE read = 1 AND created_at < ?
	`, toMicros(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
