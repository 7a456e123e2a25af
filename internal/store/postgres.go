package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/metrics"
	"github.com/sofvo/sofvo/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observePostgres(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const profileColumns = `id, username, display_name, avatar_url, password_hash, created_at, updated_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	p := &models.Profile{}
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.DisplayName,
		&p.AvatarURL,
		&p.PasswordHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateProfile creates a new profile record.
func (s *PostgresStore) CreateProfile(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error) {
	defer observePostgres(time.Now())

	p, err := scanProfile(s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, username, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+profileColumns,
		crypto.NewUUIDv7(), username, displayName, passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return p, nil
}

// GetProfileByID retrieves a profile by ID.
func (s *PostgresStore) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	defer observePostgres(time.Now())

	p, err := scanProfile(s.pool.QueryRow(ctx, `
		SELECT `+profileColumns+` FROM profiles WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfileByUsername retrieves a profile by username, ignoring case.
func (s *PostgresStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	defer observePostgres(time.Now())

	p, err := scanProfile(s.pool.QueryRow(ctx, `
		SELECT `+profileColumns+` FROM profiles WHERE LOWER(username) = LOWER($1)
	`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfiles retrieves several profiles at once.
func (s *PostgresStore) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Profile, error) {
	defer observePostgres(time.Now())

	out := make(map[uuid.UUID]*models.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1::uuid[])
	`, strIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// Follow records that followerID follows followeeID.
func (s *PostgresStore) Follow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	defer observePostgres(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follows (follower_id, followee_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, followerID, followeeID)
	return err
}

// Unfollow removes a follow edge.
func (s *PostgresStore) Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	defer observePostgres(time.Now())
	_, err := s.pool.Exec(ctx, `
		DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2
	`, followerID, followeeID)
	return err
}

// Block records that blockerID blocked blockedID.
func (s *PostgresStore) Block(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	defer observePostgres(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, blockerID, blockedID)
	return err
}

// Unblock removes a block edge.
func (s *PostgresStore) Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	defer observePostgres(time.Now())
	_, err := s.pool.Exec(ctx, `
		DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2
	`, blockerID, blockedID)
	return err
}

// GetRelationship reports follow and block edges in both directions.
func (s *PostgresStore) GetRelationship(ctx context.Context, viewerID, otherID uuid.UUID) (models.Relationship, error) {
	defer observePostgres(time.Now())

	var rel models.Relationship
	err := s.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM follows WHERE follower_id = $1 AND followee_id = $2),
			EXISTS (SELECT 1 FROM follows WHERE follower_id = $2 AND followee_id = $1),
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2),
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $2 AND blocked_id = $1)
	`, viewerID, otherID).Scan(&rel.Following, &rel.FollowedBy, &rel.Blocking, &rel.BlockedBy)
	return rel, err
}

// directPairKey returns a stable key for a participant pair.
func directPairKey(a, b uuid.UUID) string {
	k := directKey(a, b)
	return k.from.String() + ":" + k.to.String()
}

// GetOrCreateDirectConversation returns the unique direct conversation between a and b.
func (s *PostgresStore) GetOrCreateDirectConversation(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	defer observePostgres(time.Now())

	key := directPairKey(a, b)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, type, created_by, direct_key)
		VALUES ($1, 'direct', $2, $3)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id
	`, crypto.NewUUIDv7(), a, key).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Already exists.
		if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		ordered := directKey(a, b)
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2), ($1, $3)
		`, id, ordered.from, ordered.to); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// CreateGroupConversation creates a group with the creator and members.
func (s *PostgresStore) CreateGroupConversation(ctx context.Context, name string, createdBy uuid.UUID, members []uuid.UUID) (*models.Conversation, error) {
	defer observePostgres(time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	id := crypto.NewUUIDv7()
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, type, name, created_by)
		VALUES ($1, 'group', $2, $3)
	`, id, name, createdBy); err != nil {
		return nil, err
	}

	for _, member := range uniqueIDs(append([]uuid.UUID{createdBy}, members...)) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
		`, id, member); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

const conversationSelect = `
	SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at,
		ARRAY(
			SELECT p.user_id::text FROM conversation_participants p
			WHERE p.conversation_id = c.id
			ORDER BY p.joined_at, p.user_id
		)
	FROM conversations c`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	var participants []string
	err := row.Scan(
		&c.ID,
		&c.Type,
		&c.Name,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
		&participants,
	)
	if err != nil {
		return nil, err
	}
	c.Participants = make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		id, err := uuid.Parse(p)
		if err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, id)
	}
	return c, nil
}

// GetConversation retrieves a conversation with its participants.
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	defer observePostgres(time.Now())

	c, err := scanConversation(s.pool.QueryRow(ctx, conversationSelect+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	defer observePostgres(time.Now())

	rows, err := s.pool.Query(ctx, conversationSelect+`
		WHERE c.id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = $1)
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, content, type, file_url, created_at, edited_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	m := &models.Message{}
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&m.Type,
		&m.FileURL,
		&m.CreatedAt,
		&m.EditedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMessage stores a message and bumps the conversation's activity.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer observePostgres(time.Now())

	prepareMessage(msg)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE conversations SET updated_at = $2 WHERE id = $1
	`, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type, msg.FileURL, msg.CreatedAt, msg.EditedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer observePostgres(time.Now())

	m, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListMessages returns a page of history in ascending order.
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	defer observePostgres(time.Now())

	limit := clampLimit(q.Limit, DefaultMessageLimit, MaxMessageLimit+1)

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case q.AfterID != "":
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND id > $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3
		`, q.ConversationID, q.AfterID, limit)
	case !q.Before.IsZero():
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, q.ConversationID, q.Before, limit)
	default:
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, q.ConversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
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
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id string, content string, editedAt time.Time) (*models.Message, error) {
	defer observePostgres(time.Now())

	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET content = $2, edited_at = $3
		WHERE id = $1
		RETURNING `+messageColumns,
		id, content, editedAt.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// CreateNotification stores a notification for its recipient.
func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	defer observePostgres(time.Now())

	prepareNotification(n)
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, actor_id, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, n.Kind, n.ActorID, data, n.Read, n.CreatedAt)
	return err
}

// ListNotifications returns the user's notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID uuid.UUID, limit int, unreadOnly bool) ([]models.Notification, error) {
	defer observePostgres(time.Now())

	limit = clampLimit(limit, DefaultMessageLimit, MaxMessageLimit)
	query := `
		SELECT id, user_id, kind, actor_id, COALESCE(data::text, ''), read, created_at
		FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Notification, 0, limit)
	for rows.Next() {
		var (
			n    models.Notification
			data string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorID, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if data != "" {
			n.Data = []byte(data)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flags the given notifications as read. An empty id list marks all.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []string) (int64, error) {
	defer observePostgres(time.Now())

	var (
		query = `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE`
		args  = []any{userID}
	)
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}
	ct, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// DeleteReadNotificationsBefore prunes read notifications older than cutoff.
func (s *PostgresStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observePostgres(time.Now())

	ct, err := s.pool.Exec(ctx, `
		DELETE FROM notifications WHERE read = TRUE AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
