package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is applied in order; every statement is idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_username ON profiles (LOWER(username))`,

	`CREATE TABLE IF NOT EXISTS follows (
		follower_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		followee_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (follower_id, followee_id)
	)`,

	`CREATE TABLE IF NOT EXISTS blocks (
		blocker_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		blocked_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (blocker_id, blocked_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('direct', 'group')),
		name TEXT NOT NULL DEFAULT '',
		created_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		direct_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text' CHECK (type IN ('text', 'image', 'file')),
		file_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		edited_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		actor_id UUID NOT NULL,
		data JSONB,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC)`,
}

// RunMigrations applies the PostgreSQL schema.
func RunMigrations(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	for i, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
