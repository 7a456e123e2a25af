package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sofvo/sofvo/internal/metrics"
)

const (
	// EventsChannel carries realtime events between server instances.
	EventsChannel = "sofvo:events"

	presenceTTL = 90 * time.Second
)

// RedisStore handles Redis operations for fan-out, presence and rate limiting.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// presenceKey returns the key marking a profile as connected.
func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// Publish sends a payload to every subscriber of channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	defer observeRedis(time.Now())
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription and waits for the server to confirm it.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// TouchPresence marks a profile as connected for the presence TTL.
func (s *RedisStore) TouchPresence(ctx context.Context, userID uuid.UUID) error {
	defer observeRedis(time.Now())
	return s.client.Set(ctx, presenceKey(userID), time.Now().Unix(), presenceTTL).Err()
}

// ClearPresence removes a profile's presence marker.
func (s *RedisStore) ClearPresence(ctx context.Context, userID uuid.UUID) error {
	defer observeRedis(time.Now())
	return s.client.Del(ctx, presenceKey(userID)).Err()
}

// IsOnline reports whether a profile has an open stream somewhere.
func (s *RedisStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	defer observeRedis(time.Now())
	n, err := s.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
