package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists snapshots as raw byte values in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using REDIS_URL.
func NewRedisStore(ctx context.Context) (*RedisStore, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func snapshotRedisKey(notebookID string) string {
	return fmt.Sprintf("notebook:%s:%s", notebookID, SnapshotKey)
}

// Load implements SnapshotStore.
func (s *RedisStore) Load(ctx context.Context, notebookID string) ([]byte, error) {
	data, err := s.client.Get(ctx, snapshotRedisKey(notebookID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Save implements SnapshotStore.
func (s *RedisStore) Save(ctx context.Context, notebookID string, snapshot []byte) error {
	if len(snapshot) > MaxSnapshotSize {
		return ErrSnapshotTooLarge
	}
	return s.client.Set(ctx, snapshotRedisKey(notebookID), snapshot, 0).Err()
}
