package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
)

// RedisStore persists values in Redis under a namespace prefix, for
// deployments where several node processes share one installation
// (kiosks, exhibition floors).
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    *slog.Logger
}

// NewRedisStore connects and verifies reachability before returning.
func NewRedisStore(addr string, db int, namespace string, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errs.Wrap(errs.ErrCodeStoreUnavailable, "redis unreachable", err).
			WithContext("addr", addr)
	}

	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger.With("component", "store", "backend", "redis"),
	}, nil
}

func (rs *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", rs.namespace, key)
}

// Get returns the value for key, or ErrNotFound.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rs.client.Get(ctx, rs.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores the value for key without expiry.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := rs.client.Set(ctx, rs.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	rs.logger.Debug("persisted key", "key", key, "bytes", len(value))
	return nil
}

// Delete removes the key. Deleting an absent key is not an error.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
