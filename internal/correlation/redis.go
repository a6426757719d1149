package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
)

const redisKeyPrefix = "mpesa:binding:"

// RedisStore backs the correlation store with an external key-value store
// so the service can run as multiple instances sharing one set of bindings.
// Redis-native expiry covers the retention window, so no sweeper runs.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

func NewRedisStore(redisURL string, retention time.Duration, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis correlation store connected", "retention", retention)

	return &RedisStore{
		client:    client,
		retention: retention,
		logger:    logger,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, b *payment.Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to store binding: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*payment.Binding, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read binding: %w", err)
	}

	var b payment.Binding
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	return &b, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// SweepExpired is a no-op: redis evicts bindings through key TTL.
func (s *RedisStore) SweepExpired(ctx context.Context, maxAge time.Duration) ([]*payment.Binding, error) {
	return nil, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
