package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beech80/clipt-sub000/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// ProfileCache caches author profiles by user id.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (*domain.Profile, error)
	Set(ctx context.Context, p *domain.Profile, ttl time.Duration) error
	Delete(ctx context.Context, userIDs ...string) error
}

type RedisProfileCache struct {
	client *redis.Client
	prefix string
}

// NewRedisProfileCache shares client with the rest of the process; it does not close it.
func NewRedisProfileCache(client *redis.Client, prefix string) *RedisProfileCache {
	if prefix == "" {
		prefix = "chat:profile"
	}
	return &RedisProfileCache{client: client, prefix: prefix}
}

func (c *RedisProfileCache) key(userID string) string {
	return fmt.Sprintf("%s:id:%s", c.prefix, userID)
}

func (c *RedisProfileCache) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &p, nil
}

func (c *RedisProfileCache) Set(ctx context.Context, p *domain.Profile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, c.key(p.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisProfileCache) Delete(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}
