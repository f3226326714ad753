// Package moderation decides whether a message may be sent and applies
// moderator actions.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is the server-side send counter, windowed per user and stream.
type RateLimiter interface {
	// Allow counts one attempt. When the limit is exceeded it returns false
	// and the time until the window resets.
	Allow(ctx context.Context, userID, streamID string) (bool, time.Duration, error)
}

// RedisRateLimiter is a fixed-window counter: the first attempt in a window
// creates the key with the window as its TTL.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window, prefix: "chat:rate"}
}

func (l *RedisRateLimiter) key(userID, streamID string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, streamID, userID)
}

func (l *RedisRateLimiter) Allow(ctx context.Context, userID, streamID string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	key := l.key(userID, streamID)

	pipe := l.client.TxPipeline()
	pipe.SetNX(ctx, key, 0, l.window)
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	if incr.Val() <= int64(l.limit) {
		return true, 0, nil
	}
	retry := ttl.Val()
	if retry < 0 {
		retry = l.window
	}
	return false, retry, nil
}
