// Package presence tracks who is connected to each stream's chat channel.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beech80/clipt-sub000/internal/domain"
)

// Store keeps the presence set of every stream. Entries carry an expiry and
// age out unless refreshed.
type Store interface {
	// Track adds or re-arms an entry. A re-tracked user keeps the original
	// JoinedAt.
	Track(ctx context.Context, streamID string, e domain.PresenceEntry, expires time.Time) error
	Untrack(ctx context.Context, streamID, userID string) error
	// Refresh moves the expiry of an existing entry. It reports false when
	// the entry is gone.
	Refresh(ctx context.Context, streamID, userID string, expires time.Time) (bool, error)
	List(ctx context.Context, streamID string, now time.Time) ([]domain.PresenceEntry, error)
	Count(ctx context.Context, streamID string, now time.Time) (int, error)
	// Prune removes entries expired at now and returns the ones this call removed.
	Prune(ctx context.Context, streamID string, now time.Time) ([]domain.PresenceEntry, error)
	// AcquireSync elects one holder per stream for the duration ttl.
	AcquireSync(ctx context.Context, streamID, holder string, ttl time.Duration) (bool, error)

	SetLive(ctx context.Context, streamID string) error
	SetOffline(ctx context.Context, streamID string) error
	IsLive(ctx context.Context, streamID string) (bool, error)
	LiveStreams(ctx context.Context) ([]string, error)
}

// Redis key patterns:
// presence:stream:{stream_id}:members   ZSET<user_id> scored by expiry (unix ms)
// presence:stream:{stream_id}:meta      HASH user_id -> {username, joined_at}
// presence:stream:{stream_id}:sync      STRING<holder> with TTL, sync election
// presence:stream:{stream_id}:live      HASH {is_live, started_at}
// presence:live_streams                 SET<stream_id>

func membersKey(streamID string) string {
	return fmt.Sprintf("presence:stream:%s:members", streamID)
}

func metaKey(streamID string) string {
	return fmt.Sprintf("presence:stream:%s:meta", streamID)
}

func syncKey(streamID string) string {
	return fmt.Sprintf("presence:stream:%s:sync", streamID)
}

func liveStatusKey(streamID string) string {
	return fmt.Sprintf("presence:stream:%s:live", streamID)
}

const liveStreamsKey = "presence:live_streams"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed presence store on an existing client.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *redisStore) Track(ctx context.Context, streamID string, e domain.PresenceEntry, expires time.Time) error {
	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, membersKey(streamID), redis.Z{Score: score(expires), Member: e.UserID})
	pipe.HSetNX(ctx, metaKey(streamID), e.UserID, meta)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Untrack(ctx context.Context, streamID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, membersKey(streamID), userID)
	pipe.HDel(ctx, metaKey(streamID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Refresh(ctx context.Context, streamID, userID string, expires time.Time) (bool, error) {
	n, err := s.client.ZAddArgs(ctx, membersKey(streamID), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: score(expires), Member: userID}},
	}).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Unchanged score also means present.
	_, err = s.client.ZScore(ctx, membersKey(streamID), userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (s *redisStore) List(ctx context.Context, streamID string, now time.Time) ([]domain.PresenceEntry, error) {
	ids, err := s.client.ZRangeByScore(ctx, membersKey(streamID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	entries, err := s.entries(ctx, streamID, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

// entries reads metadata for ids. A member without metadata still counts,
// with only its user id.
func (s *redisStore) entries(ctx context.Context, streamID string, ids []string) ([]domain.PresenceEntry, error) {
	if len(ids) == 0 {
		return []domain.PresenceEntry{}, nil
	}
	vals, err := s.client.HMGet(ctx, metaKey(streamID), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceEntry, 0, len(ids))
	for i, id := range ids {
		e := domain.PresenceEntry{UserID: id}
		if raw, ok := vals[i].(string); ok {
			if err := json.Unmarshal([]byte(raw), &e); err != nil || e.UserID != id {
				e = domain.PresenceEntry{UserID: id}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) Count(ctx context.Context, streamID string, now time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, membersKey(streamID), "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	return int(n), err
}

func (s *redisStore) Prune(ctx context.Context, streamID string, now time.Time) ([]domain.PresenceEntry, error) {
	ids, err := s.client.ZRangeByScore(ctx, membersKey(streamID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	entries, err := s.entries(ctx, streamID, ids)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	removed := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		removed[i] = pipe.ZRem(ctx, membersKey(streamID), id)
	}
	pipe.HDel(ctx, metaKey(streamID), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	// Concurrent pruners race on ZREM; only the winner reports the entry.
	out := entries[:0]
	for i, e := range entries {
		if removed[i].Val() == 1 {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *redisStore) AcquireSync(ctx context.Context, streamID, holder string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, syncKey(streamID), holder, ttl).Result()
}

func (s *redisStore) SetLive(ctx context.Context, streamID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, liveStreamsKey, streamID)
	pipe.HSet(ctx, liveStatusKey(streamID), map[string]interface{}{
		"is_live":    "true",
		"started_at": strconv.FormatInt(time.Now().Unix(), 10),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) SetOffline(ctx context.Context, streamID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, liveStreamsKey, streamID)
	pipe.Del(ctx, liveStatusKey(streamID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) IsLive(ctx context.Context, streamID string) (bool, error) {
	v, err := s.client.HGet(ctx, liveStatusKey(streamID), "is_live").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (s *redisStore) LiveStreams(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, liveStreamsKey).Result()
}
