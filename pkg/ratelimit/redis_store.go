package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore implements Store over a Redis sorted set per key, scored by
// request time. The whole slide runs in one pipeline so concurrent checks
// for the same key cannot interleave partial updates.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func requestsKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:requests", key)
}

func blockedKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:blocked", key)
}

// Slide implements Store.
func (s *RedisStore) Slide(ctx context.Context, key string, now, cutoff time.Time) (int, time.Time, error) {
	rkey := requestsKey(key)
	nowScore := float64(now.UnixMilli())
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.New().String())

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff.UnixMilli(), 10))
	pipe.ZAdd(ctx, rkey, &redis.Z{Score: nowScore, Member: member})
	card := pipe.ZCard(ctx, rkey)
	oldest := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	pipe.Expire(ctx, rkey, now.Sub(cutoff)*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count := int(card.Val())

	var oldestTime time.Time
	if entries := oldest.Val(); len(entries) > 0 {
		oldestTime = time.UnixMilli(int64(entries[0].Score))
	}

	return count, oldestTime, nil
}

// Block implements Store.
func (s *RedisStore) Block(ctx context.Context, key string, duration time.Duration) error {
	return s.client.Set(ctx, blockedKey(key), "1", duration).Err()
}

// IsBlocked implements Store.
func (s *RedisStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, blockedKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, requestsKey(key))
	pipe.Del(ctx, blockedKey(key))
	_, err := pipe.Exec(ctx)
	return err
}
