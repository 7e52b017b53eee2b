package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// RedisStore maps client idempotency keys to local task ids.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Lookup returns the task id remembered for key.
func (s *RedisStore) Lookup(ctx context.Context, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	v, err := s.rdb.Get(ctx, idempKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get idempotency: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency entry %q: %w", key, err)
	}
	return id, true, nil
}

// Remember binds key to taskID unless another id got there first, in which
// case that id is returned with ok=false.
func (s *RedisStore) Remember(ctx context.Context, key string, taskID int64) (int64, bool, error) {
	if key == "" {
		return taskID, true, nil
	}
	ok, err := s.rdb.SetNX(ctx, idempKey(key), taskID, s.ttl).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis setnx idempotency: %w", err)
	}
	if ok {
		return taskID, true, nil
	}
	existing, found, err := s.Lookup(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		// expired between SETNX and GET
		return s.Remember(ctx, key, taskID)
	}
	return existing, false, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.rdb.Del(ctx, idempKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del idempotency: %w", err)
	}
	return nil
}

func idempKey(k string) string {
	return "asr:idemp:" + k
}
