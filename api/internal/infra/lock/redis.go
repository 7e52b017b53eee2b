package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a single-holder lease with a bounded lifetime. Only the
// instance that acquired it can release it.
type RedisLease struct {
	rdb   redis.Cmdable
	key   string
	ttl   time.Duration
	token string
}

func NewRedisLease(rdb redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{rdb: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

// Acquire reports whether the lease was taken. It does not block.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
