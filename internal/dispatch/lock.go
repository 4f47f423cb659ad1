package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Locker.Acquire when another run holds the lock.
var ErrLocked = errors.New("dispatch lock held")

// Locker serialises dispatch runs across processes.
type Locker interface {
	// Acquire takes the lock or returns ErrLocked. The returned func
	// releases it.
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

const (
	DefaultLockKey = "crmnotify:dispatch:lock"
	DefaultLockTTL = 5 * time.Minute
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock with a per-acquire token.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("release dispatch lock: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("release dispatch lock: lock expired before release")
		}
		return nil
	}, nil
}
