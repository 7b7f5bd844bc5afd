package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for the Redis backend.
const (
	DefaultRedisTTL       = 30 * time.Second
	DefaultRedisRetry     = 25 * time.Millisecond
	DefaultRedisKeyPrefix = "flowpipe:lock:"
)

// unlockScript deletes the key only if it still carries our token, so a lock
// that expired and was taken by another instance is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisClient is the subset of the go-redis client the lock needs.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLock implements KeyedLock with SET NX PX and a token-checked unlock.
type RedisLock struct {
	client RedisClient
	prefix string
	retry  time.Duration
}

// RedisOption configures a RedisLock.
type RedisOption func(*RedisLock)

// WithKeyPrefix sets the namespace prepended to every lock key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLock) { l.prefix = prefix }
}

// WithRetryInterval sets how often Acquire polls a contended key.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLock) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewRedisLock creates a Redis-backed keyed lock.
func NewRedisLock(client RedisClient, opts ...RedisOption) *RedisLock {
	l := &RedisLock{
		client: client,
		prefix: DefaultRedisKeyPrefix,
		retry:  DefaultRedisRetry,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire polls SET NX until the key is held or ctx is cancelled.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquire makes a single SET NX attempt.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := unlockScript.Run(context.Background(), l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("RedisLock.release: unlock failed", "key", key, "error", err)
			}
		})
	}
	return release, true, nil
}
