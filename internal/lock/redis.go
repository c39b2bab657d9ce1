package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it still carries our token, so a
// holder whose lease expired cannot release someone else's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisClient is the subset of the go-redis API used by [RedisLocker].
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOption configures a [RedisLocker].
type RedisOption func(*RedisLocker)

// WithTTL sets the lease duration. A holder that crashes loses the lock after
// this long. Default: 30s.
func WithTTL(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithRetryInterval sets the wait between acquisition attempts.
// Default: 50ms.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithKeyPrefix namespaces lock keys. Default: "raginterface:lock:".
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// RedisLocker is a [Locker] shared by every replica connected to the same
// Redis.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a [RedisLocker] on client.
func NewRedisLocker(client RedisClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		prefix: "raginterface:lock:",
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire implements [Locker].
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context has been cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			err := l.client.Eval(rctx, releaseScript, []string{redisKey}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("lock: release failed; lease will expire", "key", key, "error", err)
			}
		})
	}, nil
}
