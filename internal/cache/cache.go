// Package cache keeps recently read performance snapshots close to the
// service. The store stays the source of truth: a cache failure degrades to
// a miss and never fails the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tan-res-space/rag-interface/internal/resilience"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

// PerformanceCache caches the current [bucket.PerformanceMetrics] per speaker.
type PerformanceCache interface {
	// Get returns the cached snapshot. ok is false on a miss.
	Get(ctx context.Context, speakerID string) (m bucket.PerformanceMetrics, ok bool, err error)

	Set(ctx context.Context, m bucket.PerformanceMetrics) error

	Invalidate(ctx context.Context, speakerID string) error
}

// Nop is a [PerformanceCache] that never holds anything.
type Nop struct{}

var _ PerformanceCache = Nop{}

func (Nop) Get(context.Context, string) (bucket.PerformanceMetrics, bool, error) {
	return bucket.PerformanceMetrics{}, false, nil
}
func (Nop) Set(context.Context, bucket.PerformanceMetrics) error { return nil }
func (Nop) Invalidate(context.Context, string) error             { return nil }

// RedisClient is the subset of the go-redis API used by [Redis].
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores snapshots as JSON strings with a TTL. Calls go through a
// circuit breaker so an unavailable Redis costs one fast failure per call
// instead of a network timeout.
type Redis struct {
	client  RedisClient
	ttl     time.Duration
	prefix  string
	breaker *resilience.CircuitBreaker
}

var _ PerformanceCache = (*Redis)(nil)

// NewRedis creates a [Redis] cache. ttl <= 0 defaults to five minutes.
func NewRedis(client RedisClient, ttl time.Duration, cb resilience.CircuitBreakerConfig) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cb.Name == "" {
		cb.Name = "redis-cache"
	}
	// A miss is an answer, not an outage.
	cb.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	return &Redis{
		client:  client,
		ttl:     ttl,
		prefix:  "raginterface:perf:",
		breaker: resilience.NewCircuitBreaker(cb),
	}
}

func (r *Redis) key(speakerID string) string { return r.prefix + speakerID }

// Get implements [PerformanceCache].
func (r *Redis) Get(ctx context.Context, speakerID string) (bucket.PerformanceMetrics, bool, error) {
	var raw string
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = r.client.Get(ctx, r.key(speakerID)).Result()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		return bucket.PerformanceMetrics{}, false, nil
	case err != nil:
		return bucket.PerformanceMetrics{}, false, fmt.Errorf("cache: get %q: %w", speakerID, err)
	}

	var m bucket.PerformanceMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		// Entries written by an older schema are dropped rather than served.
		_ = r.Invalidate(ctx, speakerID)
		return bucket.PerformanceMetrics{}, false, fmt.Errorf("cache: decode %q: %w", speakerID, err)
	}
	return m, true, nil
}

// Set implements [PerformanceCache].
func (r *Redis) Set(ctx context.Context, m bucket.PerformanceMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", m.SpeakerID(), err)
	}
	err = r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(m.SpeakerID()), data, r.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: set %q: %w", m.SpeakerID(), err)
	}
	return nil
}

// Invalidate implements [PerformanceCache].
func (r *Redis) Invalidate(ctx context.Context, speakerID string) error {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, r.key(speakerID)).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", speakerID, err)
	}
	return nil
}
