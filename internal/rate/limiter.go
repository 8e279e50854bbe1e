package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds refresh throttle tuning parameters.
type Config struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

// Limiter enforces a per-family refresh budget using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckRefresh counts a refresh attempt for the family and fails once the window budget is spent.
func (l *Limiter) CheckRefresh(ctx context.Context, familyID string) error {
	if !l.config.Enabled {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, refreshKey(familyID), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}

	return nil
}

// Attempts returns the attempts counted in the current window.
func (l *Limiter) Attempts(ctx context.Context, familyID string) (int, error) {
	count, err := l.redis.Get(ctx, refreshKey(familyID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the family counter. Called when the family is revoked.
func (l *Limiter) Reset(ctx context.Context, familyID string) error {
	if err := l.redis.Del(ctx, refreshKey(familyID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func refreshKey(familyID string) string {
	return "rr:" + familyID
}
