// Package ratelimit counts requests per key in fixed one-minute windows kept in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "levergame:rl:"

type Limiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	log    *slog.Logger
	now    func() time.Time
}

// New returns a limiter allowing perMinute requests per key. A nil client or a
// non-positive limit disables limiting.
func New(client *redis.Client, perMinute int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, limit: int64(perMinute), window: time.Minute, log: logger, now: time.Now}
}

// NewFromURL connects to Redis and checks the connection.
func NewFromURL(ctx context.Context, url string, perMinute int, logger *slog.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, perMinute, logger), nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.client != nil && l.limit > 0
}

// Allow records one request for key and reports whether it fits in the
// current window, plus the time until the window rolls over.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	now := l.now()
	windowStart := now.Truncate(l.window)
	retryAfter := windowStart.Add(l.window).Sub(now)
	redisKey := fmt.Sprintf("%s%s:%d", keyPrefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= l.limit, retryAfter, nil
}

func (l *Limiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
