package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
	Prefix string        // Key namespace, defaults to "ratelimit"
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Limit     int
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims entries older than the window, then admits n more if
// they fit. Returns {allowed, count after the call, oldest score in ms}.
var slidingWindow = redis.NewScript(`
local now, window, limit, n = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then oldest = tonumber(first[2]) end
if count + n > limit then
  return {0, count, oldest}
end
for i = 1, n do
  redis.call('ZADD', KEYS[1], now, ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], window + 1000)
return {1, count + n, oldest}
`)

// RateLimiter is a sliding-window limiter over a Redis sorted set. It guards
// the enqueue endpoint so one producer cannot flood the queue.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
	seq    atomic.Uint64
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Prefix == "" {
		config.Prefix = "ratelimit"
	}
	return &RateLimiter{
		client: client,
		logger: logger.Named("ratelimit"),
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a single request is allowed for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n requests for key if all of them fit in the window. The
// check and the insert run as one script, so concurrent callers cannot both
// take the last slot.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	nowMs := now.UnixMilli()
	windowMs := r.config.Window.Milliseconds()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), r.seq.Add(1))

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{r.config.Prefix + ":" + key},
		nowMs, windowMs, r.config.Limit, n, member,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]
	result := &RateLimitResult{
		Limit:     r.config.Limit,
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   time.UnixMilli(oldest + windowMs),
	}

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
