// Package tokens clears device tokens that the push provider has rejected.
package tokens

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/observ"
)

// InvalidatedKey is the Redis hash counting invalidations per token.
const InvalidatedKey = "push:invalidated_tokens"

// HolderStore clears a token from every record holding it and reports how
// many records changed. Records are never deleted.
type HolderStore interface {
	ClearToken(ctx context.Context, token string) (int64, error)
}

// Counter records an invalidation for observability.
type Counter interface {
	Incr(ctx context.Context, token string) error
}

// Service implements push.Invalidator.
type Service struct {
	holders HolderStore
	counter Counter
	logger  *zap.Logger
}

// NewService creates the token lifecycle service. counter may be nil.
func NewService(holders HolderStore, counter Counter, logger *zap.Logger) *Service {
	return &Service{
		holders: holders,
		counter: counter,
		logger:  logger.Named("tokens"),
	}
}

// Invalidate clears token from its holders. It returns false without error
// when nobody holds the token, which is expected when the user has already
// registered a new one.
func (s *Service) Invalidate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	n, err := s.holders.ClearToken(ctx, token)
	if err != nil {
		return false, fmt.Errorf("clear token: %w", err)
	}
	if n == 0 {
		s.logger.Debug("token not held by any user", observ.Token(token))
		return false, nil
	}

	metrics.RecordTokenInvalidated()
	if s.counter != nil {
		// The token is already cleared; a counter failure only loses a sample.
		if err := s.counter.Incr(ctx, token); err != nil {
			s.logger.Warn("failed to count invalidated token", observ.Token(token), zap.Error(err))
		}
	}

	s.logger.Info("device token invalidated",
		observ.Token(token),
		zap.Int64("holders", n),
	)
	return true, nil
}

// RedisCounter counts invalidations in a Redis hash keyed by token.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter creates a counter on the shared broker connection.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, token string) error {
	return c.rdb.HIncrBy(ctx, InvalidatedKey, token, 1).Err()
}

// Count returns how many times token has been invalidated.
func (c *RedisCounter) Count(ctx context.Context, token string) (int64, error) {
	n, err := c.rdb.HGet(ctx, InvalidatedKey, token).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
