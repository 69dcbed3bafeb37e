// Package push delivers notifications to device tokens, topics and token
// batches through a push provider, retrying transient failures with jittered
// exponential backoff and reporting rejected tokens for invalidation.
package push

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/ridepush/internal/clock"
	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/observ"
)

// MaxChunkSize is the provider's hard limit on tokens per multicast call.
const MaxChunkSize = 500

// Target kinds, used as metric labels.
const (
	TargetToken     = "token"
	TargetTopic     = "topic"
	TargetMulticast = "multicast"
)

// Provider is the subset of *messaging.Client the service needs.
type Provider interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Invalidator clears a rejected device token from whoever holds it.
type Invalidator interface {
	Invalidate(ctx context.Context, token string) (bool, error)
}

// TokenResult is the per-token outcome of a multicast send, aligned with
// the input order.
type TokenResult struct {
	Token     string
	Success   bool
	MessageID string
	Error     error
}

// Config holds delivery policy. See DefaultConfig.
type Config struct {
	TTL         time.Duration // default 1h, also caps the backoff
	MaxRetries  int           // retries after the first call; 0 disables
	BaseBackoff time.Duration // default 1s
	ChunkSize   int           // default and maximum 500

	Envelope EnvelopeConfig

	Clock   clock.Clock
	Rand    func() float64 // uniform in [0, 1)
	Limiter *rate.Limiter  // nil disables throttling
}

// Service implements the three delivery entry points over one retry loop.
type Service struct {
	provider    Provider
	invalidator Invalidator
	cfg         Config
	logger      *zap.Logger
}

// NewService creates a delivery service. invalidator may be nil.
func NewService(provider Provider, invalidator Invalidator, cfg Config, logger *zap.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	cfg.Envelope.TTL = cfg.TTL

	return &Service{
		provider:    provider,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger.Named("push"),
	}
}

// DefaultConfig returns the default delivery policy.
func DefaultConfig() Config {
	return Config{
		TTL:         time.Hour,
		MaxRetries:  3,
		BaseBackoff: time.Second,
		ChunkSize:   MaxChunkSize,
	}
}

// SendToToken delivers n to a single device. A rejected token is
// invalidated and returned as an error without retrying.
func (s *Service) SendToToken(ctx context.Context, token string, n Notification) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	msg := s.envelope(n).Message(token, "")

	var id string
	err := s.withRetry(ctx, TargetToken, token, func(ctx context.Context) error {
		var err error
		id, err = s.provider.Send(ctx, msg)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SendToTopic delivers n to every subscriber of topic.
func (s *Service) SendToTopic(ctx context.Context, topic string, n Notification) (string, error) {
	if topic == "" {
		return "", errors.New("empty topic")
	}
	msg := s.envelope(n).Message("", topic)

	var id string
	err := s.withRetry(ctx, TargetTopic, "", func(ctx context.Context) error {
		var err error
		id, err = s.provider.Send(ctx, msg)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SendToMany delivers n to tokens in chunks of at most ChunkSize. Failures
// of individual tokens are reported in the results; a chunk that still fails
// after retries aborts the remaining chunks and is returned together with
// the results gathered so far.
func (s *Service) SendToMany(ctx context.Context, tokens []string, n Notification) ([]TokenResult, error) {
	results := make([]TokenResult, 0, len(tokens))
	if len(tokens) == 0 {
		return results, nil
	}
	env := s.envelope(n)

	for start := 0; start < len(tokens); start += s.cfg.ChunkSize {
		end := min(start+s.cfg.ChunkSize, len(tokens))
		chunk := tokens[start:end]
		msg := env.Multicast(chunk)

		var resp *messaging.BatchResponse
		err := s.withRetry(ctx, TargetMulticast, "", func(ctx context.Context) error {
			var err error
			resp, err = s.provider.SendEachForMulticast(ctx, msg)
			return err
		})
		if err != nil {
			s.logger.Error("multicast chunk failed, aborting remaining chunks",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Int("remaining", len(tokens)-start),
				zap.Error(err),
			)
			return results, fmt.Errorf("multicast chunk at %d: %w", start, err)
		}

		results = append(results, s.collect(ctx, chunk, resp)...)
	}

	return results, nil
}

func (s *Service) collect(ctx context.Context, chunk []string, resp *messaging.BatchResponse) []TokenResult {
	out := make([]TokenResult, len(chunk))
	for i, token := range chunk {
		out[i].Token = token

		if resp == nil || i >= len(resp.Responses) || resp.Responses[i] == nil {
			out[i].Error = errors.New("no response from provider for token")
			continue
		}
		r := resp.Responses[i]
		if r.Success {
			out[i].Success = true
			out[i].MessageID = r.MessageID
			continue
		}

		out[i].Error = r.Error
		if out[i].Error == nil {
			out[i].Error = errors.New("provider reported failure without an error")
		}
		if IsInvalidToken(r.Error) {
			s.invalidate(ctx, token)
		}
	}
	return out
}

// Backoff returns the jittered delay before retry attempt+1:
// rand() * min(base * 2^attempt, ttl).
func (s *Service) Backoff(attempt int) time.Duration {
	ceiling := float64(s.cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	ceiling = math.Min(ceiling, float64(s.cfg.TTL))
	return time.Duration(s.cfg.Rand() * ceiling)
}

func (s *Service) withRetry(ctx context.Context, target, token string, call func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if s.cfg.Limiter != nil {
			if err := s.cfg.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("wait for send slot: %w", err)
			}
		}

		err := call(ctx)
		if err == nil {
			metrics.RecordPushAttempt(target, "success")
			return nil
		}

		if IsInvalidToken(err) {
			metrics.RecordPushAttempt(target, "invalid_token")
			if token != "" {
				s.invalidate(ctx, token)
			}
			return err
		}
		metrics.RecordPushAttempt(target, "error")

		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("send to %s failed after %d attempts: %w", target, attempt+1, err)
		}

		delay := s.Backoff(attempt)
		s.logger.Warn("push send failed, retrying",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.RecordPushRetry(target)

		if serr := s.cfg.Clock.Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("send to %s interrupted after %d attempts: %w", target, attempt+1, err)
		}
	}
}

func (s *Service) invalidate(ctx context.Context, token string) {
	if s.invalidator == nil {
		return
	}
	cleared, err := s.invalidator.Invalidate(ctx, token)
	if err != nil {
		s.logger.Error("token invalidation failed", observ.Token(token), zap.Error(err))
		return
	}
	s.logger.Info("device token rejected by provider",
		observ.Token(token),
		zap.Bool("cleared", cleared),
	)
}

func (s *Service) envelope(n Notification) Envelope {
	return BuildEnvelope(n, s.cfg.Envelope, s.cfg.Clock.Now())
}
