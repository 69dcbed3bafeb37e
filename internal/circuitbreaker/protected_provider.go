package circuitbreaker

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/push"
)

// ProtectedProvider wraps a push.Provider with a CircuitBreaker. Rejected
// tokens are the token's fault, not the provider's, so they count as
// successful calls.
type ProtectedProvider struct {
	provider push.Provider
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

var _ push.Provider = (*ProtectedProvider)(nil)

// NewProtectedProvider wraps provider with circuit breaker protection.
func NewProtectedProvider(provider push.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		provider: provider,
		breaker:  breaker,
		logger:   logger.Named("breaker"),
	}
}

// Send forwards a single-target message unless the circuit is open.
func (p *ProtectedProvider) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	if err := p.allow("send"); err != nil {
		return "", err
	}

	id, err := p.provider.Send(ctx, msg)
	p.record(err)
	return id, err
}

// SendEachForMulticast forwards a token batch unless the circuit is open.
// Per-token failures inside a successful batch do not trip the breaker.
func (p *ProtectedProvider) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	if err := p.allow("multicast"); err != nil {
		return nil, err
	}

	resp, err := p.provider.SendEachForMulticast(ctx, msg)
	p.record(err)
	return resp, err
}

// Breaker returns the underlying circuit breaker for the operator API.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *ProtectedProvider) allow(op string) error {
	if p.breaker.Allow() {
		return nil
	}
	p.logger.Warn("circuit breaker rejected provider call",
		zap.String("breaker", p.breaker.cfg.Name),
		zap.String("op", op),
		zap.String("state", p.breaker.GetState().String()),
	)
	return fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.cfg.Name)
}

func (p *ProtectedProvider) record(err error) {
	if err == nil || push.IsInvalidToken(err) {
		p.breaker.RecordSuccess()
		return
	}
	p.breaker.RecordFailure()
	p.logger.Debug("circuit breaker recorded failure",
		zap.String("breaker", p.breaker.cfg.Name),
		zap.Error(err),
	)
}
