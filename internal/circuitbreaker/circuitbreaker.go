// Package circuitbreaker stops calling a push provider that keeps failing
// and probes it again after a recovery window.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/clock"
	"github.com/lalithlochan/ridepush/internal/metrics"
)

// State of a breaker.
//
//	closed    -> open       MaxFailures consecutive provider failures
//	open      -> half-open  RecoveryTimeout after the last failure
//	half-open -> closed     a probe succeeds
//	half-open -> open       a probe fails
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of probes pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the circuit is open. Delivery treats it
// as a transient provider error.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the protected provider ("fcm", "sns").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns 5 failures, 30s recovery and a single probe.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker guards a push provider. While open, calls are rejected
// without reaching the provider; after RecoveryTimeout a probe is let
// through and its result decides whether the circuit closes again.
type CircuitBreaker struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int // consecutive, reset by any success
	probes      int // admitted since entering half-open
	lastFailure time.Time
	changedAt   time.Time

	requests  int64
	failed    int64
	succeeded int64
	rejected  int64
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	cb := &CircuitBreaker{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger.Named("breaker").With(zap.String("provider", cfg.Name)),
		state:     StateClosed,
		changedAt: cfg.Clock.Now(),
	}
	metrics.SetCircuitState(cfg.Name, int(StateClosed))

	cb.logger.Info("circuit breaker created",
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return cb
}

// Allow reports whether a provider call may proceed. An open breaker whose
// recovery window has elapsed moves to half-open and admits the call as a
// probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.rejected++
	return false
}

// RecordSuccess closes a half-open circuit and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.succeeded++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("provider recovered, circuit closed")
	}
}

// RecordFailure opens the circuit after MaxFailures consecutive failures, or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++
	cb.lastFailure = cb.clock.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("probe failed, circuit re-opened")
	case cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit opened",
			zap.Int("failures", cb.failures),
			zap.Duration("recovery_timeout", cb.cfg.RecoveryTimeout),
		)
	}
}

// GetState returns the current state without advancing it.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot for the operator API.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
	// RecoveryIn is the time left before an open circuit admits a probe.
	RecoveryIn string `json:"recovery_in,omitempty"`
}

// Stats returns current counters and timestamps.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		TotalRequests:   cb.requests,
		TotalFailures:   cb.failed,
		TotalSuccesses:  cb.succeeded,
		TotalRejected:   cb.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	if cb.state == StateOpen {
		if left := cb.cfg.RecoveryTimeout - cb.clock.Now().Sub(cb.lastFailure); left > 0 {
			s.RecoveryIn = left.String()
		}
	}
	return s
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker manually reset")
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.clock.Now()
	cb.probes = 0
	metrics.SetCircuitState(cb.cfg.Name, int(next))

	cb.logger.Debug("circuit state transition",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
