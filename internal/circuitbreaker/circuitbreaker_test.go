package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/clock"
	"github.com/lalithlochan/ridepush/internal/push"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// newTestBreaker returns a breaker on a fake clock that opens after two
// failures and probes after a minute.
func newTestBreaker(t *testing.T, halfOpen int) (*CircuitBreaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	cb := New(Config{
		Name:                "test",
		MaxFailures:         2,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: halfOpen,
		Clock:               clk,
	}, testLogger())
	return cb, clk
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosedAndAllows(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		run     func(cb *CircuitBreaker, clk *clock.Fake)
		want    State
		allowed bool // result of one more Allow after run
	}{
		{
			name:    "stays closed below threshold",
			run:     func(cb *CircuitBreaker, clk *clock.Fake) { trip(cb, 1) },
			want:    StateClosed,
			allowed: true,
		},
		{
			name:    "opens at threshold and rejects",
			run:     func(cb *CircuitBreaker, clk *clock.Fake) { trip(cb, 2) },
			want:    StateOpen,
			allowed: false,
		},
		{
			name: "still open just before recovery",
			run: func(cb *CircuitBreaker, clk *clock.Fake) {
				trip(cb, 2)
				clk.Advance(59 * time.Second)
			},
			want:    StateOpen,
			allowed: false,
		},
		{
			name: "success resets the failure streak",
			run: func(cb *CircuitBreaker, clk *clock.Fake) {
				trip(cb, 1)
				cb.Allow()
				cb.RecordSuccess()
				trip(cb, 1)
			},
			want:    StateClosed,
			allowed: true,
		},
		{
			name: "successful probe closes",
			run: func(cb *CircuitBreaker, clk *clock.Fake) {
				trip(cb, 2)
				clk.Advance(time.Minute)
				cb.Allow()
				cb.RecordSuccess()
			},
			want:    StateClosed,
			allowed: true,
		},
		{
			name: "failed probe re-opens",
			run: func(cb *CircuitBreaker, clk *clock.Fake) {
				trip(cb, 2)
				clk.Advance(time.Minute)
				cb.Allow()
				cb.RecordFailure()
			},
			want:    StateOpen,
			allowed: false,
		},
		{
			name: "reset closes",
			run: func(cb *CircuitBreaker, clk *clock.Fake) {
				trip(cb, 2)
				cb.Reset()
			},
			want:    StateClosed,
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(t, 1)
			tt.run(cb, clk)
			if got := cb.GetState(); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if got := cb.Allow(); got != tt.allowed {
				t.Fatalf("expected Allow()=%v, got %v", tt.allowed, got)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clk := newTestBreaker(t, 2)
	trip(cb, 2)
	clk.Advance(time.Minute)

	if !cb.Allow() || cb.GetState() != StateHalfOpen {
		t.Fatalf("first probe should pass in half-open, state %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("second probe should pass with HalfOpenMaxRequests=2")
	}
	if cb.Allow() {
		t.Fatal("third probe should be rejected")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, clk := newTestBreaker(t, 1)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow() // rejected
	clk.Advance(20 * time.Second)

	stats := cb.Stats()
	if stats.Name != "test" || stats.State != "open" {
		t.Fatalf("unexpected identity %+v", stats)
	}
	if stats.TotalRequests != 4 || stats.TotalSuccesses != 1 || stats.TotalFailures != 2 || stats.TotalRejected != 1 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if stats.RecoveryIn != (40 * time.Second).String() {
		t.Fatalf("expected 40s to recovery, got %q", stats.RecoveryIn)
	}
	if stats.LastFailure == "" {
		t.Fatal("expected last failure timestamp")
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 || cfg.RecoveryTimeout != 30*time.Second || cfg.HalfOpenMaxRequests != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedProvider Tests ---

type mockProvider struct {
	sendErr   error
	sendCalls int
}

func (m *mockProvider) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return "projects/test/messages/1", nil
}

func (m *mockProvider) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	resp := &messaging.BatchResponse{}
	for range msg.Tokens {
		resp.Responses = append(resp.Responses, &messaging.SendResponse{
			Error: &push.ProviderError{Code: push.CodeTokenNotRegistered},
		})
		resp.FailureCount++
	}
	return resp, nil
}

func testMessage() *messaging.Message {
	return &messaging.Message{Token: "tok-A", Notification: &messaging.Notification{Title: "t", Body: "b"}}
}

func TestProtectedProvider_PassesThrough(t *testing.T) {
	mock := &mockProvider{}
	cb := New(Config{Name: "fcm", MaxFailures: 5}, testLogger())
	pp := NewProtectedProvider(mock, cb, testLogger())
	if _, err := pp.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedProvider_FailFastWhenOpen(t *testing.T) {
	mock := &mockProvider{sendErr: errors.New("down")}
	cb := New(Config{Name: "fcm", MaxFailures: 2}, testLogger())
	pp := NewProtectedProvider(mock, cb, testLogger())
	pp.Send(context.Background(), testMessage())
	pp.Send(context.Background(), testMessage())
	mock.sendCalls = 0
	_, err := pp.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if push.IsInvalidToken(err) {
		t.Fatal("open circuit must be treated as transient")
	}
	if mock.sendCalls != 0 {
		t.Fatalf("provider called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedProvider_InvalidTokenDoesNotTrip(t *testing.T) {
	mock := &mockProvider{sendErr: &push.ProviderError{Code: push.CodeTokenNotRegistered}}
	cb := New(Config{Name: "fcm", MaxFailures: 2}, testLogger())
	pp := NewProtectedProvider(mock, cb, testLogger())
	for i := 0; i < 5; i++ {
		pp.Send(context.Background(), testMessage())
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("rejected tokens should not open the circuit, got %s", cb.GetState())
	}
}

func TestProtectedProvider_MulticastPartialFailureIsSuccess(t *testing.T) {
	mock := &mockProvider{}
	cb := New(Config{Name: "fcm", MaxFailures: 1}, testLogger())
	pp := NewProtectedProvider(mock, cb, testLogger())

	resp, err := pp.SendEachForMulticast(context.Background(), &messaging.MulticastMessage{Tokens: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if resp.FailureCount != 2 {
		t.Fatalf("expected per-token failures passed through, got %d", resp.FailureCount)
	}
	if cb.Stats().TotalSuccesses != 1 || cb.GetState() != StateClosed {
		t.Fatalf("batch call should count as success: %+v", cb.Stats())
	}
}

func TestProtectedProvider_FullLifecycle(t *testing.T) {
	mock := &mockProvider{}
	clk := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 30 * time.Second, Clock: clk}, testLogger())
	pp := NewProtectedProvider(mock, cb, testLogger())
	msg := testMessage()

	// Phase 1: working
	if _, err := pp.Send(context.Background(), msg); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// Phase 2: provider fails, circuit opens
	mock.sendErr = errors.New("FCM 503")
	for i := 0; i < 3; i++ {
		pp.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	if _, err := pp.Send(context.Background(), msg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: provider should not be called")
	}

	// Phase 4: recovery window elapses
	clk.Advance(30 * time.Second)

	// Phase 5: provider recovers
	mock.sendErr = nil
	if _, err := pp.Send(context.Background(), msg); err != nil {
		t.Fatalf("phase5: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase5: expected closed, got %s", cb.GetState())
	}
}
