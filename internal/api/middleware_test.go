package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/redis"
)

func TestProducerKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		query    string
		expected string
	}{
		{"from header", "booking-svc", "", "producer:booking-svc"},
		{"from query", "", "ride-svc", "producer:ride-svc"},
		{"header takes precedence", "booking-svc", "ride-svc", "producer:booking-svc"},
		{"no producer", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Producer-ID", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("producer", tt.query)
				req.URL.RawQuery = q.Encode()
			}

			result := ProducerKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestProducerOrIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "9.9.9.9:1"
	if got := ProducerOrIPKeyFunc(req); got != "ip:9.9.9.9:1" {
		t.Errorf("expected ip fallback, got %q", got)
	}
	req.Header.Set("X-Producer-ID", "booking-svc")
	if got := ProducerOrIPKeyFunc(req); got != "producer:booking-svc" {
		t.Errorf("expected producer key, got %q", got)
	}
}

// countingLimiter allows the first limit calls per key.
type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (l *countingLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.seen[key]++
	remaining := l.limit - l.seen[key]
	if remaining < 0 {
		remaining = 0
	}
	return &redis.RateLimitResult{
		Limit:     l.limit,
		Allowed:   l.seen[key] <= l.limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Minute),
	}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, nil, ProducerKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := &countingLimiter{limit: 2, seen: map[string]int{}}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), ProducerKeyFunc)(okHandler())

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/notifications", nil)
		req.Header.Set("X-Producer-ID", "booking-svc")
		last = httptest.NewRecorder()
		wrapped.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 200,200,429 got %v", codes)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("expected limit header 2, got %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on rejection")
	}
	if p := decodeProblem(t, last); p.Type != "rate_limit_exceeded" {
		t.Errorf("unexpected problem %+v", p)
	}

	// Other producers have their own window.
	req := httptest.NewRequest("POST", "/v1/notifications", nil)
	req.Header.Set("X-Producer-ID", "ride-svc")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected separate key to pass, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_LimiterErrorFailsOpen(t *testing.T) {
	limiter := &countingLimiter{err: errors.New("broker down")}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), ProducerKeyFunc)(okHandler())

	req := httptest.NewRequest("POST", "/v1/notifications", nil)
	req.Header.Set("X-Producer-ID", "booking-svc")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected request through on limiter error, got %d", rec.Code)
	}
}
