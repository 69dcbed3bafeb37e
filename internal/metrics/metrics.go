package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepush_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ridepush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepush_jobs_enqueued_total",
			Help: "Total notification jobs enqueued",
		},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepush_jobs_processed_total",
			Help: "Total job executions by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ridepush_job_duration_seconds",
			Help:    "Time spent executing one job attempt",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	pushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepush_push_attempts_total",
			Help: "Provider calls by target kind and result",
		},
		[]string{"target", "result"},
	)

	pushRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepush_push_retries_total",
			Help: "Provider calls retried after a transient error",
		},
		[]string{"target"},
	)

	tokensInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepush_tokens_invalidated_total",
			Help: "Device tokens cleared after provider rejection",
		},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ridepush_queue_jobs",
			Help: "Jobs currently in each queue state",
		},
		[]string{"state"},
	)

	brokerHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridepush_broker_healthy",
			Help: "1 when the broker connection is healthy",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepush_rate_limit_rejections_total",
			Help: "Enqueue requests rejected by the producer rate limiter",
		},
	)

	providerCircuit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ridepush_provider_circuit_state",
			Help: "Push provider circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepush_dead_letter_total",
			Help: "Permanently failed jobs exported to the dead-letter queue",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a producer enqueue.
func RecordJobEnqueued() {
	jobsEnqueued.Inc()
}

// RecordJobProcessed records one job attempt with its outcome
// (completed, retryable, terminal).
func RecordJobProcessed(outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(outcome).Inc()
	jobDuration.Observe(duration.Seconds())
}

// RecordPushAttempt records a single provider call.
func RecordPushAttempt(target, result string) {
	pushAttempts.WithLabelValues(target, result).Inc()
}

// RecordPushRetry records a backoff before another provider call.
func RecordPushRetry(target string) {
	pushRetries.WithLabelValues(target).Inc()
}

// RecordTokenInvalidated records a cleared device token.
func RecordTokenInvalidated() {
	tokensInvalidated.Inc()
}

// SetQueueJobs sets the gauge for one queue state.
func SetQueueJobs(state string, count int64) {
	queueJobs.WithLabelValues(state).Set(float64(count))
}

// SetBrokerHealthy reflects the connection manager's health flag.
func SetBrokerHealthy(healthy bool) {
	if healthy {
		brokerHealthy.Set(1)
		return
	}
	brokerHealthy.Set(0)
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// RecordDeadLetter records a dead-letter export attempt (published, error).
func RecordDeadLetter(result string) {
	deadLettered.WithLabelValues(result).Inc()
}

// SetCircuitState reports the breaker state guarding provider.
func SetCircuitState(provider string, state int) {
	providerCircuit.WithLabelValues(provider).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
