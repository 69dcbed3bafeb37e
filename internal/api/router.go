package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/metrics"
)

// NewRouter wires the handler routes behind the shared middleware stack.
// limiter may be nil, in which case enqueue is not rate limited.
func NewRouter(h *Handler, limiter Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.With(RateLimitMiddleware(limiter, logger, ProducerOrIPKeyFunc)).
			Post("/notifications", h.EnqueueNotification)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/counts", h.QueueCounts)
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Post("/jobs/{id}/retry", h.RetryJob)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
		})

		r.Post("/dlq/replay", h.ReplayDeadLetters)
		r.Get("/provider/breaker", h.BreakerStats)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
