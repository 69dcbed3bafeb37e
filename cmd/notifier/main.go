package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/ridepush/internal/api"
	"github.com/lalithlochan/ridepush/internal/circuitbreaker"
	"github.com/lalithlochan/ridepush/internal/config"
	"github.com/lalithlochan/ridepush/internal/events"
	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/observ"
	"github.com/lalithlochan/ridepush/internal/push"
	"github.com/lalithlochan/ridepush/internal/queue"
	"github.com/lalithlochan/ridepush/internal/redis"
	"github.com/lalithlochan/ridepush/internal/sns"
	"github.com/lalithlochan/ridepush/internal/sqs"
	"github.com/lalithlochan/ridepush/internal/store"
	"github.com/lalithlochan/ridepush/internal/tokens"
	"github.com/lalithlochan/ridepush/internal/worker"
)

const (
	countsInterval = 15 * time.Second
	deadLetterBuf  = 256
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ridepush notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue", cfg.QueueName),
		zap.String("provider", cfg.PushProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.shutdown()
		return err
	}
	return a.run(ctx)
}

// app owns every long-lived component of the process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	bus     *events.Bus
	broker  *redis.Client
	queue   *queue.Queue
	db      *store.DB
	breaker *circuitbreaker.CircuitBreaker
	pool    *worker.Pool
	dlq     *sqs.DeadLetterPublisher
	server  *http.Server

	deadLetters chan string
	background  sync.WaitGroup
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	a.bus = events.NewBus()
	a.bus.Subscribe(a.logEvent)
	a.bus.Subscribe(recordEventMetrics)

	broker, err := redis.New(redis.Config{
		URL:            cfg.BrokerURL,
		ReconnectBase:  cfg.BrokerReconnectBase,
		ReconnectCap:   cfg.BrokerReconnectCap,
		HealthInterval: cfg.BrokerHealthInterval,
	}, a.logger, a.bus)
	if err != nil {
		return fmt.Errorf("failed to configure broker: %w", err)
	}
	a.broker = broker

	// The broker being down at startup is not fatal; Monitor keeps probing.
	if !broker.Connect(ctx) {
		a.logger.Warn("broker unreachable at startup, continuing", zap.String("queue", cfg.QueueName))
	}

	a.queue = queue.New(broker.Redis(), queue.Config{
		Name:               cfg.QueueName,
		Attempts:           cfg.JobAttempts,
		Backoff:            cfg.JobBackoff,
		Timeout:            cfg.JobTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetentionCount,
	}, a.logger, a.bus, nil)

	a.db, err = store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	notifications := store.NewNotificationRepository(a.db, a.logger)
	holders := store.NewTokenHolderRepository(a.db, a.logger)

	invalidator := tokens.NewService(holders, tokens.NewRedisCounter(broker.Redis()), a.logger)

	provider, err := a.provider(ctx)
	if err != nil {
		return err
	}
	a.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.PushProvider), a.logger)
	protected := circuitbreaker.NewProtectedProvider(provider, a.breaker, a.logger)

	var limiter *rate.Limiter
	if cfg.PushRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PushRateLimit), cfg.PushRateLimit)
	}
	delivery := push.NewService(protected, invalidator, push.Config{
		TTL:         cfg.PushTTL,
		MaxRetries:  cfg.PushMaxRetries,
		BaseBackoff: cfg.PushBaseBackoff,
		ChunkSize:   cfg.PushChunkSize,
		Limiter:     limiter,
	}, a.logger)

	processor := worker.NewProcessor(notifications, delivery, a.queue, nil, a.logger)
	a.pool = worker.NewPool(a.queue, processor, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	}, a.logger)

	var deadLetters api.DeadLetters
	if cfg.SQSDLQURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		a.dlq = sqs.NewDeadLetterPublisher(client, sqs.Config{
			Region: cfg.SQSRegion,
			DLQURL: cfg.SQSDLQURL,
		}, cfg.QueueName, a.logger)
		deadLetters = a.dlq

		a.deadLetters = make(chan string, deadLetterBuf)
		a.bus.Subscribe(a.forwardDeadLetter)
	}

	enqueueLimiter := redis.NewRateLimiter(broker, a.logger, redis.RateLimitConfig{
		Limit:  cfg.EnqueueRateLimit,
		Window: cfg.EnqueueRateWindow,
		Prefix: "rq:" + cfg.QueueName + ":ratelimit",
	})

	handler := api.NewHandler(a.logger, api.Deps{
		Queue:   a.queue,
		Repo:    notifications,
		DLQ:     deadLetters,
		Broker:  broker,
		Breaker: a.breaker,
	})
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, enqueueLimiter, a.logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return nil
}

func (a *app) provider(ctx context.Context) (push.Provider, error) {
	switch a.cfg.PushProvider {
	case "sns":
		snsCfg := sns.Config{
			Region:         a.cfg.SNSRegion,
			Endpoint:       a.cfg.SNSEndpoint,
			TopicARNPrefix: a.cfg.SNSTopicARNPrefix,
		}
		client, err := sns.NewClient(ctx, snsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create sns client: %w", err)
		}
		return sns.NewPublisher(client, snsCfg, a.logger), nil
	default:
		client, err := push.NewFCMProvider(ctx, push.FCMConfig{
			CredentialsFile:   a.cfg.FirebaseCredentialsFile,
			CredentialsBase64: a.cfg.FirebaseCredentialsBase64,
			ProjectID:         a.cfg.FirebaseProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize fcm: %w", err)
		}
		a.logger.Info("fcm provider initialized", zap.String("project_id", a.cfg.FirebaseProjectID))
		return client, nil
	}
}

// run blocks until ctx is cancelled or the HTTP server fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	a.goBackground(func() { a.broker.Monitor(workCtx) })
	a.goBackground(func() { a.queue.Maintain(workCtx) })
	a.goBackground(func() { a.sampleCounts(workCtx) })
	if a.deadLetters != nil {
		a.goBackground(func() { a.exportDeadLetters(workCtx) })
	}

	poolDone := make(chan struct{})
	go func() {
		a.pool.Run(workCtx)
		close(poolDone)
	}()

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		_ = a.server.Close()
		a.logger.Warn("http server did not stop gracefully", zap.Error(err))
	}

	// Stop reserving; in-flight jobs finish under their own timeout.
	cancelWork()
	<-poolDone
	a.background.Wait()

	a.shutdown()
	a.logger.Info("notifier stopped")
	return runErr
}

func (a *app) shutdown() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("failed to close broker", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) goBackground(fn func()) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		fn()
	}()
}

// sampleCounts publishes queue sizes as gauges.
func (a *app) sampleCounts(ctx context.Context) {
	ticker := time.NewTicker(countsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts, err := a.queue.Counts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Debug("failed to sample queue counts", zap.Error(err))
			}
			continue
		}
		recordQueueCounts(counts)
	}
}

func recordQueueCounts(counts queue.Counts) {
	metrics.SetQueueJobs(string(queue.StateWaiting), counts.Waiting)
	metrics.SetQueueJobs(string(queue.StateActive), counts.Active)
	metrics.SetQueueJobs(string(queue.StateDelayed), counts.Delayed)
	metrics.SetQueueJobs(string(queue.StateCompleted), counts.Completed)
	metrics.SetQueueJobs(string(queue.StateFailed), counts.Failed)
	metrics.SetQueueJobs("paused", counts.Paused)
}

// forwardDeadLetter runs on the publisher's goroutine inside Settle, so it
// only hands the job id to the exporter.
func (a *app) forwardDeadLetter(e events.Event) {
	if e.Type != events.Failed || !e.Terminal {
		return
	}
	select {
	case a.deadLetters <- e.JobID:
	default:
		a.logger.Warn("dead-letter buffer full, job left in failed set", zap.String("job_id", e.JobID))
	}
}

func (a *app) exportDeadLetters(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-a.deadLetters:
			job, err := a.queue.Get(ctx, id)
			if err != nil {
				a.logger.Warn("failed job vanished before export", zap.String("job_id", id), zap.Error(err))
				continue
			}
			// Errors are logged and counted by the publisher; the job stays in
			// the failed set either way.
			_, _ = a.dlq.Publish(ctx, job, job.FailedReason)
		}
	}
}

func (a *app) logEvent(e events.Event) {
	fields := []zap.Field{zap.String("event", string(e.Type))}
	if e.Source != "" {
		fields = append(fields, zap.String("source", e.Source))
	}
	if e.JobID != "" {
		fields = append(fields, zap.String("job_id", e.JobID))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	log := a.logger.Named("events")
	switch e.Type {
	case events.Error:
		log.Error("lifecycle event", fields...)
	case events.Failed:
		fields = append(fields, zap.Bool("terminal", e.Terminal))
		log.Warn("lifecycle event", fields...)
	case events.Stalled, events.Reconnecting:
		log.Warn("lifecycle event", fields...)
	case events.Waiting, events.Active, events.Completed:
		log.Debug("lifecycle event", fields...)
	default:
		log.Info("lifecycle event", fields...)
	}
}

func recordEventMetrics(e events.Event) {
	switch e.Type {
	case events.Ready:
		metrics.SetBrokerHealthy(true)
	case events.Error, events.End:
		if e.Source == "broker" {
			metrics.SetBrokerHealthy(false)
		}
	}
}
