// Package worker consumes notification jobs from the queue with a fixed
// number of concurrent consumers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/queue"
)

// Queue is the consumer side of the job queue.
type Queue interface {
	Reserve(ctx context.Context, block time.Duration) (*queue.Job, error)
	Settle(ctx context.Context, job *queue.Job, res queue.Result) error
}

// Handler processes one job.
type Handler interface {
	Process(ctx context.Context, job *queue.Job) queue.Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) queue.Result

func (f HandlerFunc) Process(ctx context.Context, job *queue.Job) queue.Result { return f(ctx, job) }

type Config struct {
	Concurrency   int
	BlockTimeout  time.Duration // how long one Reserve waits for a job
	JobTimeout    time.Duration // used when a job carries no timeout
	ErrorBackoff  time.Duration // pause after a failed Reserve
	SettleTimeout time.Duration
}

// Pool runs Concurrency consumers against a queue.
type Pool struct {
	queue   Queue
	handler Handler
	config  Config
	logger  *zap.Logger
}

func NewPool(q Queue, h Handler, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}

	return &Pool{
		queue:   q,
		handler: h,
		config:  cfg,
		logger:  logger.Named("worker"),
	}
}

// Run blocks until ctx is cancelled. Cancellation stops the consumers from
// reserving new jobs; jobs already in flight run to completion or to their
// own timeout before Run returns.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", zap.Int("concurrency", p.config.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("consumer", id))

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Reserve(ctx, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to reserve job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.handle(ctx, job, log)
	}
}

func (p *Pool) handle(ctx context.Context, job *queue.Job, log *zap.Logger) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.config.JobTimeout
	}

	// In-flight jobs survive pool shutdown; the job timeout bounds them.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	res := p.process(jobCtx, job)
	metrics.RecordJobProcessed(res.Outcome.String(), time.Since(start))

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), p.config.SettleTimeout)
	defer cancelSettle()

	if err := p.queue.Settle(settleCtx, job, res); err != nil {
		// The lock expires and stall detection requeues the job.
		log.Error("failed to settle job",
			zap.String("job_id", job.ID),
			zap.String("outcome", res.Outcome.String()),
			zap.Error(err),
		)
		return
	}

	log.Debug("job settled",
		zap.String("job_id", job.ID),
		zap.String("outcome", res.Outcome.String()),
		zap.Duration("took", time.Since(start)),
	)
}

func (p *Pool) process(ctx context.Context, job *queue.Job) (res queue.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			res = queue.Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return p.handler.Process(ctx, job)
}
