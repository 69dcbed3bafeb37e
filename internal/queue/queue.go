// Package queue is a durable, at-least-once job queue on Redis. Jobs live in
// a hash per id and move between a wait list, an active list, a delayed set
// and the completed/failed sets through atomic scripts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/clock"
	"github.com/lalithlochan/ridepush/internal/events"
)

// Config holds the queue name and the default job policy.
type Config struct {
	Name string

	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration

	// CompletedRetention is the age after which completed jobs are pruned.
	CompletedRetention time.Duration
	// FailedRetention is the number of failed jobs kept for inspection.
	FailedRetention int

	// LockGrace is added to the job timeout to form the lock TTL.
	LockGrace time.Duration
	// MaxStalled is how many times a job may stall before it is failed.
	MaxStalled int

	PromoteInterval time.Duration
	StalledInterval time.Duration
}

// DefaultConfig returns the default policy: 3 attempts, exponential backoff
// from 1s, 60s per attempt, completed jobs kept 1h, last 100 failed kept.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		Attempts:           3,
		Backoff:            1000 * time.Millisecond,
		Timeout:            60 * time.Second,
		CompletedRetention: time.Hour,
		FailedRetention:    100,
		LockGrace:          5 * time.Second,
		MaxStalled:         1,
		PromoteInterval:    500 * time.Millisecond,
		StalledInterval:    30 * time.Second,
	}
}

// Queue is safe for concurrent use by producers and consumers.
type Queue struct {
	rdb      *redis.Client
	cfg      Config
	prefix   string
	logger   *zap.Logger
	events   events.Publisher
	clock    clock.Clock
	validate *validator.Validate

	drained atomic.Bool
}

// New creates a queue over rdb. Zero config fields take their defaults.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger, pub events.Publisher, clk clock.Clock) *Queue {
	def := DefaultConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "notifications"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = def.LockGrace
	}
	if cfg.MaxStalled <= 0 {
		cfg.MaxStalled = def.MaxStalled
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = def.PromoteInterval
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = def.StalledInterval
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Queue{
		rdb:      rdb,
		cfg:      cfg,
		prefix:   "rq:" + cfg.Name + ":",
		logger:   logger.Named("queue"),
		events:   pub,
		clock:    clk,
		validate: validator.New(),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) key(name string) string   { return q.prefix + name }
func (q *Queue) jobKey(id string) string  { return q.prefix + "job:" + id }
func (q *Queue) lockKey(id string) string { return q.prefix + "lock:" + id }
func (q *Queue) nowMillis() int64         { return q.clock.Now().UnixMilli() }

func (q *Queue) publish(e events.Event) {
	e.Source = "queue"
	q.events.Publish(e)
}

// Enqueue validates job and stores it with the default policy overridden by
// opts. The job becomes visible to consumers immediately unless opts.Delay
// is set.
func (q *Queue) Enqueue(ctx context.Context, job NotificationJob, opts Options) (*Handle, error) {
	if err := q.validate.Struct(job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	if opts.Attempts <= 0 {
		opts.Attempts = q.cfg.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.cfg.Backoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.cfg.Timeout
	}

	n, err := q.rdb.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(n, 10)
	now := q.nowMillis()

	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"data":            data,
			"state":           string(state),
			"attempts":        opts.Attempts,
			"attemptsMade":    0,
			"attemptsStarted": 0,
			"stalledCount":    0,
			"backoff":         opts.Backoff.Milliseconds(),
			"timeout":         opts.Timeout.Milliseconds(),
			"createdAt":       now,
		})
		if state == StateDelayed {
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
				Score:  float64(now + opts.Delay.Milliseconds()),
				Member: id,
			})
		} else {
			pipe.LPush(ctx, q.key("wait"), id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("state", string(state)),
		zap.Int("attempts", opts.Attempts),
	)
	q.publish(events.Event{Type: events.Waiting, JobID: id})

	return &Handle{ID: id, Queue: q.cfg.Name}, nil
}

// Reserve moves the next waiting job to the active list and locks it. It
// blocks up to block and returns nil, nil when nothing arrives in time or the
// queue is paused.
func (q *Queue) Reserve(ctx context.Context, block time.Duration) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		q.publish(events.Event{Type: events.Error, Err: err})
		return nil, err
	}
	if paused {
		if err := q.clock.Sleep(ctx, block); err != nil {
			return nil, err
		}
		return nil, nil
	}

	id, err := q.rdb.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, redis.Nil) {
		if !q.drained.Swap(true) {
			q.publish(events.Event{Type: events.Drained})
		}
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.publish(events.Event{Type: events.Error, Err: err})
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	q.drained.Store(false)

	job, err := q.activate(ctx, id)
	if err != nil {
		return nil, err
	}

	q.publish(events.Event{Type: events.Active, JobID: id, Attempt: job.AttemptsStarted})
	return job, nil
}

func (q *Queue) activate(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		// Hash pruned underneath us; drop the orphan id.
		q.rdb.LRem(ctx, q.key("active"), 1, id)
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	timeout := millis(fields["timeout"])
	if timeout <= 0 {
		timeout = q.cfg.Timeout
	}
	ttl := timeout + q.cfg.LockGrace

	err = activateScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.lockKey(id)},
		id, q.nowMillis(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}

	fields["state"] = string(StateActive)
	fields["processedAt"] = strconv.FormatInt(q.nowMillis(), 10)
	fields["attemptsStarted"] = strconv.Itoa(atoi(fields["attemptsStarted"]) + 1)
	job, err := parseJob(id, fields)
	if err != nil {
		return nil, q.failUndecodable(ctx, id, err)
	}
	return job, nil
}

// failUndecodable moves a job whose payload cannot be parsed straight to
// failed. No attempt can succeed, so retries and the stall pass are skipped.
func (q *Queue) failUndecodable(ctx context.Context, id string, cause error) error {
	err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(id), q.lockKey(id)},
		id, q.nowMillis(), "undecodable payload", q.prefix, q.cfg.FailedRetention, "1",
	).Err()
	if err != nil {
		return fmt.Errorf("fail undecodable job %s: %w", id, err)
	}
	q.publish(events.Event{Type: events.Failed, JobID: id, Terminal: true, Err: cause})
	return cause
}

// Settle applies a handler result to an active job.
func (q *Queue) Settle(ctx context.Context, job *Job, res Result) error {
	now := q.nowMillis()

	if res.Outcome == OutcomeCompleted {
		cutoff := now - q.cfg.CompletedRetention.Milliseconds()
		code, err := completeScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID), q.lockKey(job.ID)},
			job.ID, now, cutoff, q.prefix,
		).Int()
		if err != nil {
			return fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		if code < 0 {
			return fmt.Errorf("%w: %s", ErrNotActive, job.ID)
		}
		q.publish(events.Event{Type: events.Completed, JobID: job.ID, Attempt: job.AttemptsMade + 1})
		return nil
	}

	reason := "unknown error"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	terminal := "0"
	if res.Outcome == OutcomeTerminal {
		terminal = "1"
	}

	code, err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID), q.lockKey(job.ID)},
		job.ID, now, reason, q.prefix, q.cfg.FailedRetention, terminal,
	).Int()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if code < 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, job.ID)
	}

	q.publish(events.Event{
		Type:     events.Failed,
		JobID:    job.ID,
		Attempt:  job.AttemptsMade + 1,
		Terminal: code == 2,
		Err:      res.Err,
	})
	return nil
}

// SetRecordID stores the durable record key on the job so a redelivered job
// reuses the same record.
func (q *Queue) SetRecordID(ctx context.Context, jobID, recordID string) error {
	n, err := q.rdb.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("set record id: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return q.rdb.HSet(ctx, q.jobKey(jobID), "recordId", recordID).Err()
}

// Pause stops consumers from reserving new jobs. In-flight jobs finish.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.HSet(ctx, q.key("meta"), "paused", 1).Err(); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	q.logger.Info("queue paused")
	q.publish(events.Event{Type: events.Paused})
	return nil
}

// Resume lets consumers reserve jobs again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.HDel(ctx, q.key("meta"), "paused").Err(); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	q.logger.Info("queue resumed")
	q.publish(events.Event{Type: events.Resumed})
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	v, err := q.rdb.HGet(ctx, q.key("meta"), "paused").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return v == "1", nil
}

func parseJob(id string, f map[string]string) (*Job, error) {
	job := &Job{
		ID:              id,
		State:           State(f["state"]),
		Attempts:        atoi(f["attempts"]),
		AttemptsMade:    atoi(f["attemptsMade"]),
		AttemptsStarted: atoi(f["attemptsStarted"]),
		StalledCount:    atoi(f["stalledCount"]),
		Backoff:         millis(f["backoff"]),
		Timeout:         millis(f["timeout"]),
		RecordID:        f["recordId"],
		FailedReason:    f["failedReason"],
		CreatedAt:       unixMillis(f["createdAt"]),
		ProcessedAt:     unixMillis(f["processedAt"]),
		FinishedAt:      unixMillis(f["finishedAt"]),
	}
	if err := json.Unmarshal([]byte(f["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Duration {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Duration(n) * time.Millisecond
}

func unixMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
