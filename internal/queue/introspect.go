package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/events"
)

// Counts returns the number of jobs in each state. While the queue is paused
// waiting jobs are reported as paused.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	paused := pipe.HGet(ctx, q.key("meta"), "paused")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("read queue counts: %w", err)
	}

	c := Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	if paused.Val() == "1" {
		c.Paused, c.Waiting = c.Waiting, 0
	}
	return c, nil
}

// Get loads a single job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return parseJob(id, fields)
}

// List returns jobs in state, by position start..stop inclusive. Completed
// and failed jobs are listed newest first.
func (q *Queue) List(ctx context.Context, state State, start, stop int64) ([]*Job, error) {
	var (
		ids []string
		err error
	)
	switch state {
	case StateWaiting:
		// Consumers pop from the right, so the right end is next up.
		ids, err = q.rdb.LRange(ctx, q.key("wait"), -stop-1, -start-1).Result()
		reverse(ids)
	case StateActive:
		ids, err = q.rdb.LRange(ctx, q.key("active"), start, stop).Result()
	case StateDelayed:
		ids, err = q.rdb.ZRange(ctx, q.key("delayed"), start, stop).Result()
	case StateCompleted:
		ids, err = q.rdb.ZRevRange(ctx, q.key("completed"), start, stop).Result()
	case StateFailed:
		ids, err = q.rdb.ZRevRange(ctx, q.key("failed"), start, stop).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(ids[i], fields)
		if err != nil {
			q.logger.Warn("skipping undecodable job", zap.String("job_id", ids[i]), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry moves a failed job back to the wait list with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	code, err := retryScript.Run(ctx, q.rdb,
		[]string{q.key("failed"), q.key("wait"), q.jobKey(id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	switch code {
	case -2:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFailed, id)
	}

	q.logger.Info("failed job requeued", zap.String("job_id", id))
	q.publish(events.Event{Type: events.Waiting, JobID: id})
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
