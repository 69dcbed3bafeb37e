package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/events"
)

const promoteBatch = 1000

// Maintain promotes due delayed jobs and reclaims stalled ones until ctx is
// done. Run exactly one per process; the scripts tolerate several.
func (q *Queue) Maintain(ctx context.Context) {
	promote := time.NewTicker(q.cfg.PromoteInterval)
	defer promote.Stop()
	stalled := time.NewTicker(q.cfg.StalledInterval)
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote delayed jobs failed", zap.Error(err))
				q.publish(events.Event{Type: events.Error, Err: err})
			}
		case <-stalled.C:
			if _, _, err := q.CheckStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("stalled job check failed", zap.Error(err))
				q.publish(events.Event{Type: events.Error, Err: err})
			}
		}
	}
}

// PromoteDelayed moves delayed jobs whose time has come to the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		q.nowMillis(), q.prefix, promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	if n > 0 {
		q.logger.Debug("delayed jobs promoted", zap.Int("count", n))
	}
	return n, nil
}

// CheckStalled runs one pass of stall detection. An active job whose lock
// has expired across two consecutive passes is requeued, or failed once it
// has stalled more than MaxStalled times.
func (q *Queue) CheckStalled(ctx context.Context) (requeued, failed []string, err error) {
	res, err := stalledScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("wait"), q.key("failed"), q.key("stalled-check")},
		q.prefix, q.cfg.MaxStalled, q.nowMillis(), q.cfg.FailedRetention,
	).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("check stalled: %w", err)
	}
	if len(res) == 2 {
		requeued = toStrings(res[0])
		failed = toStrings(res[1])
	}

	for _, id := range requeued {
		q.logger.Warn("stalled job requeued", zap.String("job_id", id))
		q.publish(events.Event{Type: events.Stalled, JobID: id})
	}
	for _, id := range failed {
		q.logger.Warn("stalled job failed", zap.String("job_id", id))
		q.publish(events.Event{Type: events.Stalled, JobID: id})
		q.publish(events.Event{
			Type:     events.Failed,
			JobID:    id,
			Terminal: true,
			Err:      fmt.Errorf("job stalled more than allowable limit"),
		})
	}
	return requeued, failed, nil
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
