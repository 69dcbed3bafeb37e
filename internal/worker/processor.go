package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/clock"
	"github.com/lalithlochan/ridepush/internal/observ"
	"github.com/lalithlochan/ridepush/internal/push"
	"github.com/lalithlochan/ridepush/internal/queue"
	"github.com/lalithlochan/ridepush/internal/store"
)

// SkippedReason is recorded on jobs that have nowhere to be delivered.
const SkippedReason = "Missing topic or FCM token for send."

// NotificationStore persists notification records.
type NotificationStore interface {
	Create(ctx context.Context, n *store.Notification) error
	Update(ctx context.Context, n *store.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*store.Notification, error)
}

// Deliverer sends a notification to one device or one topic.
type Deliverer interface {
	SendToToken(ctx context.Context, token string, n push.Notification) (string, error)
	SendToTopic(ctx context.Context, topic string, n push.Notification) (string, error)
}

// RecordBinder remembers which record a job wrote, so a redelivery reuses it.
type RecordBinder interface {
	SetRecordID(ctx context.Context, jobID, recordID string) error
}

// Processor runs one job through persist, validate, deliver and finalize.
type Processor struct {
	store     NotificationStore
	deliverer Deliverer
	binder    RecordBinder
	clock     clock.Clock
	logger    *zap.Logger
}

// NewProcessor creates a job processor. binder may be nil.
func NewProcessor(st NotificationStore, d Deliverer, binder RecordBinder, clk clock.Clock, logger *zap.Logger) *Processor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Processor{
		store:     st,
		deliverer: d,
		binder:    binder,
		clock:     clk,
		logger:    logger.Named("processor"),
	}
}

// Process handles a single job. Persistence failures and transient delivery
// failures are retryable. A rejected device token is terminal because the
// token has already been invalidated.
func (p *Processor) Process(ctx context.Context, job *queue.Job) queue.Result {
	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.AttemptsMade+1))

	rec, err := p.record(ctx, job)
	if err != nil {
		log.Error("failed to persist notification record", zap.Error(err))
		return queue.Retryable(fmt.Errorf("persist notification: %w", err))
	}
	log = log.With(zap.String("record_id", rec.ID.String()))

	if rec.Done() {
		log.Info("record already finalized, skipping delivery", zap.String("status", rec.Status))
		return queue.Completed()
	}

	topic := job.Data.Topic
	token := job.Data.FCMToken()

	if topic == "" && token == "" {
		rec.Status = store.StatusSkipped
		rec.LastError = ptr(SkippedReason)
		if err := p.store.Update(ctx, rec); err != nil {
			return queue.Retryable(fmt.Errorf("mark notification skipped: %w", err))
		}
		log.Warn("notification skipped: no delivery target")
		return queue.Completed()
	}

	msg := push.Notification{
		Title: job.Data.Title,
		Body:  job.Data.Body,
		Data:  deliveryData(job.Data.Data),
	}

	var messageID string
	if topic != "" {
		messageID, err = p.deliverer.SendToTopic(ctx, topic, msg)
	} else {
		messageID, err = p.deliverer.SendToToken(ctx, token, msg)
	}

	if err != nil {
		rec.Status = store.StatusFailed
		rec.Attempts++
		rec.LastError = ptr(err.Error())
		if uerr := p.store.Update(ctx, rec); uerr != nil {
			// Redeliver until the failure is on the record.
			log.Error("failed to record delivery failure", zap.Error(uerr))
			return queue.Retryable(fmt.Errorf("record delivery failure: %w", uerr))
		}

		if push.IsInvalidToken(err) {
			log.Warn("delivery rejected: invalid device token", observ.Token(token), zap.Error(err))
			return queue.Terminal(err)
		}
		log.Warn("delivery failed", zap.Error(err))
		return queue.Retryable(err)
	}

	now := p.clock.Now()
	rec.Status = store.StatusSent
	rec.SentAt = &now
	rec.LastError = nil
	if err := p.store.Update(ctx, rec); err != nil {
		// Delivered but not recorded: let the queue run the job again.
		return queue.Retryable(fmt.Errorf("mark notification sent: %w", err))
	}

	log.Info("notification sent", zap.String("message_id", messageID))
	return queue.Completed()
}

// record returns the job's existing record on redelivery, or creates a
// pending one and binds it to the job.
func (p *Processor) record(ctx context.Context, job *queue.Job) (*store.Notification, error) {
	if job.RecordID != "" {
		if id, err := uuid.Parse(job.RecordID); err == nil {
			rec, err := p.store.Get(ctx, id)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		p.logger.Warn("bound record missing, creating a new one",
			zap.String("job_id", job.ID),
			zap.String("record_id", job.RecordID),
		)
	}

	rec := newRecord(job.Data)
	if err := p.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	if p.binder != nil {
		if err := p.binder.SetRecordID(ctx, job.ID, rec.ID.String()); err != nil {
			// A redelivery will create a second record; delivery still proceeds.
			p.logger.Warn("failed to bind record to job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
	return rec, nil
}

func newRecord(j queue.NotificationJob) *store.Notification {
	return &store.Notification{
		ID:        uuid.New(),
		UserID:    optional(j.UserID()),
		RideID:    optional(j.RideID()),
		BookingID: optional(j.BookingID()),
		Title:     j.Title,
		Body:      j.Body,
		Message:   j.Body,
		Type:      j.Type(),
		Data:      deliveryData(j.Data),
		Extra:     j.Extra(),
		Status:    store.StatusPending,
		Attempts:  0,
	}
}

// deliveryData drops the device token from the payload; it addresses the
// message and must not be echoed to the device or stored.
func deliveryData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "fcmToken" {
			continue
		}
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr(s string) *string { return &s }
