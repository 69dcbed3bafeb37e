// Package sqs exports permanently failed jobs to an SQS dead-letter queue and
// replays them back into the job queue on operator request.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/queue"
)

// maxReceive is the SQS limit on messages per ReceiveMessage call.
const maxReceive = 10

// API is the subset of *sqs.Client the dead-letter publisher uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region string
	DLQURL string
}

// Message is the payload sent to the dead-letter queue.
type Message struct {
	JobID        string                `json:"job_id"`
	Queue        string                `json:"queue"`
	RecordID     string                `json:"record_id,omitempty"`
	Job          queue.NotificationJob `json:"job"`
	AttemptsMade int                   `json:"attempts_made"`
	Reason       string                `json:"reason"`
	FailedAt     int64                 `json:"failed_at"`
}

// EnqueueFunc puts a replayed job back on the job queue.
type EnqueueFunc func(ctx context.Context, job queue.NotificationJob) error

// DeadLetterPublisher sends terminally failed jobs to SQS.
type DeadLetterPublisher struct {
	client   API
	queueURL string
	queue    string
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient loads the default AWS config for region and builds an SQS client.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// NewDeadLetterPublisher creates a publisher for jobs of queueName.
func NewDeadLetterPublisher(client API, cfg Config, queueName string, logger *zap.Logger) *DeadLetterPublisher {
	logger = logger.Named("dlq")
	logger.Info("sqs dead-letter export initialized",
		zap.String("queue_url", cfg.DLQURL),
	)

	return &DeadLetterPublisher{
		client:   client,
		queueURL: cfg.DLQURL,
		queue:    queueName,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish sends job to the dead-letter queue and returns the SQS message ID.
func (p *DeadLetterPublisher) Publish(ctx context.Context, job *queue.Job, reason string) (string, error) {
	msg := Message{
		JobID:        job.ID,
		Queue:        p.queue,
		RecordID:     job.RecordID,
		Job:          job.Data,
		AttemptsMade: job.AttemptsMade,
		Reason:       reason,
		FailedAt:     p.now().UnixMilli(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"queue": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.queue),
			},
		},
	})
	if err != nil {
		metrics.RecordDeadLetter("error")
		p.logger.Error("failed to send job to dead-letter queue",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	metrics.RecordDeadLetter("exported")
	p.logger.Info("job exported to dead-letter queue",
		zap.String("job_id", job.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

// Replay receives up to max dead-lettered jobs, re-enqueues each and deletes
// it from SQS. A message is deleted only after it was enqueued, so a failed
// enqueue leaves it for the next replay. Unreadable messages are skipped.
func (p *DeadLetterPublisher) Replay(ctx context.Context, max int, enqueue EnqueueFunc) (int, error) {
	replayed := 0

	for replayed < max {
		batch := int32(min(maxReceive, max-replayed))
		result, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(p.queueURL),
			MaxNumberOfMessages: batch,
			WaitTimeSeconds:     1,
			VisibilityTimeout:   60,
		})
		if err != nil {
			return replayed, fmt.Errorf("sqs receive failed: %w", err)
		}
		if len(result.Messages) == 0 {
			break
		}

		for _, m := range result.Messages {
			var msg Message
			if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
				p.logger.Error("skipping unreadable dead-letter message",
					zap.String("message_id", aws.ToString(m.MessageId)),
					zap.Error(err),
				)
				continue
			}

			if err := enqueue(ctx, msg.Job); err != nil {
				return replayed, fmt.Errorf("re-enqueue job %s: %w", msg.JobID, err)
			}

			if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(p.queueURL),
				ReceiptHandle: m.ReceiptHandle,
			}); err != nil {
				return replayed, fmt.Errorf("sqs delete failed: %w", err)
			}

			replayed++
			metrics.RecordDeadLetter("replayed")
			p.logger.Info("dead-lettered job replayed", zap.String("job_id", msg.JobID))
		}
	}

	return replayed, nil
}
