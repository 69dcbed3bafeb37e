// Package sns delivers push notifications through AWS SNS mobile push. A
// device token is a platform endpoint ARN and a topic is an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/observ"
	"github.com/lalithlochan/ridepush/internal/push"
)

// API is the subset of *sns.Client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config configures the SNS publisher.
type Config struct {
	Region         string
	Endpoint       string // optional, for LocalStack
	TopicARNPrefix string // e.g. arn:aws:sns:us-east-1:123456789012:
}

// Publisher implements push.Provider over SNS.
type Publisher struct {
	client      API
	topicPrefix string
	logger      *zap.Logger
}

var _ push.Provider = (*Publisher)(nil)

// NewClient loads the default AWS config for cfg.Region and builds an SNS
// client, honouring cfg.Endpoint when set.
func NewClient(ctx context.Context, cfg Config) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewPublisher wraps an SNS client.
func NewPublisher(client API, cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicARNPrefix,
		logger:      logger.Named("sns"),
	}
}

// Send publishes msg to its endpoint ARN (Token) or topic (Topic).
func (p *Publisher) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	if msg == nil {
		return "", errors.New("nil message")
	}

	body, err := buildMessage(msg)
	if err != nil {
		return "", err
	}

	input := &sns.PublishInput{
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	}
	switch {
	case msg.Token != "":
		input.TargetArn = aws.String(msg.Token)
	case msg.Topic != "":
		input.TopicArn = aws.String(p.topicARN(msg.Topic))
	default:
		return "", errors.New("message has neither endpoint nor topic")
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	return aws.ToString(result.MessageId), nil
}

// SendEachForMulticast publishes to every endpoint in msg.Tokens, one call per
// endpoint, and returns responses aligned with the input. The call itself
// fails only when no endpoint could be reached for a reason other than the
// endpoint being disabled.
func (p *Publisher) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	if msg == nil {
		return nil, errors.New("nil multicast message")
	}

	resp := &messaging.BatchResponse{
		Responses: make([]*messaging.SendResponse, len(msg.Tokens)),
	}
	var systemic error

	for i, token := range msg.Tokens {
		id, err := p.Send(ctx, &messaging.Message{
			Token:        token,
			Data:         msg.Data,
			Notification: msg.Notification,
			Android:      msg.Android,
			Webpush:      msg.Webpush,
			APNS:         msg.APNS,
			FCMOptions:   msg.FCMOptions,
		})
		if err != nil {
			resp.Responses[i] = &messaging.SendResponse{Error: err}
			resp.FailureCount++
			if !push.IsInvalidToken(err) {
				systemic = err
			}
			p.logger.Debug("endpoint publish failed", observ.Token(token), zap.Error(err))
			continue
		}
		resp.Responses[i] = &messaging.SendResponse{Success: true, MessageID: id}
		resp.SuccessCount++
	}

	if len(msg.Tokens) > 0 && resp.SuccessCount == 0 && systemic != nil {
		return nil, fmt.Errorf("no endpoint reachable: %w", systemic)
	}
	return resp, nil
}

func (p *Publisher) topicARN(topic string) string {
	if strings.HasPrefix(topic, "arn:") {
		return topic
	}
	return p.topicPrefix + topic
}

// snsMessage is the MessageStructure=json body: one entry per platform plus
// the required default.
type snsMessage struct {
	Default string `json:"default"`
	GCM     string `json:"GCM,omitempty"`
	APNS    string `json:"APNS,omitempty"`
}

type fcmV1 struct {
	Message *messaging.Message `json:"message"`
}

func buildMessage(msg *messaging.Message) (string, error) {
	out := snsMessage{}
	if msg.Notification != nil {
		out.Default = msg.Notification.Body
	}

	// Token and topic are addressed by SNS, not the platform payload.
	platform := *msg
	platform.Token = ""
	platform.Topic = ""

	gcm, err := json.Marshal(struct {
		FCMV1Message fcmV1 `json:"fcmV1Message"`
	}{fcmV1{Message: &platform}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal GCM payload: %w", err)
	}
	out.GCM = string(gcm)

	if msg.APNS != nil && msg.APNS.Payload != nil {
		apns, err := json.Marshal(msg.APNS.Payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal APNS payload: %w", err)
		}
		out.APNS = string(apns)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SNS message: %w", err)
	}
	return string(body), nil
}

// classify maps SNS errors for dead endpoints onto the push invalid-token codes.
func classify(err error) error {
	var disabled *types.EndpointDisabledException
	if errors.As(err, &disabled) {
		return &push.ProviderError{Code: push.CodeTokenNotRegistered, Message: disabled.ErrorMessage()}
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return &push.ProviderError{Code: push.CodeTokenNotRegistered, Message: notFound.ErrorMessage()}
	}
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) && strings.Contains(invalid.ErrorMessage(), "TargetArn") {
		return &push.ProviderError{Code: push.CodeInvalidToken, Message: invalid.ErrorMessage()}
	}
	return fmt.Errorf("sns publish failed: %w", err)
}
