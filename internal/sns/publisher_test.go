package sns

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/push"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	errFor map[string]error // keyed by TargetArn or TopicArn
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	target := aws.ToString(in.TargetArn) + aws.ToString(in.TopicArn)
	if err := f.errFor[target]; err != nil {
		return nil, err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-" + target)}, nil
}

func testMessage() *messaging.Message {
	env := push.BuildEnvelope(push.Notification{
		Title: "Ride approved",
		Body:  "Your ride is confirmed",
		Data:  map[string]any{"type": "ride_approved", "rideId": "r-1"},
	}, push.EnvelopeConfig{TTL: time.Hour}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return env.Message("arn:aws:sns:us-east-1:1:endpoint/GCM/app/abc", "")
}

func TestSend_Endpoint(t *testing.T) {
	fake := &fakeSNS{}
	p := NewPublisher(fake, Config{}, zap.NewNop())

	id, err := p.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "msg-") {
		t.Errorf("unexpected message id %q", id)
	}

	in := fake.inputs[0]
	if aws.ToString(in.TargetArn) == "" || in.TopicArn != nil {
		t.Fatalf("expected endpoint target, got %+v", in)
	}
	if aws.ToString(in.MessageStructure) != "json" {
		t.Errorf("expected json message structure")
	}

	var body snsMessage
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &body); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if body.Default != "Your ride is confirmed" {
		t.Errorf("unexpected default %q", body.Default)
	}
	if !strings.Contains(body.GCM, `"fcmV1Message"`) || !strings.Contains(body.GCM, `"rideId":"r-1"`) {
		t.Errorf("unexpected GCM payload %s", body.GCM)
	}
	if strings.Contains(body.GCM, "endpoint/GCM") {
		t.Error("GCM payload must not carry the endpoint ARN")
	}
	if !strings.Contains(body.APNS, `"aps"`) {
		t.Errorf("unexpected APNS payload %s", body.APNS)
	}
}

func TestSend_Topic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"drivers", "arn:aws:sns:us-east-1:1:drivers"},
		{"arn:aws:sns:eu-west-1:2:riders", "arn:aws:sns:eu-west-1:2:riders"},
	}

	for _, tt := range tests {
		fake := &fakeSNS{}
		p := NewPublisher(fake, Config{TopicARNPrefix: "arn:aws:sns:us-east-1:1:"}, zap.NewNop())

		if _, err := p.Send(context.Background(), &messaging.Message{Topic: tt.topic}); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.topic, err)
		}
		if got := aws.ToString(fake.inputs[0].TopicArn); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.topic, tt.want, got)
		}
	}
}

func TestSend_NoTarget(t *testing.T) {
	p := NewPublisher(&fakeSNS{}, Config{}, zap.NewNop())
	if _, err := p.Send(context.Background(), &messaging.Message{}); err == nil {
		t.Fatal("expected error for message without target")
	}
}

func TestSend_ClassifiesEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		invalid bool
	}{
		{"disabled", &types.EndpointDisabledException{Message: aws.String("Endpoint is disabled")}, true},
		{"not_found", &types.NotFoundException{Message: aws.String("No endpoint found")}, true},
		{"bad_arn", &types.InvalidParameterException{Message: aws.String("Invalid parameter: TargetArn")}, true},
		{"throttled", &types.ThrottledException{Message: aws.String("slow down")}, false},
		{"network", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			fake := &fakeSNS{errFor: map[string]error{msg.Token: tt.err}}
			p := NewPublisher(fake, Config{}, zap.NewNop())

			_, err := p.Send(context.Background(), msg)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := push.IsInvalidToken(err); got != tt.invalid {
				t.Errorf("IsInvalidToken = %v, want %v (%v)", got, tt.invalid, err)
			}
		})
	}
}

func TestSendEachForMulticast_AlignedResponses(t *testing.T) {
	fake := &fakeSNS{errFor: map[string]error{
		"ep-2": &types.EndpointDisabledException{Message: aws.String("disabled")},
	}}
	p := NewPublisher(fake, Config{}, zap.NewNop())

	resp, err := p.SendEachForMulticast(context.Background(), &messaging.MulticastMessage{
		Tokens:       []string{"ep-1", "ep-2", "ep-3"},
		Notification: &messaging.Notification{Title: "t", Body: "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SuccessCount != 2 || resp.FailureCount != 1 {
		t.Fatalf("expected 2/1, got %d/%d", resp.SuccessCount, resp.FailureCount)
	}
	if !resp.Responses[0].Success || resp.Responses[1].Success || !resp.Responses[2].Success {
		t.Fatalf("responses not aligned with input: %+v", resp.Responses)
	}
	if !push.IsInvalidToken(resp.Responses[1].Error) {
		t.Errorf("expected invalid token error, got %v", resp.Responses[1].Error)
	}
	if len(fake.inputs) != 3 {
		t.Errorf("expected one publish per endpoint, got %d", len(fake.inputs))
	}
}

func TestSendEachForMulticast_SystemicFailure(t *testing.T) {
	down := errors.New("no route to host")
	fake := &fakeSNS{errFor: map[string]error{"ep-1": down, "ep-2": down}}
	p := NewPublisher(fake, Config{}, zap.NewNop())

	_, err := p.SendEachForMulticast(context.Background(), &messaging.MulticastMessage{Tokens: []string{"ep-1", "ep-2"}})
	if !errors.Is(err, down) {
		t.Fatalf("expected batch error wrapping %v, got %v", down, err)
	}
}

func TestSendEachForMulticast_AllDisabledIsNotSystemic(t *testing.T) {
	disabled := &types.EndpointDisabledException{Message: aws.String("disabled")}
	fake := &fakeSNS{errFor: map[string]error{"ep-1": disabled}}
	p := NewPublisher(fake, Config{}, zap.NewNop())

	resp, err := p.SendEachForMulticast(context.Background(), &messaging.MulticastMessage{Tokens: []string{"ep-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %d", resp.FailureCount)
	}
}
