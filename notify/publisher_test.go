package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"disputeflow/retry"
)

type mockSNSClient struct {
	publishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, params)
	}
	return &sns.PublishOutput{MessageId: aws.String("test-message-id")}, nil
}

const testTopicARN = "arn:aws:sns:ap-south-1:123456789:dispute-status"

func testSNSConfig() SNSConfig {
	return SNSConfig{
		TopicARNs: map[string]string{"dispute.status_changed": testTopicARN},
		Retry:     retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

func TestNewSNSPublisher_RequiresClientAndTopics(t *testing.T) {
	if _, err := NewSNSPublisher(nil, testSNSConfig(), nil); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewSNSPublisher(&mockSNSClient{}, SNSConfig{}, nil); err == nil {
		t.Error("expected error for missing topics")
	}
}

func TestSNSPublisher_PublishesWithAttributes(t *testing.T) {
	client := &mockSNSClient{}
	pub, err := NewSNSPublisher(client, testSNSConfig(), nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	if err := pub.Publish(context.Background(), "dispute.status_changed", []byte(`{"next":"REJECTED"}`), map[string]string{"status": "REJECTED"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(client.calls))
	}
	in := client.calls[0]
	if aws.ToString(in.TopicArn) != testTopicARN {
		t.Errorf("unexpected topic arn %s", aws.ToString(in.TopicArn))
	}
	if aws.ToString(in.MessageAttributes["status"].StringValue) != "REJECTED" {
		t.Errorf("missing status attribute: %+v", in.MessageAttributes)
	}
}

func TestSNSPublisher_UnknownTopic(t *testing.T) {
	pub, _ := NewSNSPublisher(&mockSNSClient{}, testSNSConfig(), nil)
	err := pub.Publish(context.Background(), "nope", []byte(`{}`), nil)
	if !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestSNSPublisher_RetriesThrottling(t *testing.T) {
	attempts := 0
	client := &mockSNSClient{publishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, &types.ThrottledException{Message: aws.String("slow down")}
		}
		return &sns.PublishOutput{}, nil
	}}
	pub, _ := NewSNSPublisher(client, testSNSConfig(), nil)

	if err := pub.Publish(context.Background(), "dispute.status_changed", []byte(`{}`), nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSNSPublisher_DoesNotRetryInvalidParameter(t *testing.T) {
	client := &mockSNSClient{publishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		return nil, &types.InvalidParameterException{Message: aws.String("bad")}
	}}
	pub, _ := NewSNSPublisher(client, testSNSConfig(), nil)

	if err := pub.Publish(context.Background(), "dispute.status_changed", []byte(`{}`), nil); err == nil {
		t.Fatal("expected error")
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(client.calls))
	}
}

func TestAlerter_PublishesToAlertTopic(t *testing.T) {
	pub := NewLogPublisher(nil)
	alerter := NewAlerter(pub, nil)

	if err := alerter.Alert(context.Background(), Alert{DisputeID: "d-1", Kind: "reference_mismatch", Detail: "NEFT1 vs NEFT2"}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	sent := pub.Sent()
	if len(sent) != 1 || sent[0].Topic != TopicOperatorAlert {
		t.Fatalf("unexpected messages: %+v", sent)
	}
	var got Alert
	if err := json.Unmarshal(sent[0].Body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DisputeID != "d-1" || got.RaisedAt.IsZero() {
		t.Fatalf("unexpected alert %+v", got)
	}
}
