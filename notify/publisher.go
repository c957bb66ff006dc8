// Package notify hands dispute events and operator alerts to the outside
// world. SNS is the production transport; LogPublisher serves local runs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"disputeflow/retry"
)

// Publisher delivers one message to a logical topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte, attrs map[string]string) error
}

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var ErrUnknownTopic = errors.New("notify: no topic ARN configured")

type SNSConfig struct {
	Region   string
	Endpoint string
	// TopicARNs maps logical topics to SNS topic ARNs.
	TopicARNs map[string]string
	Retry     retry.Config
}

// NewSNSClient loads the default AWS credential chain. A non-empty endpoint
// points the client at localstack.
func NewSNSClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type SNSPublisher struct {
	client SNSAPI
	cfg    SNSConfig
	logger *slog.Logger
}

func NewSNSPublisher(client SNSAPI, cfg SNSConfig, logger *slog.Logger) (*SNSPublisher, error) {
	if client == nil {
		return nil, errors.New("notify: sns client is required")
	}
	if len(cfg.TopicARNs) == 0 {
		return nil, errors.New("notify: at least one topic ARN is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SNSPublisher{client: client, cfg: cfg, logger: logger.With("component", "sns-publisher")}, nil
}

func (p *SNSPublisher) Publish(ctx context.Context, topic string, message []byte, attrs map[string]string) error {
	arn := p.cfg.TopicARNs[topic]
	if arn == "" {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	attributes := map[string]types.MessageAttributeValue{
		"topic": {DataType: aws.String("String"), StringValue: aws.String(topic)},
	}
	for k, v := range attrs {
		attributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	input := &sns.PublishInput{
		TopicArn:          aws.String(arn),
		Message:           aws.String(string(message)),
		MessageAttributes: attributes,
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn("sns publish failed, retrying", "topic", topic, "attempt", attempt, "backoff", backoff, "error", err)
	}
	_, err := retry.Do(ctx, p.cfg.Retry, isRetryableError, onRetry, func(ctx context.Context) (*sns.PublishOutput, error) {
		return p.client.Publish(ctx, input)
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return false
	}
	var authz *types.AuthorizationErrorException
	return !errors.As(err, &authz)
}

// LogPublisher writes messages to the log and keeps them for inspection.
type LogPublisher struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []Message
}

// Message is one published message.
type Message struct {
	Topic  string
	Body   []byte
	Attrs  map[string]string
	SentAt time.Time
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "log-publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, message []byte, attrs map[string]string) error {
	p.mu.Lock()
	p.sent = append(p.sent, Message{Topic: topic, Body: message, Attrs: attrs, SentAt: time.Now().UTC()})
	p.mu.Unlock()
	p.logger.Info("event published", "topic", topic, "message", string(message))
	return nil
}

// Sent returns a copy of everything published so far.
func (p *LogPublisher) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}
