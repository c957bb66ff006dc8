package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"disputeflow/notify"
	"disputeflow/telemetry"
)

// Config tunes the relay loop.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		BatchSize:   50,
		MaxAttempts: 10,
	}
}

// Relay drains the outbox into a notify.Publisher.
type Relay struct {
	store     Store
	publisher notify.Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

func NewRelay(store Store, publisher notify.Publisher, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "outbox-relay"),
		metrics:   metrics,
	}
}

// RelayOnce publishes one batch.
func (r *Relay) RelayOnce(ctx context.Context) (Report, error) {
	report, err := r.store.Process(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts, r.publish)
	if err != nil {
		return report, err
	}
	if report.Claimed > 0 {
		r.logger.Debug("outbox batch relayed",
			"claimed", report.Claimed,
			"processed", report.Processed,
			"retried", report.Retried,
			"dead", report.Dead)
	}
	if report.Dead > 0 {
		r.logger.Warn("outbox messages exhausted their attempts", "dead", report.Dead)
	}
	return report, nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		report, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox pass failed", "error", err)
		}
		if err == nil && report.Claimed == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type envelope struct {
	DisputeID string `json:"dispute_id"`
	Next      string `json:"next"`
}

func (r *Relay) publish(ctx context.Context, m Message) error {
	attrs := map[string]string{"outbox_id": fmt.Sprintf("%d", m.ID)}
	var env envelope
	if err := json.Unmarshal(m.Payload, &env); err == nil {
		if env.DisputeID != "" {
			attrs["dispute_id"] = env.DisputeID
		}
		if env.Next != "" {
			attrs["status"] = env.Next
		}
	}

	err := r.publisher.Publish(ctx, m.Topic, m.Payload, attrs)
	switch {
	case err == nil:
		r.metrics.RecordOutbox(ctx, m.Topic, "published")
		return nil
	case errors.Is(err, notify.ErrUnknownTopic):
		r.metrics.RecordOutbox(ctx, m.Topic, "unroutable")
	default:
		r.metrics.RecordOutbox(ctx, m.Topic, "failed")
	}
	r.logger.Warn("outbox publish failed", "outbox_id", m.ID, "topic", m.Topic, "attempt", m.Attempts+1, "error", err)
	return err
}
