package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// TopicOperatorAlert carries incidents that need a human.
const TopicOperatorAlert = "dispute.operator_alert"

type Alert struct {
	DisputeID string    `json:"disputeId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// Alerter pages operators. An alert is always logged at error level, even
// when publishing fails.
type Alerter struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewAlerter(publisher Publisher, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{publisher: publisher, logger: logger.With("component", "alerter")}
}

func (a *Alerter) Alert(ctx context.Context, alert Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	a.logger.Error("operator alert",
		"dispute_id", alert.DisputeID,
		"kind", alert.Kind,
		"detail", alert.Detail,
	)
	if a.publisher == nil {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("notify: encode alert: %w", err)
	}
	return a.publisher.Publish(ctx, TopicOperatorAlert, body, map[string]string{"kind": alert.Kind})
}
