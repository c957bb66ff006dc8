package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records workflow counters. A nil *Metrics discards everything, so
// components can take it as an optional dependency.
type Metrics struct {
	verifications       metric.Int64Counter
	verificationLatency metric.Float64Histogram
	decisions           metric.Int64Counter
	refunds             metric.Int64Counter
	conflicts           metric.Int64Counter
	sweepPicked         metric.Int64Counter
	outboxPublished     metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.verifications, err = meter.Int64Counter("dispute_verifications_total",
		metric.WithDescription("Bank oracle verification calls by party and outcome")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_verifications_total: %w", err)
	}
	if m.verificationLatency, err = meter.Float64Histogram("dispute_verification_duration_seconds",
		metric.WithDescription("Wall time of one verification including retries"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_verification_duration_seconds: %w", err)
	}
	if m.decisions, err = meter.Int64Counter("dispute_decisions_total",
		metric.WithDescription("Policy decisions by outcome and risk tier")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_decisions_total: %w", err)
	}
	if m.refunds, err = meter.Int64Counter("dispute_refunds_total",
		metric.WithDescription("Refund initiations by result")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_refunds_total: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("dispute_transition_conflicts_total",
		metric.WithDescription("Runs aborted because another run won the transition")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_transition_conflicts_total: %w", err)
	}
	if m.sweepPicked, err = meter.Int64Counter("dispute_sweep_picked_total",
		metric.WithDescription("Stale disputes re-driven by the reconciliation sweep")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_sweep_picked_total: %w", err)
	}
	if m.outboxPublished, err = meter.Int64Counter("dispute_outbox_published_total",
		metric.WithDescription("Outbox messages handed to the publisher by result")); err != nil {
		return nil, fmt.Errorf("telemetry: dispute_outbox_published_total: %w", err)
	}
	return m, nil
}

func (m *Metrics) RecordVerification(ctx context.Context, party, code string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("party", party), attribute.String("code", code))
	m.verifications.Add(ctx, 1, attrs)
	m.verificationLatency.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) RecordDecision(ctx context.Context, outcome, tier string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("tier", tier)))
}

func (m *Metrics) RecordRefund(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordConflict(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordSweepPick(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sweepPicked.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordOutbox(ctx context.Context, topic, result string) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic), attribute.String("result", result)))
}
