// Package refund issues the compensating transfer for an approved dispute,
// at most once per dispute.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"disputeflow/retry"
	"disputeflow/telemetry"
)

// Initiator is idempotent on dispute id: the ledger is consulted before the
// rail, and concurrent calls in one process share a single rail call.
type Initiator struct {
	ledger  Ledger
	rail    Rail
	retry   retry.Config
	group   singleflight.Group
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewInitiator(ledger Ledger, rail Rail, cfg retry.Config, logger *slog.Logger, metrics *telemetry.Metrics) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		ledger:  ledger,
		rail:    rail,
		retry:   cfg,
		logger:  logger.With("component", "refund-initiator"),
		metrics: metrics,
	}
}

// InitiateRefund returns the NEFT reference for disputeID, issuing the
// transfer only if none is recorded yet.
func (i *Initiator) InitiateRefund(ctx context.Context, disputeID string, amount int64, destination string) (string, error) {
	if disputeID == "" || amount <= 0 || destination == "" {
		return "", fmt.Errorf("%w: dispute=%q amount=%d destination=%q", ErrInvalidRequest, disputeID, amount, destination)
	}

	v, err, _ := i.group.Do(disputeID, func() (any, error) {
		return i.initiate(ctx, disputeID, amount, destination)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Recorded reports the reference already on the ledger for disputeID.
func (i *Initiator) Recorded(ctx context.Context, disputeID string) (string, bool, error) {
	ins, err := i.ledger.Lookup(ctx, disputeID)
	switch {
	case err == nil:
		return ins.Reference, true, nil
	case errors.Is(err, ErrNotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("refund: lookup %s: %w", disputeID, err)
	}
}

func (i *Initiator) initiate(ctx context.Context, disputeID string, amount int64, destination string) (string, error) {
	existing, err := i.ledger.Lookup(ctx, disputeID)
	switch {
	case err == nil:
		if existing.Amount != amount {
			i.metrics.RecordRefund(ctx, "mismatch")
			return "", fmt.Errorf("%w: dispute %s recorded amount %d, requested %d", ErrReferenceMismatch, disputeID, existing.Amount, amount)
		}
		i.metrics.RecordRefund(ctx, "replayed")
		i.logger.Info("refund already recorded", "dispute_id", disputeID, "reference", existing.Reference)
		return existing.Reference, nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("refund: lookup %s: %w", disputeID, err)
	}

	attempts := 0
	req := TransferRequest{DisputeID: disputeID, Amount: amount, Destination: destination}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		i.logger.Warn("refund rail call failed, retrying",
			"dispute_id", disputeID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	}
	reference, err := retry.Do(ctx, i.retry, IsRetryable, onRetry, func(ctx context.Context) (string, error) {
		attempts++
		return i.rail.Transfer(ctx, req)
	})
	switch {
	case err == nil:
	case errors.Is(err, retry.ErrExhausted):
		i.metrics.RecordRefund(ctx, "exhausted")
		return "", fmt.Errorf("%w: dispute %s after %d attempts: %w", ErrRailExhausted, disputeID, attempts, err)
	default:
		// Rejected or cut short: whether money moved is unknown, so the
		// caller must not treat this as a settled failure.
		i.metrics.RecordRefund(ctx, "failed")
		return "", fmt.Errorf("refund: transfer %s: %w", disputeID, err)
	}

	stored, err := i.ledger.Record(ctx, Instruction{
		DisputeID:   disputeID,
		Reference:   reference,
		Amount:      amount,
		Destination: destination,
		Attempts:    attempts,
	})
	if err != nil {
		if errors.Is(err, ErrReferenceMismatch) {
			i.metrics.RecordRefund(ctx, "mismatch")
			i.logger.Error("refund reference mismatch", "dispute_id", disputeID, "reference", reference, "error", err)
			return "", err
		}
		return "", fmt.Errorf("refund: record %s: %w", disputeID, err)
	}

	i.metrics.RecordRefund(ctx, "issued")
	i.logger.Info("refund issued", "dispute_id", disputeID, "reference", stored.Reference, "attempts", attempts)
	return stored.Reference, nil
}
