package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
	"disputeflow/lease"
	"disputeflow/telemetry"
)

// Reclaimer is satisfied by *Orchestrator.
type Reclaimer interface {
	Reclaim(ctx context.Context, d dispute.Dispute) (Result, error)
}

type SweepConfig struct {
	// StaleAfter is how long a dispute may sit in VERIFYING before the sweep
	// assumes its run died.
	StaleAfter time.Duration
	// PendingAfter picks up filed disputes the dispatcher never ran.
	PendingAfter time.Duration
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		StaleAfter:   5 * time.Minute,
		PendingAfter: 2 * time.Minute,
		BatchSize:    100,
		Concurrency:  4,
		LeaseTTL:     2 * time.Minute,
	}
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Picked    int
	Resolved  int
	Skipped   int
	Conflicts int
	Failed    int
}

// Sweeper is the crash-recovery path: it re-drives disputes whose run
// stopped without reaching a terminal status.
type Sweeper struct {
	store     dispute.Store
	reclaimer Reclaimer
	lease     lease.Lease
	cfg       SweepConfig
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewSweeper(store dispute.Store, reclaimer Reclaimer, l lease.Lease, cfg SweepConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	defaults := DefaultSweepConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = defaults.PendingAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if l == nil {
		l = lease.NewMemoryLease()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		reclaimer: reclaimer,
		lease:     l,
		cfg:       cfg,
		logger:    logger.With("component", "sweeper"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// WithClock overrides the sweeper clock.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	now := s.now()
	verifying, err := s.store.ListStale(ctx, dispute.StaleQuery{
		Statuses: []dispute.Status{dispute.StatusVerifying},
		Before:   now.Add(-s.cfg.StaleAfter),
		Limit:    s.cfg.BatchSize,
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("workflow: sweep list verifying: %w", err)
	}
	pending, err := s.store.ListStale(ctx, dispute.StaleQuery{
		Statuses: []dispute.Status{dispute.StatusPending},
		Before:   now.Add(-s.cfg.PendingAfter),
		Limit:    s.cfg.BatchSize,
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("workflow: sweep list pending: %w", err)
	}

	candidates := append(verifying, pending...)
	var (
		mu     sync.Mutex
		report SweepReport
	)
	count := func(f func(r *SweepReport)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, d := range candidates {
		g.Go(func() error {
			release, ok, err := s.lease.Acquire(gctx, "dispute:"+d.ID, s.cfg.LeaseTTL)
			switch {
			case err != nil:
				// The transition guard still protects us; proceed without the hint.
				s.logger.Warn("lease unavailable; proceeding on transition guard", "dispute_id", d.ID, "error", err)
			case !ok:
				count(func(r *SweepReport) { r.Skipped++ })
				return nil
			default:
				defer func() { _ = release(context.WithoutCancel(gctx)) }()
			}

			count(func(r *SweepReport) { r.Picked++ })
			s.metrics.RecordSweepPick(gctx, string(d.Status))

			res, err := s.reclaimer.Reclaim(gctx, d)
			switch {
			case err == nil:
				count(func(r *SweepReport) { r.Resolved++ })
				s.logger.Info("stale dispute re-driven", "dispute_id", d.ID, "from", d.Status, "status", res.Status)
			case errors.Is(err, dispute.ErrConflict):
				count(func(r *SweepReport) { r.Conflicts++ })
			default:
				count(func(r *SweepReport) { r.Failed++ })
				s.logger.Error("stale dispute re-drive failed", "dispute_id", d.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Picked > 0 || report.Skipped > 0 {
		s.logger.Info("sweep pass finished",
			"picked", report.Picked,
			"resolved", report.Resolved,
			"skipped", report.Skipped,
			"conflicts", report.Conflicts,
			"failed", report.Failed,
		)
	}
	return report, ctx.Err()
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
