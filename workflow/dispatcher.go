package workflow

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
)

// Runner is satisfied by *Orchestrator.
type Runner interface {
	Run(ctx context.Context, disputeID string) (Result, error)
}

// Dispatcher runs filed disputes on a fixed pool of workers. Submissions that
// do not fit the queue are left PENDING for the sweep.
type Dispatcher struct {
	runner  Runner
	queue   chan string
	workers int
	logger  *slog.Logger
}

func NewDispatcher(runner Runner, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  runner,
		queue:   make(chan string, queueSize),
		workers: workers,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Submit enqueues disputeID without blocking and reports whether it fit.
func (d *Dispatcher) Submit(disputeID string) bool {
	select {
	case d.queue <- disputeID:
		return true
	default:
		d.logger.Warn("dispatch queue full; dispute left for the sweep", "dispute_id", disputeID)
		return false
	}
}

// Run processes submissions until ctx ends. In-flight runs see the same
// cancellation; any that stop before their terminal step stay VERIFYING.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					d.handle(gctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, id string) {
	res, err := d.runner.Run(ctx, id)
	switch {
	case err == nil:
		d.logger.Debug("dispute processed", "dispute_id", id, "status", res.Status)
	case errors.Is(err, dispute.ErrConflict), errors.Is(err, ErrInProgress):
		d.logger.Info("dispute owned by another run", "dispute_id", id, "error", err)
	case errors.Is(err, ErrInterrupted):
		d.logger.Warn("dispute run interrupted", "dispute_id", id, "error", err)
	default:
		d.logger.Error("dispute run failed", "dispute_id", id, "error", err)
	}
}
