package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"disputeflow/auth"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/lease"
	"disputeflow/migrations"
	"disputeflow/notify"
	"disputeflow/outbox"
	"disputeflow/refund"
	"disputeflow/retry"
	"disputeflow/risk"
	"disputeflow/telemetry"
	"disputeflow/verification"
	"disputeflow/workflow"
)

const serviceName = "disputed"

// app holds every wired component. close releases them in reverse order.
type app struct {
	cfg          config.Config
	logger       *slog.Logger
	pool         *pgxpool.Pool
	metrics      *telemetry.Metrics
	disputes     *dispute.Service
	store        dispute.Store
	auth         *auth.Service
	orchestrator *workflow.Orchestrator
	dispatcher   *workflow.Dispatcher
	sweeper      *workflow.Sweeper
	relay        *outbox.Relay
	closers      []func(context.Context) error
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", serviceName)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownMetrics)
	if a.metrics, err = telemetry.NewMetrics(serviceName); err != nil {
		return nil, err
	}

	var (
		userRepo  auth.Repository
		ledger    refund.Ledger
		outboxSrc outbox.Store
	)
	switch cfg.Store {
	case config.StorePostgres:
		if a.pool, err = db.NewPool(ctx, cfg.DB.URL, cfg.DB.MaxConns); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { a.pool.Close(); return nil })
		a.store = dispute.NewPGStore(a.pool)
		userRepo = auth.NewRepository(a.pool)
		ledger = refund.NewPGLedger(a.pool)
		outboxSrc = outbox.NewPGStore(a.pool).WithClaimTTL(cfg.Outbox.ClaimTTL)
	default:
		mem := outbox.NewMemoryStore()
		a.store = dispute.NewMemoryStore().WithOutboxSink(mem.Enqueue)
		userRepo = auth.NewMemoryRepository()
		ledger = refund.NewMemoryLedger()
		outboxSrc = mem
		logger.Warn("running with in-memory storage; state is lost on exit")
	}

	a.disputes = dispute.NewService(a.store)
	a.auth = auth.NewService(userRepo, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL)

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	verifierRetry := retry.DefaultConfig()
	verifierRetry.MaxRetries = cfg.Verification.MaxRetries
	verifier := verification.NewClient(verification.Config{
		CustomerURL: cfg.Verification.CustomerURL,
		MerchantURL: cfg.Verification.MerchantURL,
		APIKey:      cfg.Verification.APIKey,
		Timeout:     cfg.Verification.Timeout,
		Retry:       verifierRetry,
		MaxInFlight: cfg.Verification.MaxInFlight,
		RateLimit:   rate.Limit(cfg.Verification.RateLimit),
		RateBurst:   cfg.Verification.RateBurst,
	}, &http.Client{}, logger, a.metrics)

	riskCfg := risk.DefaultConfig()
	riskCfg.MediumThreshold = cfg.Risk.MediumThreshold
	riskCfg.HighThreshold = cfg.Risk.HighThreshold
	riskCfg.HighValue = cfg.Risk.HighValueMinor
	riskCfg.ElevatedValue = cfg.Risk.ElevatedValueMinor
	if err := riskCfg.Validate(); err != nil {
		return nil, err
	}

	var rail refund.Rail
	switch cfg.Refund.Rail {
	case config.RailHTTP:
		rail = refund.NewHTTPRail(refund.HTTPRailConfig{
			URL:     cfg.Refund.URL,
			APIKey:  cfg.Refund.APIKey,
			Timeout: cfg.Refund.Timeout,
		}, &http.Client{})
	default:
		rail = refund.NewSimulatedRail()
	}
	refundRetry := retry.DefaultConfig()
	refundRetry.MaxRetries = cfg.Refund.MaxRetries
	initiator := refund.NewInitiator(ledger, rail, refundRetry, logger, a.metrics)

	a.orchestrator = workflow.NewOrchestrator(
		a.store,
		verifier,
		risk.NewScorer(riskCfg),
		initiator,
		notify.NewAlerter(publisher, logger),
		workflow.Config{
			VerifyTimeout:   cfg.Workflow.VerifyTimeout,
			TerminalTimeout: cfg.Workflow.TerminalTimeout,
			MaxAttempts:     cfg.Workflow.MaxAttempts,
		},
		logger,
		a.metrics,
	)
	a.dispatcher = workflow.NewDispatcher(a.orchestrator, cfg.Workflow.Workers, cfg.Workflow.QueueSize, logger)

	sweepLease, err := buildLease(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, isCloser := sweepLease.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, func(context.Context) error { return closer.Close() })
	}
	a.sweeper = workflow.NewSweeper(a.store, a.orchestrator, sweepLease, workflow.SweepConfig{
		StaleAfter:   cfg.Sweep.StaleAfter,
		PendingAfter: cfg.Sweep.PendingAfter,
		BatchSize:    cfg.Sweep.BatchSize,
		Concurrency:  cfg.Sweep.Concurrency,
		LeaseTTL:     cfg.Sweep.LeaseTTL,
	}, logger, a.metrics)

	a.relay = outbox.NewRelay(outboxSrc, publisher, outbox.Config{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, logger, a.metrics)

	ok = true
	return a, nil
}

// buildPublisher selects SNS when any topic ARN is configured and logs
// messages otherwise.
func buildPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (notify.Publisher, error) {
	arns := map[string]string{}
	if cfg.AWS.FiledTopicARN != "" {
		arns[dispute.TopicDisputeFiled] = cfg.AWS.FiledTopicARN
	}
	if cfg.AWS.StatusTopicARN != "" {
		arns[dispute.TopicStatusChanged] = cfg.AWS.StatusTopicARN
	}
	if cfg.AWS.AlertTopicARN != "" {
		arns[notify.TopicOperatorAlert] = cfg.AWS.AlertTopicARN
	}
	if len(arns) == 0 {
		return notify.NewLogPublisher(logger), nil
	}

	client, err := notify.NewSNSClient(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
	if err != nil {
		return nil, err
	}
	return notify.NewSNSPublisher(client, notify.SNSConfig{
		Region:    cfg.AWS.Region,
		Endpoint:  cfg.AWS.Endpoint,
		TopicARNs: arns,
		Retry:     retry.DefaultConfig(),
	}, logger)
}

// buildLease uses Redis when an address is configured. An unreachable Redis
// falls back to process-local leases; transition guards still hold.
func buildLease(ctx context.Context, cfg config.Config, logger *slog.Logger) (lease.Lease, error) {
	if cfg.Redis.Addr == "" {
		return lease.NewMemoryLease(), nil
	}
	rl, err := lease.NewRedisLease(lease.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rl.Ping(pctx); err != nil {
		logger.Warn("redis unreachable; using in-process sweep leases", "addr", cfg.Redis.Addr, "error", err)
		_ = rl.Close()
		return lease.NewMemoryLease(), nil
	}
	return rl, nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown", "error", err)
	}
}

// migrate applies the embedded schema. It is a no-op for in-memory storage.
func (a *app) migrate(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := migrations.Apply(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
