package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
	"disputeflow/lease"
	"disputeflow/notify"
	"disputeflow/outbox"
	"disputeflow/refund"
	"disputeflow/retry"
	"disputeflow/risk"
	"disputeflow/test/actors"
	"disputeflow/test/chaos"
	"disputeflow/test/infra"
	"disputeflow/test/oracles"
	"disputeflow/workflow"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent runners")
	flReplicas    = flag.Int("replicas", 3, "number of simulated service replicas")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestDisputeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC        = &infra.Container{}
		redisC     = &infra.Container{}
		redisAddr  string
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn, usedShared = *flDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, usedShared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	if dockerAvailable(ctx) {
		if redisC, redisAddr, err = infra.StartRedis(ctx); err != nil {
			t.Logf("redis unavailable, sweeps share an in-process lease: %v", err)
			redisC = &infra.Container{}
		}
	}
	defer redisC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := dispute.NewPGStore(pool)
	svc := dispute.NewService(store)
	ledger := &actors.Ledger{}
	var sharedLease lease.Lease = lease.NewMemoryLease()
	if redisAddr != "" {
		rl, err := lease.NewRedisLease(lease.RedisConfig{Addr: redisAddr, KeyPrefix: "stress"}, logger)
		if err != nil {
			t.Fatalf("redis lease: %v", err)
		}
		defer rl.Close()
		sharedLease = rl
	}
	publisher := notify.NewLogPublisher(logger)

	// Each replica gets its own initiator, as separate processes would; only
	// the refund ledger is shared.
	replicas := make([]*workflow.Orchestrator, 0, *flReplicas)
	sweepers := make([]*workflow.Sweeper, 0, *flReplicas)
	for i := 0; i < *flReplicas; i++ {
		initiator := refund.NewInitiator(refund.NewPGLedger(pool), refund.NewSimulatedRail(),
			retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, logger, nil)
		o := workflow.NewOrchestrator(store, actors.BankOracle{}, risk.NewScorer(risk.DefaultConfig()), initiator,
			notify.NewAlerter(publisher, logger),
			workflow.Config{VerifyTimeout: 200 * time.Millisecond, TerminalTimeout: 2 * time.Second, MaxAttempts: 8},
			logger, nil)
		replicas = append(replicas, o)
		sweepers = append(sweepers, workflow.NewSweeper(store, o, sharedLease, workflow.SweepConfig{
			StaleAfter:   150 * time.Millisecond,
			PendingAfter: 100 * time.Millisecond,
			BatchSize:    20,
			Concurrency:  4,
			LeaseTTL:     time.Second,
		}, logger, nil))
	}
	relay := outbox.NewRelay(outbox.NewPGStore(pool), publisher, outbox.Config{BatchSize: 25, MaxAttempts: 5}, logger, nil)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Filer(ctx2, svc, ledger, stop) })
	g.Go(func() error { return actors.Filer(ctx2, svc, ledger, stop) })
	for i := 0; i < *flConcurrency; i++ {
		o := replicas[i%len(replicas)]
		g.Go(func() error { return actors.Runner(ctx2, o, ledger, stop) })
	}
	for i, s := range sweepers {
		g.Go(func() error { return actors.Sweeper(ctx2, s, stop) })
		o := replicas[i]
		g.Go(func() error { return actors.Redriver(ctx2, pool, o, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)
	go chaos.AgeVerifying(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// A chaos-killed backend can take the oracle query with it.
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s", name, row)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after shutdown. First row: %s", name, row)
	}
	t.Logf("filed %d disputes", ledger.Len())
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, status, version, verification_attempts, neft_reference, status_changed_at FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"dispute_events", `SELECT dispute_id, seq, type, from_status, to_status, actor_id, created_at FROM dispute_events ORDER BY id DESC LIMIT 50`},
		{"refund_instructions", `SELECT dispute_id, reference, amount_minor, created_at FROM refund_instructions ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
