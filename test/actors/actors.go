package actors

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
	"disputeflow/outbox"
	"disputeflow/verification"
	"disputeflow/workflow"
)

// Ledger is the set of dispute ids filed so far, shared by all actors.
type Ledger struct {
	mu  sync.Mutex
	ids []string
}

func (l *Ledger) add(id string) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

// Pick returns a random filed id, or "" when nothing was filed yet.
func (l *Ledger) Pick() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ids) == 0 {
		return ""
	}
	return l.ids[rand.Intn(len(l.ids))]
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// BankOracle answers verification calls deterministically per transaction so
// that every run of the same dispute sees the same evidence, with jittered
// latency and occasional timeouts to force reclaims.
type BankOracle struct{}

func (BankOracle) Verify(ctx context.Context, req verification.Request) verification.Result {
	select {
	case <-ctx.Done():
		return verification.Result{Party: req.Party, ErrorCode: verification.CodeCancelled}
	case <-time.After(time.Duration(5+rand.Intn(40)) * time.Millisecond):
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.TransactionID))
	bucket := h.Sum32() % 10

	amount := req.Amount
	switch {
	case rand.Intn(20) == 0:
		return verification.Result{Party: req.Party, ErrorCode: verification.CodeTimeout, Attempts: 3}
	case req.Party == verification.PartyCustomer && bucket < 2:
		return verification.Result{Party: req.Party, Verified: true, Confirmed: false, Attempts: 1}
	case req.Party == verification.PartyCustomer:
		return verification.Result{Party: req.Party, Verified: true, Confirmed: true, AmountConfirmed: &amount, Attempts: 1}
	case bucket == 9:
		return verification.Result{Party: req.Party, Verified: true, Confirmed: true, AmountConfirmed: &amount, Attempts: 1}
	default:
		return verification.Result{Party: req.Party, Verified: true, Confirmed: false, Attempts: 1}
	}
}

// Filer files new disputes through the intake service.
func Filer(ctx context.Context, svc *dispute.Service, ledger *Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		d, err := svc.File(ctx, dispute.IntakeRequest{
			TransactionID: fmt.Sprintf("STRESS%d", rand.Int63()),
			MerchantUPI:   "stress-shop@upi",
			Amount:        dispute.MinAmount + rand.Int63n(700_000),
			CustomerPhone: fmt.Sprintf("+9198%08d", rand.Intn(100_000_000)),
			Reason:        "stress",
		})
		if err == nil {
			ledger.add(d.ID)
		} else if !errors.Is(err, dispute.ErrDuplicateTransaction) && ctx.Err() == nil {
			// Chaos kills backends; a failed insert is expected now and then.
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Runner races orchestrator runs on random disputes, including ones another
// runner already owns.
func Runner(ctx context.Context, o *workflow.Orchestrator, ledger *Ledger, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := ledger.Pick(); id != "" {
			// Runs are cut short at random to leave disputes in VERIFYING.
			rctx, cancel := context.WithTimeout(ctx, time.Duration(10+rand.Intn(120))*time.Millisecond)
			_, _ = o.Run(rctx, id)
			cancel()
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Redriver plays an operator sending MANUAL_REVIEW disputes back.
func Redriver(ctx context.Context, pool *pgxpool.Pool, o *workflow.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := pool.QueryRow(ctx, `SELECT id::text FROM disputes WHERE status = 'MANUAL_REVIEW' ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			_, _ = o.Redrive(ctx, id, "stress-operator")
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Sweeper runs reconciliation passes with an aggressive staleness cut-off so
// sweeps contend with live runs.
func Sweeper(ctx context.Context, s *workflow.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = s.SweepOnce(ctx)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker relays outbox rows; several may run at once over SKIP LOCKED.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = relay.RelayOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
