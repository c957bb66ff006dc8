// Package workflow drives a dispute from PENDING to a resolution: claim,
// verify both banks, score, decide, then refund or close.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"disputeflow/dispute"
	"disputeflow/notify"
	"disputeflow/policy"
	"disputeflow/refund"
	"disputeflow/risk"
	"disputeflow/telemetry"
	"disputeflow/verification"
)

var (
	// ErrInProgress means another run holds the dispute in VERIFYING.
	ErrInProgress = errors.New("workflow: verification already in progress")
	// ErrNeedsOperator means the dispute waits in MANUAL_REVIEW.
	ErrNeedsOperator = errors.New("workflow: dispute requires operator re-drive")
	// ErrInvariantViolation halts the dispute and pages an operator.
	ErrInvariantViolation = errors.New("workflow: invariant violation")
	// ErrInterrupted means the run stopped before its terminal step; the
	// dispute stays VERIFYING for the sweep.
	ErrInterrupted = errors.New("workflow: run interrupted before terminal step")
)

// Scorer is satisfied by *risk.Scorer.
type Scorer interface {
	Score(d dispute.Dispute, results []verification.Result) risk.Assessment
}

// Refunder is satisfied by *refund.Initiator.
type Refunder interface {
	InitiateRefund(ctx context.Context, disputeID string, amount int64, destination string) (string, error)
	Recorded(ctx context.Context, disputeID string) (reference string, found bool, err error)
}

// Alerter is satisfied by *notify.Alerter.
type Alerter interface {
	Alert(ctx context.Context, alert notify.Alert) error
}

type Config struct {
	// VerifyTimeout bounds the whole verification phase of one run.
	VerifyTimeout time.Duration
	// TerminalTimeout bounds refund plus final transition. That step ignores
	// caller cancellation.
	TerminalTimeout time.Duration
	MaxAttempts     int
}

func DefaultConfig() Config {
	return Config{
		VerifyTimeout:   30 * time.Second,
		TerminalTimeout: 45 * time.Second,
		MaxAttempts:     dispute.MaxVerificationAttempts,
	}
}

// Result summarises one run.
type Result struct {
	DisputeID     string
	Status        dispute.Status
	Decision      *policy.Decision
	Assessment    *risk.Assessment
	NEFTReference string
}

type Orchestrator struct {
	store    dispute.Store
	verifier verification.Verifier
	scorer   Scorer
	refunds  Refunder
	alerter  Alerter
	cfg      Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

func NewOrchestrator(store dispute.Store, verifier verification.Verifier, scorer Scorer, refunds Refunder, alerter Alerter, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaults.VerifyTimeout
	}
	if cfg.TerminalTimeout <= 0 {
		cfg.TerminalTimeout = defaults.TerminalTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		verifier: verifier,
		scorer:   scorer,
		refunds:  refunds,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		metrics:  metrics,
	}
}

// Run drives a freshly filed dispute. Terminal disputes are reported as-is.
func (o *Orchestrator) Run(ctx context.Context, disputeID string) (Result, error) {
	d, err := o.store.Get(ctx, disputeID)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: load %s: %w", disputeID, err)
	}

	switch d.Status {
	case dispute.StatusPending:
		return o.claimAndDrive(ctx, d, dispute.TransitionParams{
			ID:              d.ID,
			From:            dispute.StatusPending,
			To:              dispute.StatusVerifying,
			ExpectedVersion: d.Version,
			CountAttempt:    true,
			Message:         "Verification in progress.",
			ActorID:         "orchestrator",
		})
	case dispute.StatusVerifying:
		return Result{DisputeID: d.ID, Status: d.Status}, ErrInProgress
	case dispute.StatusManualReview:
		return Result{DisputeID: d.ID, Status: d.Status}, ErrNeedsOperator
	default:
		return resultFor(d), nil
	}
}

// Redrive moves a MANUAL_REVIEW dispute back into verification on explicit
// operator intent and runs it.
func (o *Orchestrator) Redrive(ctx context.Context, disputeID, operatorID string) (Result, error) {
	d, err := o.store.Get(ctx, disputeID)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: load %s: %w", disputeID, err)
	}
	if d.Status != dispute.StatusManualReview {
		return Result{DisputeID: d.ID, Status: d.Status},
			fmt.Errorf("%w: %s is %s, only %s can be re-driven", dispute.ErrInvalidTransition, d.ID, d.Status, dispute.StatusManualReview)
	}
	return o.claimAndDrive(ctx, d, dispute.TransitionParams{
		ID:              d.ID,
		From:            dispute.StatusManualReview,
		To:              dispute.StatusVerifying,
		ExpectedVersion: d.Version,
		Operator:        true,
		CountAttempt:    true,
		ActorID:         operatorID,
		Message:         "Re-verification requested by operator.",
	})
}

// Reclaim re-drives a dispute the sweep found stale. The claim is guarded by
// the version the sweep observed, so it fails if anything moved the record
// since it was listed; a stalled run that wakes up later loses its terminal
// transition instead.
func (o *Orchestrator) Reclaim(ctx context.Context, d dispute.Dispute) (Result, error) {
	switch d.Status {
	case dispute.StatusPending:
		return o.claimAndDrive(ctx, d, dispute.TransitionParams{
			ID:              d.ID,
			From:            dispute.StatusPending,
			To:              dispute.StatusVerifying,
			ExpectedVersion: d.Version,
			CountAttempt:    true,
			ActorID:         "reconciliation-sweep",
			Message:         "Verification in progress.",
		})
	case dispute.StatusVerifying:
		return o.claimAndDrive(ctx, d, dispute.TransitionParams{
			ID:              d.ID,
			From:            dispute.StatusVerifying,
			To:              dispute.StatusVerifying,
			ExpectedVersion: d.Version,
			CountAttempt:    true,
			ActorID:         "reconciliation-sweep",
			Message:         "Verification resumed after a stalled run.",
		})
	default:
		return resultFor(d), fmt.Errorf("%w: %s is %s", dispute.ErrInvalidTransition, d.ID, d.Status)
	}
}

func (o *Orchestrator) claimAndDrive(ctx context.Context, d dispute.Dispute, claim dispute.TransitionParams) (Result, error) {
	log := o.logger.With("dispute_id", d.ID)

	claimed, err := o.store.Transition(ctx, claim)
	if err != nil {
		if errors.Is(err, dispute.ErrConflict) {
			o.metrics.RecordConflict(ctx, "claim")
			log.Info("lost claim race", "from", claim.From, "error", err)
		}
		return Result{DisputeID: d.ID, Status: d.Status}, fmt.Errorf("workflow: claim %s: %w", d.ID, err)
	}
	log = log.With("version", claimed.Version, "attempt", claimed.VerificationAttempts)
	log.Info("dispute claimed for verification", "from", claim.From)

	if !claim.Operator && claimed.VerificationAttempts > o.cfg.MaxAttempts {
		decision := policy.Decision{Outcome: policy.OutcomeManualReview, Reason: "Verification attempts exhausted; routed to manual review."}
		return o.finish(ctx, log, claimed, decision, nil, nil)
	}

	vctx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
	evidence := verification.VerifyBoth(vctx, o.verifier, claimed)
	cancel()

	if err := ctx.Err(); err != nil {
		log.Warn("run cancelled after verification; leaving dispute for the sweep", "error", err)
		return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("%w: %s: %w", ErrInterrupted, claimed.ID, err)
	}

	results := evidence.Results()
	assessment := o.scorer.Score(claimed, results)
	decision := policy.Decide(results, assessment)
	o.metrics.RecordDecision(ctx, string(decision.Outcome), string(assessment.Tier))
	log.Info("decision reached",
		"outcome", decision.Outcome,
		"risk_tier", assessment.Tier,
		"risk_score", assessment.Score,
		"reasons", assessment.Reasons,
	)

	return o.finish(ctx, log, claimed, decision, &assessment, &evidence)
}

// finish performs the terminal step. Refund and the transition that records
// it run to completion even if the caller is cancelled.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, claimed dispute.Dispute, decision policy.Decision, assessment *risk.Assessment, evidence *verification.Evidence) (Result, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TerminalTimeout)
	defer cancel()

	params := dispute.TransitionParams{
		ID:              claimed.ID,
		From:            dispute.StatusVerifying,
		ExpectedVersion: claimed.Version,
		ActorID:         "orchestrator",
		Message:         decision.Reason,
		Payload:         map[string]any{"decision": decision.Outcome},
	}
	if assessment != nil {
		params.RiskTier = string(assessment.Tier)
		params.RiskScore = &assessment.Score
		params.Payload["risk_reasons"] = assessment.Reasons
	}
	if evidence != nil {
		params.Payload["evidence"] = evidence.Results()
	}

	// Money already moved for this dispute, most likely by a run that lost
	// its terminal transition. Only REFUND_INITIATED may follow.
	if decision.Outcome != policy.OutcomeApproveRefund {
		reference, found, err := o.refunds.Recorded(tctx, claimed.ID)
		if err != nil {
			log.Error("refund ledger unreadable; leaving dispute for the sweep", "error", err)
			return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("workflow: refund lookup %s: %w", claimed.ID, err)
		}
		if found {
			log.Warn("refund already recorded; overriding decision", "decision", decision.Outcome, "reference", reference)
			params.Payload["overridden_decision"] = decision.Outcome
			decision = policy.Decision{Outcome: policy.OutcomeApproveRefund, Reason: "Refund already issued for this dispute."}
			params.Message = decision.Reason
			params.Payload["decision"] = decision.Outcome
		}
	}

	var fatal error
	switch decision.Outcome {
	case policy.OutcomeApproveRefund:
		if err := o.fence(tctx, claimed); err != nil {
			if errors.Is(err, dispute.ErrConflict) {
				o.metrics.RecordConflict(ctx, "refund")
				log.Warn("ownership lost before refund; skipping", "error", err)
			}
			return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("workflow: refund fence %s: %w", claimed.ID, err)
		}
		reference, err := o.refunds.InitiateRefund(tctx, claimed.ID, claimed.Amount, claimed.CustomerPhone)
		switch {
		case err == nil:
			params.To = dispute.StatusRefundInitiated
			params.NEFTReference = reference
			params.Message = fmt.Sprintf("Refund initiated. NEFT reference: %s", reference)
		case errors.Is(err, refund.ErrRailExhausted):
			log.Warn("refund rail exhausted; routing to manual review", "error", err)
			params.To = dispute.StatusManualReview
			params.Message = "Refund could not be initiated; routed to manual review. " + err.Error()
			params.Payload["refund_error"] = err.Error()
		case errors.Is(err, refund.ErrReferenceMismatch):
			fatal = fmt.Errorf("%w: %s: %w", ErrInvariantViolation, claimed.ID, err)
			o.raise(tctx, log, claimed.ID, "refund_reference_mismatch", err)
			params.To = dispute.StatusManualReview
			params.Message = "Refund halted: conflicting refund record. Operator notified."
			params.Payload["invariant_error"] = err.Error()
		default:
			// Unknown whether the transfer happened. The rail replays by
			// dispute id, so the sweep can safely try again.
			log.Error("refund outcome unknown; leaving dispute for the sweep", "error", err)
			return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("workflow: refund %s: %w", claimed.ID, err)
		}
	case policy.OutcomeReject:
		params.To = dispute.StatusRejected
	default:
		params.To = dispute.StatusManualReview
	}

	final, err := o.store.Transition(tctx, params)
	if err != nil {
		if errors.Is(err, dispute.ErrConflict) {
			o.metrics.RecordConflict(ctx, "terminal")
			log.Warn("lost terminal transition; another run owns the dispute", "error", err)
		} else if errors.Is(err, dispute.ErrInvariant) {
			o.raise(tctx, log, claimed.ID, "transition_invariant", err)
			return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("%w: %s: %w", ErrInvariantViolation, claimed.ID, err)
		}
		return Result{DisputeID: claimed.ID, Status: claimed.Status}, fmt.Errorf("workflow: finish %s: %w", claimed.ID, err)
	}

	log.Info("dispute resolved", "status", final.Status)
	res := resultFor(final)
	res.Decision = &decision
	res.Assessment = assessment
	return res, fatal
}

// fence re-reads the dispute and fails with a conflict if this run no longer
// owns it. A run that slept through a sweep reclaim stops here. The window
// left after the check is covered by the refund initiator's idempotency.
func (o *Orchestrator) fence(ctx context.Context, claimed dispute.Dispute) error {
	current, err := o.store.Get(ctx, claimed.ID)
	if err != nil {
		return err
	}
	if current.Status != claimed.Status || current.Version != claimed.Version {
		return &dispute.ConflictError{
			ID:              claimed.ID,
			ExpectedStatus:  claimed.Status,
			ActualStatus:    current.Status,
			ExpectedVersion: claimed.Version,
			ActualVersion:   current.Version,
		}
	}
	return nil
}

func (o *Orchestrator) raise(ctx context.Context, log *slog.Logger, disputeID, kind string, cause error) {
	if o.alerter == nil {
		log.Error("invariant violation with no alerter configured", "kind", kind, "error", cause)
		return
	}
	if err := o.alerter.Alert(ctx, notify.Alert{DisputeID: disputeID, Kind: kind, Detail: cause.Error()}); err != nil {
		log.Error("operator alert failed", "kind", kind, "error", err)
	}
}

func resultFor(d dispute.Dispute) Result {
	r := Result{DisputeID: d.ID, Status: d.Status}
	if d.NEFTReference != nil {
		r.NEFTReference = *d.NEFTReference
	}
	return r
}
