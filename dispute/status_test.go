package dispute

import (
	"errors"
	"testing"
)

func TestCheckTransition_ForwardOnly(t *testing.T) {
	all := []Status{StatusPending, StatusVerifying, StatusRefundInitiated, StatusRejected, StatusManualReview}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusVerifying}:         true,
		{StatusVerifying, StatusVerifying}:       true,
		{StatusVerifying, StatusRefundInitiated}: true,
		{StatusVerifying, StatusRejected}:        true,
		{StatusVerifying, StatusManualReview}:    true,
		{StatusManualReview, StatusVerifying}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			p := TransitionParams{ID: "d1", From: from, To: to, Operator: true, ExpectedVersion: 3}
			if to == StatusRefundInitiated {
				p.NEFTReference = "NEFT0123456789AB"
			}
			err := CheckTransition(p)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: expected allowed, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestCheckTransition_ManualReviewNeedsOperator(t *testing.T) {
	err := CheckTransition(TransitionParams{ID: "d1", From: StatusManualReview, To: StatusVerifying})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without operator intent, got %v", err)
	}
}

func TestCheckTransition_ReclaimNeedsVersion(t *testing.T) {
	err := CheckTransition(TransitionParams{ID: "d1", From: StatusVerifying, To: StatusVerifying})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without version guard, got %v", err)
	}
}

func TestCheckTransition_NEFTReferenceIffRefunded(t *testing.T) {
	err := CheckTransition(TransitionParams{ID: "d1", From: StatusVerifying, To: StatusRefundInitiated})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant for missing reference, got %v", err)
	}

	err = CheckTransition(TransitionParams{ID: "d1", From: StatusVerifying, To: StatusRejected, NEFTReference: "NEFTX"})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant for stray reference, got %v", err)
	}
}

func TestConflictError_MatchesSentinel(t *testing.T) {
	var err error = &ConflictError{ID: "d1", ExpectedStatus: StatusPending, ActualStatus: StatusVerifying}
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected ConflictError to match ErrConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.ActualStatus != StatusVerifying {
		t.Fatalf("unexpected conflict details: %+v", ce)
	}
}
