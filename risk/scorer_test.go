package risk

import (
	"testing"

	"disputeflow/dispute"
	"disputeflow/verification"
)

func ptr[T any](v T) *T { return &v }

func evidence(customerDebited, merchantCredited bool, amount int64) []verification.Result {
	return []verification.Result{
		{Party: verification.PartyCustomer, Verified: true, Confirmed: customerDebited, AmountConfirmed: ptr(amount)},
		{Party: verification.PartyMerchant, Verified: true, Confirmed: merchantCredited},
	}
}

func TestScore_DebitWithoutCreditIsLowRisk(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 49900, VerificationAttempts: 1}

	a := s.Score(d, evidence(true, false, 49900))
	if a.Tier != TierLow {
		t.Fatalf("expected LOW, got %s (%.2f %v)", a.Tier, a.Score, a.Reasons)
	}
	if !a.Has(ReasonDebitWithoutCredit) {
		t.Fatalf("expected debit_without_credit reason, got %v", a.Reasons)
	}
}

func TestScore_MerchantCreditRaisesRiskSharply(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 49900, VerificationAttempts: 1}

	a := s.Score(d, evidence(true, true, 49900))
	if a.Tier != TierHigh {
		t.Fatalf("expected HIGH, got %s (%.2f)", a.Tier, a.Score)
	}
}

func TestScore_HighValueIsHighRisk(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 5_000 * 100, VerificationAttempts: 1}

	a := s.Score(d, evidence(true, false, d.Amount))
	if a.Tier != TierHigh || !a.Has(ReasonHighValue) {
		t.Fatalf("expected HIGH with high_value, got %s %v", a.Tier, a.Reasons)
	}
}

func TestScore_ElevatedValueIsMedium(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 2_500 * 100, VerificationAttempts: 1}

	a := s.Score(d, evidence(true, false, d.Amount))
	if a.Tier != TierMedium {
		t.Fatalf("expected MEDIUM, got %s (%.2f)", a.Tier, a.Score)
	}
}

func TestScore_AmountMismatchIsRecorded(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 49900, VerificationAttempts: 1}

	a := s.Score(d, evidence(true, false, 40000))
	if !a.Has(ReasonAmountMismatch) {
		t.Fatalf("expected amount mismatch reason, got %v", a.Reasons)
	}
}

func TestScore_InconclusiveEvidence(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 49900, VerificationAttempts: 1}
	results := []verification.Result{
		{Party: verification.PartyCustomer, Verified: true, Confirmed: true, AmountConfirmed: ptr(int64(49900))},
		{Party: verification.PartyMerchant, ErrorCode: verification.CodeTimeout},
	}

	a := s.Score(d, results)
	if !a.Has(ReasonInconclusiveEvidence) || a.Has(ReasonDebitWithoutCredit) {
		t.Fatalf("unexpected reasons %v", a.Reasons)
	}
}

func TestScore_ClampedAndDeterministic(t *testing.T) {
	s := NewScorer(DefaultConfig())
	d := dispute.Dispute{Amount: 90_000 * 100, VerificationAttempts: 4}

	first := s.Score(d, evidence(true, true, 1))
	second := s.Score(d, evidence(true, true, 1))
	if first.Score != 1 {
		t.Fatalf("expected score clamped to 1, got %.3f", first.Score)
	}
	if first.Tier != second.Tier || first.Score != second.Score || len(first.Reasons) != len(second.Reasons) {
		t.Fatalf("scoring is not deterministic: %+v vs %+v", first, second)
	}

	low := s.Score(dispute.Dispute{Amount: 100}, evidence(true, false, 100))
	if low.Score != 0 {
		t.Fatalf("expected score clamped to 0, got %.3f", low.Score)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.MediumThreshold = 0.8
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for medium >= high")
	}
}

func TestDefaultConfig_WeightSigns(t *testing.T) {
	w := DefaultConfig().Weights
	if w[ReasonDebitWithoutCredit] >= 0 {
		t.Fatalf("debit without credit must lower risk, got %+.2f", w[ReasonDebitWithoutCredit])
	}
	for _, reason := range []string{ReasonMerchantConfirmsCredit, ReasonNoDebitObserved, ReasonAmountMismatch} {
		if w[reason] <= 0 {
			t.Fatalf("%s must raise risk, got %+.2f", reason, w[reason])
		}
	}
}
