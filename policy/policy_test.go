package policy

import (
	"testing"

	"disputeflow/risk"
	"disputeflow/verification"
)

func result(party verification.Party, confirmed bool) verification.Result {
	return verification.Result{Party: party, Verified: true, Confirmed: confirmed}
}

func failed(party verification.Party, code string) verification.Result {
	return verification.Result{Party: party, ErrorCode: code}
}

type tableCase struct {
	name     string
	customer verification.Result
	merchant verification.Result
	tier     risk.Tier
	want     Outcome
}

func TestDecide_Table(t *testing.T) {
	debited := result(verification.PartyCustomer, true)
	notDebited := result(verification.PartyCustomer, false)
	credited := result(verification.PartyMerchant, true)
	notCredited := result(verification.PartyMerchant, false)

	cases := []tableCase{
		{"debited not credited low", debited, notCredited, risk.TierLow, OutcomeApproveRefund},
		{"debited not credited medium", debited, notCredited, risk.TierMedium, OutcomeApproveRefund},
		{"debited not credited high", debited, notCredited, risk.TierHigh, OutcomeManualReview},
	}
	for _, tier := range []risk.Tier{risk.TierLow, risk.TierMedium, risk.TierHigh} {
		cases = append(cases,
			tableCase{"debited and credited " + string(tier), debited, credited, tier, OutcomeReject},
			tableCase{"not debited, credited " + string(tier), notDebited, credited, tier, OutcomeReject},
			tableCase{"not debited, not credited " + string(tier), notDebited, notCredited, tier, OutcomeReject},
		)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide([]verification.Result{tc.customer, tc.merchant}, risk.Assessment{Tier: tc.tier})
			if got.Outcome != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, got.Outcome, got.Reason)
			}
		})
	}
}

func TestDecide_InconclusiveAlwaysManualReview(t *testing.T) {
	codes := []string{
		verification.CodeTimeout,
		verification.CodeRejected,
		verification.CodeMalformedResponse,
		verification.CodeIncompleteResponse,
		verification.CodeUnverified,
		verification.CodeCancelled,
	}
	for _, code := range codes {
		for _, tier := range []risk.Tier{risk.TierLow, risk.TierMedium, risk.TierHigh} {
			for _, confirmed := range []bool{true, false} {
				a := risk.Assessment{Tier: tier}

				got := Decide([]verification.Result{
					result(verification.PartyCustomer, confirmed),
					failed(verification.PartyMerchant, code),
				}, a)
				if got.Outcome != OutcomeManualReview {
					t.Fatalf("merchant %s tier %s: expected MANUAL_REVIEW, got %s", code, tier, got.Outcome)
				}

				got = Decide([]verification.Result{
					failed(verification.PartyCustomer, code),
					result(verification.PartyMerchant, confirmed),
				}, a)
				if got.Outcome != OutcomeManualReview {
					t.Fatalf("customer %s tier %s: expected MANUAL_REVIEW, got %s", code, tier, got.Outcome)
				}
			}
		}
	}
}

func TestDecide_MissingPartyIsInconclusive(t *testing.T) {
	got := Decide([]verification.Result{result(verification.PartyCustomer, true)}, risk.Assessment{Tier: risk.TierLow})
	if got.Outcome != OutcomeManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", got.Outcome)
	}
}

func TestDecide_AmountMismatchBlocksApproval(t *testing.T) {
	a := risk.Assessment{Tier: risk.TierMedium, Reasons: []string{risk.ReasonDebitWithoutCredit, risk.ReasonAmountMismatch}}
	got := Decide([]verification.Result{
		result(verification.PartyCustomer, true),
		result(verification.PartyMerchant, false),
	}, a)
	if got.Outcome != OutcomeManualReview || got.Reason != ReasonAmountMismatch {
		t.Fatalf("expected MANUAL_REVIEW for amount mismatch, got %+v", got)
	}
}
