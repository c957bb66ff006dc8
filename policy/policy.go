// Package policy maps verification evidence and a risk assessment to a
// decision. It never guesses: incomplete evidence always goes to a human.
package policy

import (
	"disputeflow/risk"
	"disputeflow/verification"
)

type Outcome string

const (
	OutcomeApproveRefund Outcome = "APPROVE_REFUND"
	OutcomeReject        Outcome = "REJECT"
	OutcomeManualReview  Outcome = "MANUAL_REVIEW"
)

// Decision carries the outcome and the customer-facing reason.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

const (
	ReasonInconclusive     = "Verification inconclusive; routed to manual review."
	ReasonApproved         = "Customer debit confirmed and merchant credit absent. Refund approved."
	ReasonHighRisk         = "Refund eligible but risk is high; routed to manual review."
	ReasonAmountMismatch   = "Debited amount differs from the disputed amount; routed to manual review."
	ReasonAlreadyDelivered = "Merchant confirms the payment was received. Dispute rejected."
	ReasonNoDebit          = "No debit found on the customer account. Dispute rejected."
)

// Decide applies the decision table. Results missing a party count as
// inconclusive.
func Decide(results []verification.Result, assessment risk.Assessment) Decision {
	customer, ok := verification.Find(results, verification.PartyCustomer)
	if !ok || customer.Inconclusive() {
		return Decision{Outcome: OutcomeManualReview, Reason: ReasonInconclusive}
	}
	merchant, ok := verification.Find(results, verification.PartyMerchant)
	if !ok || merchant.Inconclusive() {
		return Decision{Outcome: OutcomeManualReview, Reason: ReasonInconclusive}
	}

	switch {
	case !customer.Confirmed:
		return Decision{Outcome: OutcomeReject, Reason: ReasonNoDebit}
	case merchant.Confirmed:
		return Decision{Outcome: OutcomeReject, Reason: ReasonAlreadyDelivered}
	case assessment.Tier == risk.TierHigh:
		return Decision{Outcome: OutcomeManualReview, Reason: ReasonHighRisk}
	case assessment.Has(risk.ReasonAmountMismatch):
		return Decision{Outcome: OutcomeManualReview, Reason: ReasonAmountMismatch}
	case assessment.Tier == risk.TierLow || assessment.Tier == risk.TierMedium:
		return Decision{Outcome: OutcomeApproveRefund, Reason: ReasonApproved}
	default:
		// Unknown tier from a misconfigured scorer.
		return Decision{Outcome: OutcomeManualReview, Reason: ReasonHighRisk}
	}
}
