package verification

import "time"

// Party identifies which bank oracle is being asked.
type Party string

const (
	PartyCustomer Party = "CUSTOMER"
	PartyMerchant Party = "MERCHANT"
)

// Error codes produced by the client itself. Bank-reported codes are kept
// separately in Result.BankCode.
const (
	CodeTimeout            = "TIMEOUT"
	CodeRejected           = "REJECTED"
	CodeMalformedResponse  = "MALFORMED_RESPONSE"
	CodeIncompleteResponse = "INCOMPLETE_RESPONSE"
	CodeUnverified         = "UNVERIFIED"
	CodeCancelled          = "CANCELLED"
)

// Request is one verification question for one party.
type Request struct {
	Party         Party
	TransactionID string
	// Counterparty is the customer account hint or the merchant UPI address.
	Counterparty string
	Amount       int64
}

// Result is per-bank evidence. Verification failure is data: an unreachable
// or confused oracle yields ErrorCode, never a Go error.
type Result struct {
	Party Party `json:"party"`
	// Verified is true when the oracle gave a conclusive answer.
	Verified bool `json:"verified"`
	// Confirmed means the money moved on this side: debited for CUSTOMER,
	// credited for MERCHANT.
	Confirmed       bool      `json:"confirmed"`
	AmountConfirmed *int64    `json:"amountConfirmed,omitempty"`
	BankStatus      string    `json:"bankStatus,omitempty"`
	BankCode        string    `json:"bankCode,omitempty"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	Attempts        int       `json:"attempts"`
	ObservedAt      time.Time `json:"observedAt"`
}

// Inconclusive reports whether the result cannot be used to decide.
func (r Result) Inconclusive() bool {
	return r.ErrorCode != "" || !r.Verified
}

// Evidence is the pair of results for one orchestration attempt.
type Evidence struct {
	Customer Result `json:"customer"`
	Merchant Result `json:"merchant"`
}

// Results returns the evidence in party order.
func (e Evidence) Results() []Result {
	return []Result{e.Customer, e.Merchant}
}

// Find returns the result for party among results.
func Find(results []Result, party Party) (Result, bool) {
	for _, r := range results {
		if r.Party == party {
			return r, true
		}
	}
	return Result{}, false
}
