// Package risk turns verification evidence and dispute metadata into a risk
// tier. Scoring is pure: no clock, no I/O, no hidden state.
package risk

import (
	"fmt"
	"math"

	"disputeflow/dispute"
	"disputeflow/verification"
)

type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// Signals contributing to a score, in the order they are evaluated.
const (
	ReasonDebitWithoutCredit     = "debit_without_credit"
	ReasonMerchantConfirmsCredit = "merchant_confirms_credit"
	ReasonNoDebitObserved        = "no_debit_observed"
	ReasonAmountMismatch         = "customer_amount_mismatch"
	ReasonHighValue              = "high_value"
	ReasonElevatedValue          = "elevated_value"
	ReasonRepeatVerification     = "repeat_verification"
	ReasonInconclusiveEvidence   = "inconclusive_evidence"
)

// Assessment is computed fresh on every run and never cached.
type Assessment struct {
	Tier    Tier     `json:"tier"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Has reports whether reason contributed to the assessment.
func (a Assessment) Has(reason string) bool {
	for _, r := range a.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Config holds weights and cut-offs. Amounts are minor units.
type Config struct {
	Base            float64
	MediumThreshold float64
	HighThreshold   float64
	HighValue       int64
	ElevatedValue   int64
	Weights         map[string]float64
}

func DefaultConfig() Config {
	return Config{
		Base:            0.30,
		MediumThreshold: 0.35,
		HighThreshold:   0.70,
		HighValue:       5_000 * 100,
		ElevatedValue:   2_000 * 100,
		// Signs matter. A debit the merchant never received is the textbook
		// failed UPI transfer and lowers risk; every disagreement about
		// whether or how much money moved raises it.
		Weights: map[string]float64{
			ReasonDebitWithoutCredit:     -0.30,
			ReasonMerchantConfirmsCredit: 0.60,
			ReasonNoDebitObserved:        0.40,
			ReasonAmountMismatch:         0.30,
			ReasonHighValue:              0.70,
			ReasonElevatedValue:          0.35,
			ReasonRepeatVerification:     0.15,
			ReasonInconclusiveEvidence:   0.20,
		},
	}
}

// Validate checks that the cut-offs partition [0,1].
func (c Config) Validate() error {
	if c.MediumThreshold <= 0 || c.HighThreshold > 1 || c.MediumThreshold >= c.HighThreshold {
		return fmt.Errorf("risk: thresholds must satisfy 0 < medium < high <= 1, got %.2f/%.2f", c.MediumThreshold, c.HighThreshold)
	}
	if c.ElevatedValue <= 0 || c.HighValue < c.ElevatedValue {
		return fmt.Errorf("risk: value bands must satisfy 0 < elevated <= high, got %d/%d", c.ElevatedValue, c.HighValue)
	}
	return nil
}

type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	defaults := DefaultConfig()
	if cfg.Weights == nil {
		cfg.Weights = defaults.Weights
	}
	if cfg.MediumThreshold == 0 && cfg.HighThreshold == 0 {
		cfg.MediumThreshold = defaults.MediumThreshold
		cfg.HighThreshold = defaults.HighThreshold
	}
	if cfg.HighValue == 0 {
		cfg.HighValue = defaults.HighValue
	}
	if cfg.ElevatedValue == 0 {
		cfg.ElevatedValue = defaults.ElevatedValue
	}
	return &Scorer{cfg: cfg}
}

// Score evaluates one dispute against the evidence of one orchestration run.
func (s *Scorer) Score(d dispute.Dispute, results []verification.Result) Assessment {
	score := s.cfg.Base
	var reasons []string
	add := func(reason string) {
		score += s.cfg.Weights[reason]
		reasons = append(reasons, reason)
	}

	customer, hasCustomer := verification.Find(results, verification.PartyCustomer)
	merchant, hasMerchant := verification.Find(results, verification.PartyMerchant)
	customerOK := hasCustomer && !customer.Inconclusive()
	merchantOK := hasMerchant && !merchant.Inconclusive()

	if customerOK && merchantOK {
		switch {
		case customer.Confirmed && !merchant.Confirmed:
			add(ReasonDebitWithoutCredit)
		case customer.Confirmed && merchant.Confirmed:
			add(ReasonMerchantConfirmsCredit)
		}
	}
	if customerOK && !customer.Confirmed {
		add(ReasonNoDebitObserved)
	}
	if customerOK && customer.Confirmed && customer.AmountConfirmed != nil && *customer.AmountConfirmed != d.Amount {
		add(ReasonAmountMismatch)
	}

	switch {
	case d.Amount >= s.cfg.HighValue:
		add(ReasonHighValue)
	case d.Amount >= s.cfg.ElevatedValue:
		add(ReasonElevatedValue)
	}
	if d.VerificationAttempts > 1 {
		add(ReasonRepeatVerification)
	}
	if !customerOK || !merchantOK {
		add(ReasonInconclusiveEvidence)
	}

	score = clamp(score)
	return Assessment{Tier: s.tier(score), Score: score, Reasons: reasons}
}

func (s *Scorer) tier(score float64) Tier {
	switch {
	case score < s.cfg.MediumThreshold:
		return TierLow
	case score < s.cfg.HighThreshold:
		return TierMedium
	default:
		return TierHigh
	}
}

func clamp(v float64) float64 {
	// Rounded so float drift never pushes a score across a threshold.
	v = math.Round(v*1000) / 1000
	return math.Max(0, math.Min(1, v))
}
