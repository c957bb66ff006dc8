package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusVerifying       Status = "VERIFYING"
	StatusRefundInitiated Status = "REFUND_INITIATED"
	StatusRejected        Status = "REJECTED"
	StatusManualReview    Status = "MANUAL_REVIEW"
)

// Terminal reports whether no automatic action moves the dispute further.
func (s Status) Terminal() bool {
	switch s {
	case StatusRefundInitiated, StatusRejected, StatusManualReview:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerifying, StatusRefundInitiated, StatusRejected, StatusManualReview:
		return true
	default:
		return false
	}
}

// Amount bounds in minor units (paise): 1 to 100,000 rupees.
const (
	MinAmount int64 = 100
	MaxAmount int64 = 100_000 * 100
)

// MaxVerificationAttempts bounds how often a dispute may be claimed for verification.
const MaxVerificationAttempts = 5

// Dispute mirrors the disputes table. Amount is in minor currency units.
type Dispute struct {
	ID                   string
	TransactionID        string
	MerchantUPI          string
	Amount               int64
	CustomerPhone        string
	Reason               string
	Status               Status
	Message              string
	NEFTReference        *string
	RiskTier             *string
	RiskScore            *float64
	VerificationAttempts int
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StatusChangedAt      time.Time
}

// Event is one append-only audit entry for a dispute.
type Event struct {
	DisputeID  string
	Seq        int64
	Type       string
	FromStatus Status
	ToStatus   Status
	ActorID    string
	Payload    map[string]any
	At         time.Time
}

const (
	EventFiled              = "DISPUTE_FILED"
	EventVerificationStart  = "VERIFICATION_STARTED"
	EventVerificationReplay = "VERIFICATION_RECLAIMED"
	EventOperatorRedrive    = "OPERATOR_REDRIVE"
	EventRefundInitiated    = "REFUND_INITIATED"
	EventRejected           = "DISPUTE_REJECTED"
	EventManualReview       = "MANUAL_REVIEW_REQUIRED"
)

// Outbox topics written alongside state changes.
const (
	TopicDisputeFiled  = "dispute.filed"
	TopicStatusChanged = "dispute.status_changed"
)

// IntakeRequest carries the fields accepted from the intake collaborator.
type IntakeRequest struct {
	TransactionID string
	MerchantUPI   string
	Amount        int64
	CustomerPhone string
	Reason        string
}
