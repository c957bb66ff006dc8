package dispute

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("dispute: not found")
	ErrDuplicateTransaction = errors.New("dispute: transaction already disputed")
	ErrInvalidTransition    = errors.New("dispute: invalid status transition")
	ErrInvariant            = errors.New("dispute: invariant violation")
	// ErrConflict matches any *ConflictError via errors.Is.
	ErrConflict = errors.New("dispute: transition conflict")
)

// ConflictError reports that the stored state no longer matches what the
// caller expected. The caller lost the race and must not perform side effects.
type ConflictError struct {
	ID              string
	ExpectedStatus  Status
	ActualStatus    Status
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	if e.ExpectedVersion > 0 {
		return fmt.Sprintf("dispute: conflict on %s: expected %s@v%d, found %s@v%d",
			e.ID, e.ExpectedStatus, e.ExpectedVersion, e.ActualStatus, e.ActualVersion)
	}
	return fmt.Sprintf("dispute: conflict on %s: expected %s, found %s", e.ID, e.ExpectedStatus, e.ActualStatus)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransitionParams describes one guarded status change.
type TransitionParams struct {
	ID   string
	From Status
	To   Status
	// ExpectedVersion, when positive, must equal the stored version.
	ExpectedVersion int64
	// Operator marks explicit operator intent, required to leave MANUAL_REVIEW.
	Operator      bool
	ActorID       string
	Message       string
	NEFTReference string
	RiskTier      string
	RiskScore     *float64
	// CountAttempt increments verification_attempts.
	CountAttempt bool
	EventType    string
	Payload      map[string]any
}

var allowedTransitions = map[Status][]Status{
	StatusPending:      {StatusVerifying},
	StatusVerifying:    {StatusVerifying, StatusRefundInitiated, StatusRejected, StatusManualReview},
	StatusManualReview: {StatusVerifying},
}

// CanTransition reports whether the edge from -> to exists in the table,
// ignoring the operator and version guards.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition validates p against the transition table and the NEFT
// reference invariant before anything is written.
func CheckTransition(p TransitionParams) error {
	if p.ID == "" {
		return fmt.Errorf("dispute: missing dispute id")
	}
	if !p.From.Valid() || !p.To.Valid() {
		return fmt.Errorf("%w: unknown status %s -> %s", ErrInvalidTransition, p.From, p.To)
	}
	if !CanTransition(p.From, p.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.From, p.To)
	}
	if p.From == StatusManualReview && !p.Operator {
		return fmt.Errorf("%w: %s -> %s requires operator re-drive", ErrInvalidTransition, p.From, p.To)
	}
	if p.From == StatusVerifying && p.To == StatusVerifying && p.ExpectedVersion <= 0 {
		return fmt.Errorf("%w: reclaiming a verifying dispute requires a version guard", ErrInvalidTransition)
	}

	hasRef := p.NEFTReference != ""
	if p.To == StatusRefundInitiated && !hasRef {
		return fmt.Errorf("%w: %s requires a NEFT reference", ErrInvariant, p.To)
	}
	if p.To != StatusRefundInitiated && hasRef {
		return fmt.Errorf("%w: NEFT reference only allowed on %s", ErrInvariant, StatusRefundInitiated)
	}
	return nil
}

func defaultEventType(p TransitionParams) string {
	if p.EventType != "" {
		return p.EventType
	}
	switch p.To {
	case StatusVerifying:
		switch p.From {
		case StatusManualReview:
			return EventOperatorRedrive
		case StatusVerifying:
			return EventVerificationReplay
		default:
			return EventVerificationStart
		}
	case StatusRefundInitiated:
		return EventRefundInitiated
	case StatusRejected:
		return EventRejected
	default:
		return EventManualReview
	}
}

func eventPayload(p TransitionParams, version int64) map[string]any {
	payload := map[string]any{
		"previous_status": string(p.From),
		"next_status":     string(p.To),
		"version":         version,
	}
	if p.Message != "" {
		payload["message"] = p.Message
	}
	if p.NEFTReference != "" {
		payload["neft_reference"] = p.NEFTReference
	}
	if p.RiskTier != "" {
		payload["risk_tier"] = p.RiskTier
	}
	if p.RiskScore != nil {
		payload["risk_score"] = *p.RiskScore
	}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if p.ActorID != "" {
		payload["actor_id"] = p.ActorID
	}
	return payload
}

func outboxPayload(d Dispute, from Status) map[string]any {
	payload := map[string]any{
		"dispute_id":     d.ID,
		"transaction_id": d.TransactionID,
		"previous":       string(from),
		"next":           string(d.Status),
		"version":        d.Version,
	}
	if d.NEFTReference != nil {
		payload["neft_reference"] = *d.NEFTReference
	}
	return payload
}
