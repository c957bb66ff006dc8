package refund

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("refund: instruction not found")
	// ErrRailExhausted means transient rail failures outlasted the retry budget.
	// Rejections and cancellations are returned unwrapped instead.
	ErrRailExhausted = errors.New("refund: rail exhausted")
	// ErrReferenceMismatch means a dispute already carries a different reference.
	// It is never retried or overwritten.
	ErrReferenceMismatch = errors.New("refund: reference mismatch")
	ErrInvalidRequest    = errors.New("refund: invalid request")
)

// Instruction is the durable record of the one refund issued for a dispute.
type Instruction struct {
	DisputeID   string
	Reference   string
	Amount      int64
	Destination string
	Attempts    int
	CreatedAt   time.Time
}

// TransferRequest is what the rail receives. DisputeID doubles as the
// idempotency key.
type TransferRequest struct {
	DisputeID   string `json:"disputeId"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// NewReference returns a NEFT-style reference: "NEFT" followed by twelve
// upper-case hex characters.
func NewReference() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("refund: read random: " + err.Error())
	}
	return "NEFT" + strings.ToUpper(hex.EncodeToString(b[:]))
}
