package dispute

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidInput wraps every intake validation failure.
	ErrInvalidInput = errors.New("dispute: invalid input")

	transactionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)
	upiPattern           = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,256}@[a-zA-Z0-9]{2,64}$`)
	e164Pattern          = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	nationalPhonePattern = regexp.MustCompile(`^[0-9]{10}$`)
)

// Service is the intake and status-query facade over a Store.
type Service struct {
	store       Store
	idGenerator func() string
}

func NewService(store Store) *Service {
	return &Service{
		store:       store,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// File validates an intake request and records it as a PENDING dispute.
func (s *Service) File(ctx context.Context, req IntakeRequest) (Dispute, error) {
	d, err := ValidateIntake(req)
	if err != nil {
		return Dispute{}, err
	}
	d.ID = s.idGenerator()
	d.Message = "Dispute received. Verification pending."
	return s.store.Create(ctx, d)
}

func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.store.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) ListForPhone(ctx context.Context, phone string) ([]Dispute, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	return s.store.ListByPhone(ctx, normalized)
}

func (s *Service) Events(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// ValidateIntake re-checks the intake fields and returns the normalized dispute.
// Format checks here are deliberately loose; the amount bounds are strict.
func ValidateIntake(req IntakeRequest) (Dispute, error) {
	txnID := strings.TrimSpace(req.TransactionID)
	if !transactionIDPattern.MatchString(txnID) {
		return Dispute{}, fmt.Errorf("%w: transaction id %q", ErrInvalidInput, req.TransactionID)
	}
	upi := strings.TrimSpace(req.MerchantUPI)
	if !upiPattern.MatchString(upi) {
		return Dispute{}, fmt.Errorf("%w: merchant UPI %q", ErrInvalidInput, req.MerchantUPI)
	}
	if req.Amount < MinAmount || req.Amount > MaxAmount {
		return Dispute{}, fmt.Errorf("%w: amount %d outside [%d, %d] minor units", ErrInvalidInput, req.Amount, MinAmount, MaxAmount)
	}
	phone, err := NormalizePhone(req.CustomerPhone)
	if err != nil {
		return Dispute{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > 500 {
		reason = reason[:500]
	}

	return Dispute{
		TransactionID: txnID,
		MerchantUPI:   upi,
		Amount:        req.Amount,
		CustomerPhone: phone,
		Reason:        reason,
		Status:        StatusPending,
	}, nil
}

// NormalizePhone returns phone in E.164 form. Bare 10-digit numbers are
// treated as Indian national numbers.
func NormalizePhone(phone string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	switch {
	case e164Pattern.MatchString(p):
		return p, nil
	case nationalPhonePattern.MatchString(p):
		return "+91" + p, nil
	default:
		return "", fmt.Errorf("%w: phone %q", ErrInvalidInput, phone)
	}
}
