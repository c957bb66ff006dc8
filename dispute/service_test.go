package dispute

import (
	"context"
	"errors"
	"testing"
)

func TestService_FileNormalizesAndPersists(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store).WithIDGenerator(func() string { return "dispute-1" })

	d, err := svc.File(context.Background(), IntakeRequest{
		TransactionID: " TXN12345678901234 ",
		MerchantUPI:   "chai.stall@okaxis",
		Amount:        25000,
		CustomerPhone: "9876543210",
		Reason:        "money debited, merchant says not received",
	})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if d.ID != "dispute-1" || d.Status != StatusPending {
		t.Fatalf("unexpected dispute: %+v", d)
	}
	if d.CustomerPhone != "+919876543210" || d.TransactionID != "TXN12345678901234" {
		t.Fatalf("expected normalized fields, got phone=%q txn=%q", d.CustomerPhone, d.TransactionID)
	}

	list, err := svc.ListForPhone(context.Background(), "+919876543210")
	if err != nil || len(list) != 1 {
		t.Fatalf("list for phone: %v (%d items)", err, len(list))
	}
}

func TestService_FileRejectsAmountOutOfBounds(t *testing.T) {
	svc := NewService(NewMemoryStore())

	for _, amount := range []int64{0, -5, MinAmount - 1, MaxAmount + 1} {
		_, err := svc.File(context.Background(), IntakeRequest{
			TransactionID: "TXN12345678901234",
			MerchantUPI:   "shop@okbank",
			Amount:        amount,
			CustomerPhone: "+919876543210",
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("amount %d: expected ErrInvalidInput, got %v", amount, err)
		}
	}
}

func TestValidateIntake_BadFields(t *testing.T) {
	base := IntakeRequest{TransactionID: "TXN12345678901234", MerchantUPI: "shop@okbank", Amount: 1000, CustomerPhone: "+919876543210"}

	cases := map[string]func(r *IntakeRequest){
		"empty transaction":  func(r *IntakeRequest) { r.TransactionID = "" },
		"upi without handle": func(r *IntakeRequest) { r.MerchantUPI = "shop" },
		"short phone":        func(r *IntakeRequest) { r.CustomerPhone = "12345" },
	}
	for name, mutate := range cases {
		req := base
		mutate(&req)
		if _, err := ValidateIntake(req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
	if _, err := ValidateIntake(base); err != nil {
		t.Fatalf("base request should validate: %v", err)
	}
}

func TestService_EventsUnknownDispute(t *testing.T) {
	_, err := NewService(NewMemoryStore()).Events(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
