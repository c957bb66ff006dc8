package verification

import (
	"context"

	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
)

// Verifier is satisfied by Client and by test fakes.
type Verifier interface {
	Verify(ctx context.Context, req Request) Result
}

// VerifyBoth asks both oracles concurrently and waits for both. The slower
// call bounds the phase; neither blocks the other.
func VerifyBoth(ctx context.Context, v Verifier, d dispute.Dispute) Evidence {
	var ev Evidence
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ev.Customer = v.Verify(gctx, Request{
			Party:         PartyCustomer,
			TransactionID: d.TransactionID,
			Counterparty:  d.CustomerPhone,
			Amount:        d.Amount,
		})
		return nil
	})
	g.Go(func() error {
		ev.Merchant = v.Verify(gctx, Request{
			Party:         PartyMerchant,
			TransactionID: d.TransactionID,
			Counterparty:  d.MerchantUPI,
			Amount:        d.Amount,
		})
		return nil
	})
	_ = g.Wait()

	// A verifier that forgot to stamp the party still has to be attributable.
	ev.Customer.Party = PartyCustomer
	ev.Merchant.Party = PartyMerchant
	return ev
}
