package dispute

import (
	"context"
	"time"
)

// Store owns dispute records. Implementations guarantee read-after-write
// consistency for a single dispute, uniqueness of ids and transaction ids,
// and that Transition succeeds for at most one caller per observed state.
type Store interface {
	Create(ctx context.Context, d Dispute) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	ListByPhone(ctx context.Context, phone string) ([]Dispute, error)
	Transition(ctx context.Context, p TransitionParams) (Dispute, error)
	ListStale(ctx context.Context, q StaleQuery) ([]Dispute, error)
	Events(ctx context.Context, id string) ([]Event, error)
}

// StaleQuery selects disputes whose status has not changed since Before.
type StaleQuery struct {
	Statuses []Status
	Before   time.Time
	Limit    int
}

func (q StaleQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 500 {
		return 500
	}
	return q.Limit
}
