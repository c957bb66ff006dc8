package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same guard semantics as
// PGStore. Used by tests and the memory-backed dev server.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]Dispute
	byTxn  map[string]string
	events map[string][]Event
	outbox []OutboxMessage
	sink   func(topic string, payload map[string]any)
	now    func() time.Time
}

// OutboxMessage is a message recorded by MemoryStore alongside a change.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]Dispute),
		byTxn:  make(map[string]string),
		events: make(map[string][]Event),
		now:    time.Now,
	}
}

// WithOutboxSink forwards every recorded outbox message to sink. The sink is
// called with the store lock held and must not call back into the store.
func (s *MemoryStore) WithOutboxSink(sink func(topic string, payload map[string]any)) *MemoryStore {
	s.sink = sink
	return s
}

// WithClock overrides the store clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(_ context.Context, d Dispute) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Amount <= 0 {
		return Dispute{}, ErrInvariant
	}
	if _, ok := s.byTxn[d.TransactionID]; ok {
		return Dispute{}, ErrDuplicateTransaction
	}
	if _, ok := s.items[d.ID]; ok {
		return Dispute{}, ErrInvariant
	}

	now := s.now().UTC()
	d.Status = StatusPending
	d.NEFTReference = nil
	d.RiskTier = nil
	d.RiskScore = nil
	d.VerificationAttempts = 0
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	d.StatusChangedAt = now

	s.items[d.ID] = d
	s.byTxn[d.TransactionID] = d.ID
	s.appendLocked(d.ID, EventFiled, "", StatusPending, "", map[string]any{
		"transaction_id": d.TransactionID,
		"amount_minor":   d.Amount,
		"merchant_upi":   d.MerchantUPI,
	}, now)
	s.recordLocked(TopicDisputeFiled, outboxPayload(d, ""))
	return clone(d), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.items[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return clone(d), nil
}

func (s *MemoryStore) ListByPhone(_ context.Context, phone string) ([]Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Dispute, 0, 8)
	for _, d := range s.items {
		if d.CustomerPhone == phone {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, q StaleQuery) ([]Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Status]bool, len(q.Statuses))
	for _, st := range q.Statuses {
		want[st] = true
	}

	out := make([]Dispute, 0)
	for _, d := range s.items {
		if want[d.Status] && d.StatusChangedAt.Before(q.Before) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, p TransitionParams) (Dispute, error) {
	if err := CheckTransition(p); err != nil {
		return Dispute{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.items[p.ID]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Status != p.From || (p.ExpectedVersion > 0 && d.Version != p.ExpectedVersion) {
		return Dispute{}, &ConflictError{
			ID:              p.ID,
			ExpectedStatus:  p.From,
			ActualStatus:    d.Status,
			ExpectedVersion: p.ExpectedVersion,
			ActualVersion:   d.Version,
		}
	}

	now := s.now().UTC()
	d.Status = p.To
	d.Message = p.Message
	d.NEFTReference = nil
	if p.NEFTReference != "" {
		ref := p.NEFTReference
		d.NEFTReference = &ref
	}
	if p.RiskTier != "" {
		tier := p.RiskTier
		d.RiskTier = &tier
	}
	if p.RiskScore != nil {
		score := *p.RiskScore
		d.RiskScore = &score
	}
	if p.CountAttempt {
		d.VerificationAttempts++
	}
	d.Version++
	d.UpdatedAt = now
	d.StatusChangedAt = now

	s.items[d.ID] = d
	s.appendLocked(d.ID, defaultEventType(p), p.From, p.To, p.ActorID, eventPayload(p, d.Version), now)
	s.recordLocked(TopicStatusChanged, outboxPayload(d, p.From))
	return clone(d), nil
}

func (s *MemoryStore) Events(_ context.Context, id string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[id]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

// Outbox returns the messages recorded so far.
func (s *MemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OutboxMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// Backdate moves a dispute's status timestamp into the past, simulating a
// run that stalled.
func (s *MemoryStore) Backdate(id string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.items[id]; ok {
		d.StatusChangedAt = d.StatusChangedAt.Add(-by)
		d.UpdatedAt = d.StatusChangedAt
		s.items[id] = d
	}
}

func (s *MemoryStore) recordLocked(topic string, payload map[string]any) {
	s.outbox = append(s.outbox, OutboxMessage{Topic: topic, Payload: payload})
	if s.sink != nil {
		s.sink(topic, payload)
	}
}

func (s *MemoryStore) appendLocked(id, eventType string, from, to Status, actorID string, payload map[string]any, at time.Time) {
	evs := s.events[id]
	s.events[id] = append(evs, Event{
		DisputeID:  id,
		Seq:        int64(len(evs) + 1),
		Type:       eventType,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Payload:    payload,
		At:         at,
	})
}

func clone(d Dispute) Dispute {
	if d.NEFTReference != nil {
		v := *d.NEFTReference
		d.NEFTReference = &v
	}
	if d.RiskTier != nil {
		v := *d.RiskTier
		d.RiskTier = &v
	}
	if d.RiskScore != nil {
		v := *d.RiskScore
		d.RiskScore = &v
	}
	return d
}
