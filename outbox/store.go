// Package outbox relays messages written alongside dispute state changes to
// the notification publisher. Delivery is at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// Handler publishes one message. A nil error marks it processed.
type Handler func(ctx context.Context, m Message) error

// Report summarises one relay pass.
type Report struct {
	Claimed   int
	Processed int
	Retried   int
	Dead      int
}

// Store hands out pending messages. A claimed message is invisible to other
// relays until it is marked or its claim lapses, and no lock or transaction
// is held while handle runs. Messages that fail maxAttempts times are marked
// dead.
type Store interface {
	Process(ctx context.Context, limit, maxAttempts int, handle Handler) (Report, error)
}

const defaultClaimTTL = time.Minute

// PGStore claims outbox rows by stamping claimed_until in one short
// statement, then marks each row in its own statement after handle returns.
type PGStore struct {
	pool     *pgxpool.Pool
	claimTTL time.Duration
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, claimTTL: defaultClaimTTL}
}

// WithClaimTTL sets how long a claim hides a row from other relays. It
// should outlast one publish including its retries.
func (s *PGStore) WithClaimTTL(ttl time.Duration) *PGStore {
	if ttl > 0 {
		s.claimTTL = ttl
	}
	return s
}

const (
	claimSQL = `
		UPDATE outbox
		SET claimed_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending'
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $1)
		RETURNING id, topic, payload, attempts, claimed_until`

	// Marks only apply while our claim is still the current one.
	processedSQL = `
		UPDATE outbox
		SET status = 'processed', attempts = attempts + 1, last_error = NULL,
		    processed_at = now(), claimed_until = NULL
		WHERE id = $1 AND claimed_until = $2`

	failedSQL = `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $3, claimed_until = NULL,
		    status = CASE WHEN attempts + 1 >= $4 THEN 'dead' ELSE 'pending' END
		WHERE id = $1 AND claimed_until = $2`

	releaseSQL = `UPDATE outbox SET claimed_until = NULL WHERE id = ANY($1) AND claimed_until = $2`
)

func (s *PGStore) Process(ctx context.Context, limit, maxAttempts int, handle Handler) (Report, error) {
	var report Report

	batch, token, err := s.claim(ctx, limit)
	if err != nil {
		return report, err
	}
	report.Claimed = len(batch)

	var errs []error
	for i, m := range batch {
		if ctx.Err() != nil {
			s.release(ctx, batch[i:], token)
			errs = append(errs, ctx.Err())
			break
		}

		if herr := handle(ctx, m); herr != nil {
			tag, err := s.pool.Exec(context.WithoutCancel(ctx), failedSQL, m.ID, token, herr.Error(), maxAttempts)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("outbox: mark failed %d: %w", m.ID, err))
			case tag.RowsAffected() == 0:
				// Claim lapsed and another relay took the row over.
			case m.Attempts+1 >= maxAttempts:
				report.Dead++
			default:
				report.Retried++
			}
			continue
		}

		tag, err := s.pool.Exec(context.WithoutCancel(ctx), processedSQL, m.ID, token)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("outbox: mark processed %d: %w", m.ID, err))
		case tag.RowsAffected() > 0:
			report.Processed++
		}
	}
	return report, errors.Join(errs...)
}

func (s *PGStore) claim(ctx context.Context, limit int) ([]Message, time.Time, error) {
	rows, err := s.pool.Query(ctx, claimSQL, limit, s.claimTTL.Seconds())
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var (
		batch = make([]Message, 0, limit)
		token time.Time
	)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &token); err != nil {
			return nil, time.Time{}, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("outbox: claim: %w", err)
	}
	// RETURNING carries no order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	return batch, token, nil
}

// release hands unhandled rows back so the next pass does not wait out the claim.
func (s *PGStore) release(ctx context.Context, rest []Message, token time.Time) {
	ids := make([]int64, len(rest))
	for i, m := range rest {
		ids[i] = m.ID
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = s.pool.Exec(rctx, releaseSQL, ids, token)
}

type memoryRow struct {
	Message
	status    string
	lastError string
	claimed   bool
	created   time.Time
}

// MemoryStore is the in-process counterpart of PGStore.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memoryRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*memoryRow)}
}

// Enqueue adds a pending message. Its signature matches
// dispute.MemoryStore's outbox sink.
func (s *MemoryStore) Enqueue(topic string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[s.nextID] = &memoryRow{
		Message: Message{ID: s.nextID, Topic: topic, Payload: raw},
		status:  "pending",
		created: time.Now(),
	}
}

// Pending counts messages not yet processed or dead.
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.rows {
		if r.status == "pending" {
			n++
		}
	}
	return n
}

// Dead counts messages that exhausted their attempts.
func (s *MemoryStore) Dead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.rows {
		if r.status == "dead" {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Process(ctx context.Context, limit, maxAttempts int, handle Handler) (Report, error) {
	batch := s.claim(limit)
	report := Report{Claimed: len(batch)}

	for i, m := range batch {
		if err := ctx.Err(); err != nil {
			s.release(batch[i:])
			return report, err
		}
		herr := handle(ctx, m)

		s.mu.Lock()
		r := s.rows[m.ID]
		r.claimed = false
		r.Attempts++
		switch {
		case herr == nil:
			r.status = "processed"
			r.lastError = ""
			report.Processed++
		case r.Attempts >= maxAttempts:
			r.status = "dead"
			r.lastError = herr.Error()
			report.Dead++
		default:
			r.lastError = herr.Error()
			report.Retried++
		}
		s.mu.Unlock()
	}
	return report, nil
}

func (s *MemoryStore) claim(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.rows))
	for id, r := range s.rows {
		if r.status == "pending" && !r.claimed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		r := s.rows[id]
		r.claimed = true
		out = append(out, r.Message)
	}
	return out
}

func (s *MemoryStore) release(rest []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rest {
		s.rows[m.ID].claimed = false
	}
}
