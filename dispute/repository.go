package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `id::text, transaction_id, merchant_upi, amount_minor, customer_phone, reason,
	status, message, neft_reference, risk_tier, risk_score, verification_attempts, version,
	created_at, updated_at, status_changed_at`

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (r *PGStore) Create(ctx context.Context, d Dispute) (Dispute, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO disputes (id, transaction_id, merchant_upi, amount_minor, customer_phone, reason, status, message)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7)
		RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.ID, d.TransactionID, d.MerchantUPI, d.Amount, d.CustomerPhone, d.Reason, d.Message))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "disputes_transaction_id_key" {
				return Dispute{}, ErrDuplicateTransaction
			}
			return Dispute{}, fmt.Errorf("dispute: duplicate id %s: %w", d.ID, err)
		}
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}

	filed := map[string]any{
		"transaction_id": created.TransactionID,
		"amount_minor":   created.Amount,
		"merchant_upi":   created.MerchantUPI,
	}
	if err := appendEvent(ctx, tx, created.ID, EventFiled, "", StatusPending, "", filed); err != nil {
		return Dispute{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicDisputeFiled, outboxPayload(created, "")); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return created, nil
}

func (r *PGStore) Get(ctx context.Context, id string) (Dispute, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Dispute{}, ErrNotFound
	}

	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGStore) ListByPhone(ctx context.Context, phone string) ([]Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE customer_phone = $1 ORDER BY created_at DESC`
	return r.list(ctx, "list by phone", query, phone)
}

func (r *PGStore) ListStale(ctx context.Context, q StaleQuery) ([]Dispute, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}

	const query = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE status = ANY($1) AND status_changed_at < $2
		ORDER BY status_changed_at ASC
		LIMIT $3`
	return r.list(ctx, "list stale", query, statuses, q.Before, q.limit())
}

func (r *PGStore) list(ctx context.Context, op, query string, args ...any) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Transition applies a guarded status change. The status update, audit event
// and outbox row commit together or not at all.
func (r *PGStore) Transition(ctx context.Context, p TransitionParams) (Dispute, error) {
	if err := CheckTransition(p); err != nil {
		return Dispute{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		neftRef  *string
		riskTier *string
		attempts int
	)
	if p.NEFTReference != "" {
		neftRef = &p.NEFTReference
	}
	if p.RiskTier != "" {
		riskTier = &p.RiskTier
	}
	if p.CountAttempt {
		attempts = 1
	}

	const updateSQL = `
		UPDATE disputes
		SET status = $3,
		    message = $4,
		    neft_reference = $5,
		    risk_tier = COALESCE($6, risk_tier),
		    risk_score = COALESCE($7, risk_score),
		    verification_attempts = verification_attempts + $8,
		    version = version + 1,
		    updated_at = now(),
		    status_changed_at = now()
		WHERE id = $1
		  AND status = $2
		  AND ($9::bigint = 0 OR version = $9::bigint)
		RETURNING ` + disputeColumns

	updated, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		p.ID, string(p.From), string(p.To), p.Message, neftRef, riskTier, p.RiskScore, attempts, p.ExpectedVersion))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fmt.Errorf("dispute: update status: %w", err)
		}
		return Dispute{}, r.conflict(ctx, tx, p)
	}

	if err := appendEvent(ctx, tx, p.ID, defaultEventType(p), p.From, p.To, p.ActorID, eventPayload(p, updated.Version)); err != nil {
		return Dispute{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicStatusChanged, outboxPayload(updated, p.From)); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return updated, nil
}

func (r *PGStore) conflict(ctx context.Context, tx pgx.Tx, p TransitionParams) error {
	var (
		status  Status
		version int64
	)
	err := tx.QueryRow(ctx, `SELECT status, version FROM disputes WHERE id = $1`, p.ID).Scan(&status, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: transition fetch: %w", err)
	}
	return &ConflictError{
		ID:              p.ID,
		ExpectedStatus:  p.From,
		ActualStatus:    status,
		ExpectedVersion: p.ExpectedVersion,
		ActualVersion:   version,
	}
}

func (r *PGStore) Events(ctx context.Context, id string) ([]Event, error) {
	const query = `
		SELECT dispute_id::text, seq, type, COALESCE(from_status, ''), to_status, COALESCE(actor_id, ''), payload, created_at
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.DisputeID, &ev.Seq, &ev.Type, &ev.FromStatus, &ev.ToStatus, &ev.ActorID, &raw, &ev.At); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("dispute: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, disputeID, eventType string, from, to Status, actorID string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal event payload: %w", err)
	}

	var fromPtr, actorPtr *string
	if from != "" {
		f := string(from)
		fromPtr = &f
	}
	if actorID != "" {
		actorPtr = &actorID
	}

	const insertSQL = `
		INSERT INTO dispute_events (dispute_id, seq, type, from_status, to_status, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6::jsonb
		FROM dispute_events
		WHERE dispute_id = $1`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, eventType, fromPtr, string(to), actorPtr, payloadBytes); err != nil {
		return fmt.Errorf("dispute: insert event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.TransactionID,
		&d.MerchantUPI,
		&d.Amount,
		&d.CustomerPhone,
		&d.Reason,
		&d.Status,
		&d.Message,
		&d.NEFTReference,
		&d.RiskTier,
		&d.RiskScore,
		&d.VerificationAttempts,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.StatusChangedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
