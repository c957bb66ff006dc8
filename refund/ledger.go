package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger records issued refunds, one per dispute.
type Ledger interface {
	Lookup(ctx context.Context, disputeID string) (Instruction, error)
	// Record stores ins unless the dispute already has an instruction. It
	// returns the stored instruction; a stored reference that differs from
	// ins.Reference yields ErrReferenceMismatch.
	Record(ctx context.Context, ins Instruction) (Instruction, error)
}

const instructionColumns = `dispute_id::text, reference, amount_minor, destination, attempts, created_at`

type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Lookup(ctx context.Context, disputeID string) (Instruction, error) {
	const query = `SELECT ` + instructionColumns + ` FROM refund_instructions WHERE dispute_id = $1`
	ins, err := scanInstruction(l.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instruction{}, ErrNotFound
		}
		return Instruction{}, fmt.Errorf("refund: lookup: %w", err)
	}
	return ins, nil
}

func (l *PGLedger) Record(ctx context.Context, ins Instruction) (Instruction, error) {
	const insertSQL = `
		INSERT INTO refund_instructions (dispute_id, reference, amount_minor, destination, attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dispute_id) DO NOTHING
		RETURNING ` + instructionColumns

	stored, err := scanInstruction(l.pool.QueryRow(ctx, insertSQL,
		ins.DisputeID, ins.Reference, ins.Amount, ins.Destination, ins.Attempts))
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Another writer recorded first.
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "refund_instructions_reference_key" {
			return Instruction{}, fmt.Errorf("%w: reference %s already used by another dispute", ErrReferenceMismatch, ins.Reference)
		}
		return Instruction{}, fmt.Errorf("refund: record: %w", err)
	}

	existing, err := l.Lookup(ctx, ins.DisputeID)
	if err != nil {
		return Instruction{}, err
	}
	if existing.Reference != ins.Reference {
		return existing, fmt.Errorf("%w: dispute %s has %s, got %s", ErrReferenceMismatch, ins.DisputeID, existing.Reference, ins.Reference)
	}
	return existing, nil
}

func scanInstruction(row pgx.Row) (Instruction, error) {
	var ins Instruction
	err := row.Scan(&ins.DisputeID, &ins.Reference, &ins.Amount, &ins.Destination, &ins.Attempts, &ins.CreatedAt)
	return ins, err
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu    sync.Mutex
	items map[string]Instruction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{items: make(map[string]Instruction)}
}

func (l *MemoryLedger) Lookup(_ context.Context, disputeID string) (Instruction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ins, ok := l.items[disputeID]
	if !ok {
		return Instruction{}, ErrNotFound
	}
	return ins, nil
}

func (l *MemoryLedger) Record(_ context.Context, ins Instruction) (Instruction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.items[ins.DisputeID]; ok {
		if existing.Reference != ins.Reference {
			return existing, fmt.Errorf("%w: dispute %s has %s, got %s", ErrReferenceMismatch, ins.DisputeID, existing.Reference, ins.Reference)
		}
		return existing, nil
	}
	for _, other := range l.items {
		if other.Reference == ins.Reference {
			return Instruction{}, fmt.Errorf("%w: reference %s already used by another dispute", ErrReferenceMismatch, ins.Reference)
		}
	}
	ins.CreatedAt = time.Now().UTC()
	l.items[ins.DisputeID] = ins
	return ins, nil
}

// Len returns the number of recorded instructions.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
