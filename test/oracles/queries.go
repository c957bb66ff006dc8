package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_neft_iff_refunded",
			SQL: `SELECT id, status, neft_reference FROM disputes
                  WHERE (neft_reference IS NOT NULL) <> (status = 'REFUND_INITIATED')`,
		},
		{
			Name: "O2_refund_matches_ledger",
			SQL: `SELECT d.id, d.neft_reference, r.reference FROM disputes d
                  LEFT JOIN refund_instructions r ON r.dispute_id = d.id
                  WHERE d.status = 'REFUND_INITIATED'
                    AND (r.reference IS NULL OR r.reference <> d.neft_reference OR r.amount_minor <> d.amount_minor)`,
		},
		{
			Name: "O3_event_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY dispute_id ORDER BY seq) AS pos
                      FROM dispute_events)
                  SELECT * FROM seqs WHERE seq <> pos`,
		},
		{
			Name: "O4_last_event_matches_status",
			SQL: `SELECT d.id, d.status, e.to_status FROM disputes d
                  JOIN LATERAL (
                      SELECT to_status FROM dispute_events
                      WHERE dispute_id = d.id ORDER BY seq DESC LIMIT 1) e ON true
                  WHERE e.to_status <> d.status`,
		},
		{
			Name: "O5_one_refund_event",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_events
                  WHERE type = 'REFUND_INITIATED'
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_dispute_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'disputes_no_delete')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
