package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// Ledger keeps abandoned targets in the abandoned_targets table.
type Ledger struct {
	pool querier
}

var _ store.AbandonLedger = (*Ledger)(nil)

// NewLedger builds a ledger over pool.
func NewLedger(pool querier) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool}, nil
}

const recordAbandonSQL = `
INSERT INTO abandoned_targets (target, reason, last_outcome, abandoned_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (target) DO UPDATE SET
	reason = EXCLUDED.reason,
	last_outcome = EXCLUDED.last_outcome,
	abandoned_at = EXCLUDED.abandoned_at`

// RecordAbandon stores or replaces the entry for a.Target.
func (l *Ledger) RecordAbandon(ctx context.Context, a store.Abandonment) error {
	if _, err := l.pool.Exec(ctx, recordAbandonSQL, a.Target, a.Reason, a.LastOutcome, a.AbandonedAt); err != nil {
		return fmt.Errorf("record abandon: %w", err)
	}
	return nil
}

// Lookup returns the entry for target.
func (l *Ledger) Lookup(ctx context.Context, target string) (store.Abandonment, bool, error) {
	var a store.Abandonment
	err := l.pool.QueryRow(ctx,
		`SELECT target, reason, last_outcome, abandoned_at FROM abandoned_targets WHERE target = $1`,
		target,
	).Scan(&a.Target, &a.Reason, &a.LastOutcome, &a.AbandonedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Abandonment{}, false, nil
	}
	if err != nil {
		return store.Abandonment{}, false, fmt.Errorf("lookup abandon: %w", err)
	}
	return a, true, nil
}

// Clear forgets target.
func (l *Ledger) Clear(ctx context.Context, target string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM abandoned_targets WHERE target = $1`, target); err != nil {
		return fmt.Errorf("clear abandon: %w", err)
	}
	return nil
}
