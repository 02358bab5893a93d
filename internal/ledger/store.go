// Package ledger is the append-only financial journal and the sole
// reconciliation source of truth. Entries are inserted with idempotency-key
// deduplication; no update or delete operation exists.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

// EntryKey derives the ledger idempotency key for one attempt outcome.
// Exactly one entry exists per (transfer, attempt) regardless of outcome.
func EntryKey(transferID uuid.UUID, attempt int) string {
	return fmt.Sprintf("ledger:%s:%d", transferID, attempt)
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendTx appends one entry inside the caller's transaction. A repeated key
// is silently ignored (insert-or-ignore); the return value reports whether a
// row was actually written.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, entry contest.LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO contest.ledger_entries (idempotency_key, reference_id, direction, amount_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.IdempotencyKey, entry.ReferenceID, entry.Direction, entry.AmountCents,
	)
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SumDebitsForReference returns the total debited cents for one reference
// (e.g. a payout job id). Failed attempts carry direction "attempt" and do
// not count toward the debit total.
func (s *Store) SumDebitsForReference(ctx context.Context, referenceID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM contest.ledger_entries
		WHERE reference_id = $1 AND direction = $2`,
		referenceID, contest.DirectionDebit,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger debits: %w", err)
	}
	return total, nil
}

// EntriesForReference returns all entries for one reference, oldest first.
func (s *Store) EntriesForReference(ctx context.Context, referenceID string) ([]contest.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, reference_id, direction, amount_cents, created_at
		FROM contest.ledger_entries
		WHERE reference_id = $1
		ORDER BY id`,
		referenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []contest.LedgerEntry
	for rows.Next() {
		var e contest.LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.ReferenceID, &e.Direction, &e.AmountCents, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reconcile compares the ledger's debit total for a payout job against the
// amount the payment processor reports as transferred. A mismatch is fatal
// for the job: it is surfaced as ReconciliationMismatchError and never
// auto-corrected.
func (s *Store) Reconcile(ctx context.Context, jobID uuid.UUID, observedCents int64) error {
	ledgerCents, err := s.SumDebitsForReference(ctx, jobID.String())
	if err != nil {
		return err
	}
	if ledgerCents != observedCents {
		return &contest.ReconciliationMismatchError{
			JobID:         jobID,
			LedgerCents:   ledgerCents,
			ObservedCents: observedCents,
		}
	}
	return nil
}
