package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

// Store persists settlement records. Creation is insert-or-ignore on the
// contest id unique constraint: concurrent or replayed settlement attempts
// converge to the single existing record.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts the settlement record if none exists for the contest, then
// returns the authoritative row. The created flag reports whether this call
// inserted it. A pre-existing record with a different results hash means the
// settlement inputs were not actually locked; that is an invariant breach,
// not a retry case.
func (s *Store) Create(ctx context.Context, out *Outcome) (*contest.SettlementRecord, bool, error) {
	allocations, err := json.Marshal(out.Allocations)
	if err != nil {
		return nil, false, fmt.Errorf("marshal allocations: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contest.settlements
			(id, contest_instance_id, results_hash, participant_count, total_pool_cents, allocations)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contest_instance_id) DO NOTHING`,
		uuid.New(), out.ContestID, out.ResultsHash, out.ParticipantCount, out.TotalPoolCents, allocations,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	created := n > 0

	rec, err := s.GetByContest(ctx, out.ContestID)
	if err != nil {
		return nil, false, err
	}
	if rec.ResultsHash != out.ResultsHash {
		return nil, false, fmt.Errorf("settlement replay divergence for contest %s: stored hash %s, computed %s",
			out.ContestID, rec.ResultsHash, out.ResultsHash)
	}
	return rec, created, nil
}

// GetByContest returns the settlement record for a contest, or sql.ErrNoRows.
func (s *Store) GetByContest(ctx context.Context, contestID uuid.UUID) (*contest.SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contest_instance_id, results_hash, participant_count, total_pool_cents, allocations, created_at
		FROM contest.settlements
		WHERE contest_instance_id = $1`,
		contestID,
	)
	return scanRecord(row)
}

// Get returns a settlement record by id, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*contest.SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contest_instance_id, results_hash, participant_count, total_pool_cents, allocations, created_at
		FROM contest.settlements
		WHERE id = $1`,
		id,
	)
	return scanRecord(row)
}

// ExistsForContest reports whether a settlement record exists. Used by
// resolveError(COMPLETE) to verify the settlement before applying the
// ADMIN transition.
func (s *Store) ExistsForContest(ctx context.Context, contestID uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM contest.settlements WHERE contest_instance_id = $1`, contestID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement exists check: %w", err)
	}
	return true, nil
}

// MissingPayoutJobs returns settlement ids that have no payout job yet.
// The payout re-drive sweep uses this as a backstop for lost signals.
func (s *Store) MissingPayoutJobs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id
		FROM contest.settlements s
		LEFT JOIN contest.payout_jobs j ON j.settlement_id = s.id
		WHERE j.id IS NULL
		ORDER BY s.created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query settlements without jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecord(row *sql.Row) (*contest.SettlementRecord, error) {
	var rec contest.SettlementRecord
	var allocations []byte
	err := row.Scan(&rec.ID, &rec.ContestID, &rec.ResultsHash, &rec.ParticipantCount,
		&rec.TotalPoolCents, &allocations, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocations, &rec.Allocations); err != nil {
		return nil, fmt.Errorf("unmarshal allocations: %w", err)
	}
	return &rec, nil
}
