package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

// Store owns the contest.instances table. All writes except CreateContest go
// through the controller's lock-recheck-audit protocol.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateContestTx inserts a new SCHEDULED contest inside the caller's
// transaction. This is the only writer that bypasses the transition table:
// there is no prior state.
func (s *Store) CreateContestTx(ctx context.Context, tx *sql.Tx, inst *contest.Instance) error {
	cfg, err := contest.MarshalConfig(inst.Config)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contest.instances (id, status, lock_time, start_time, end_time, config, config_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, string(contest.StatusScheduled), inst.LockTime, inst.StartTime, inst.EndTime, cfg, inst.ConfigHash,
	)
	if err != nil {
		return fmt.Errorf("insert contest: %w", err)
	}
	return nil
}

// Get reads a contest without locking it.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*contest.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectInstance+` WHERE id = $1`, id)
	return scanInstance(row)
}

// GetForUpdate acquires an exclusive row lock on the contest inside tx and
// returns its current state. Status must be re-checked from this result
// after the lock is held, never inferred from a conditional UPDATE.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*contest.Instance, error) {
	row := tx.QueryRowContext(ctx, selectInstance+` WHERE id = $1 FOR UPDATE`, id)
	return scanInstance(row)
}

// UpdateStatusTx applies a status change under the caller's row lock.
func (s *Store) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, to contest.Status) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE contest.instances SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(to),
	)
	if err != nil {
		return fmt.Errorf("update contest status: %w", err)
	}
	return nil
}

// UpdateTimesTx applies scheduling time changes under the caller's row lock.
func (s *Store) UpdateTimesTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, lockTime, startTime, endTime time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contest.instances
		SET lock_time = $2, start_time = $3, end_time = $4, updated_at = NOW()
		WHERE id = $1`,
		id, lockTime, startTime, endTime,
	)
	if err != nil {
		return fmt.Errorf("update contest times: %w", err)
	}
	return nil
}

// DueForLock returns SCHEDULED contests whose lock_time has passed.
func (s *Store) DueForLock(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.dueIDs(ctx, contest.StatusScheduled, "lock_time", now, limit)
}

// DueForStart returns LOCKED contests whose start_time has passed.
func (s *Store) DueForStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.dueIDs(ctx, contest.StatusLocked, "start_time", now, limit)
}

// DueForSettlement returns LIVE contests whose end_time has passed.
func (s *Store) DueForSettlement(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.dueIDs(ctx, contest.StatusLive, "end_time", now, limit)
}

func (s *Store) dueIDs(ctx context.Context, status contest.Status, column string, now time.Time, limit int) ([]uuid.UUID, error) {
	// column is one of three fixed names above, never caller input.
	query := fmt.Sprintf(
		`SELECT id FROM contest.instances WHERE status = $1 AND %s <= $2 ORDER BY %s LIMIT $3`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query, string(status), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due contests: %w", err)
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

const selectInstance = `
	SELECT id, status, lock_time, start_time, end_time, config, config_hash, created_at, updated_at
	FROM contest.instances`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*contest.Instance, error) {
	var inst contest.Instance
	var status string
	var cfg []byte
	err := row.Scan(&inst.ID, &status, &inst.LockTime, &inst.StartTime, &inst.EndTime,
		&cfg, &inst.ConfigHash, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = contest.Status(status)
	inst.Config, err = contest.UnmarshalConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
