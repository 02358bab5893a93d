package payout

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

// Store owns the payout_jobs and payout_transfers tables. The unique
// constraints (one job per settlement, one transfer per (contest, user),
// one idempotency key) are the real duplication guarantees; every insert is
// insert-or-ignore against them.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertJobTx inserts the job if none exists for the settlement. Returns
// whether this call created it.
func (s *Store) InsertJobTx(ctx context.Context, tx *sql.Tx, job *contest.PayoutJob) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO contest.payout_jobs (id, settlement_id, contest_instance_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (settlement_id) DO NOTHING`,
		job.ID, job.SettlementID, job.ContestID, string(job.Status),
	)
	if err != nil {
		return false, fmt.Errorf("insert payout job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertTransfersTx bulk-inserts transfers for a job. Rows that collide on
// (contest_id, user_id) are ignored, so replayed scheduling converges on the
// existing transfer set. Returns the number of rows actually inserted.
func (s *Store) InsertTransfersTx(ctx context.Context, tx *sql.Tx, transfers []contest.PayoutTransfer) (int64, error) {
	if len(transfers) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO contest.payout_transfers
			(id, payout_job_id, contest_id, user_id, amount_cents, status,
			 attempt_count, max_attempts, idempotency_key, next_attempt_at)
		VALUES `)

	args := make([]interface{}, 0, len(transfers)*10)
	for i, t := range transfers {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, t.ID, t.PayoutJobID, t.ContestID, t.UserID, t.AmountCents,
			string(t.Status), t.AttemptCount, t.MaxAttempts, t.IdempotencyKey, t.NextAttemptAt)
	}
	sb.WriteString(` ON CONFLICT (contest_id, user_id) DO NOTHING`)

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert payout transfers: %w", err)
	}
	return res.RowsAffected()
}

// GetJob returns a job by id, or sql.ErrNoRows.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*contest.PayoutJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobBySettlement returns the job for a settlement, or sql.ErrNoRows.
func (s *Store) GetJobBySettlement(ctx context.Context, settlementID uuid.UUID) (*contest.PayoutJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE settlement_id = $1`, settlementID)
	return scanJob(row)
}

// ClaimTx locks one eligible transfer for exclusive execution. SKIP LOCKED
// makes concurrent executors claim disjoint rows without blocking; sql.ErrNoRows
// means nothing is due right now.
//
// Eligible: pending or retryable, attempts remaining, no external transfer id
// recorded, backoff deadline passed, and the owning job neither halted nor
// complete.
func (s *Store) ClaimTx(ctx context.Context, tx *sql.Tx, now time.Time) (*contest.PayoutTransfer, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT t.id, t.payout_job_id, t.contest_id, t.user_id, t.amount_cents,
		       t.status, t.attempt_count, t.max_attempts, t.external_transfer_id,
		       t.idempotency_key, t.next_attempt_at, t.last_error
		FROM contest.payout_transfers t
		JOIN contest.payout_jobs j ON j.id = t.payout_job_id
		WHERE t.status IN ('pending', 'retryable')
		  AND t.attempt_count < t.max_attempts
		  AND t.external_transfer_id IS NULL
		  AND t.next_attempt_at <= $1
		  AND NOT j.halted
		  AND j.status <> 'complete'
		ORDER BY t.next_attempt_at
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED`,
		now,
	)
	return scanTransfer(row)
}

// MarkProcessingTx moves a claimed transfer to processing and charges one
// attempt, under the claim's row lock. The job row is deliberately not
// touched here: updating it would hold the job lock for the whole adapter
// call and serialize sibling claims.
func (s *Store) MarkProcessingTx(ctx context.Context, tx *sql.Tx, transferID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contest.payout_transfers
		SET status = 'processing', attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1`,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("mark transfer processing: %w", err)
	}
	return nil
}

// MarkJobProcessing moves a pending job to processing. Bookkeeping only, run
// outside the claim transaction after the first attempt commits.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contest.payout_jobs
		SET status = 'processing'
		WHERE id = $1 AND status = 'pending'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// CompleteTransferTx records a successful attempt.
func (s *Store) CompleteTransferTx(ctx context.Context, tx *sql.Tx, transferID uuid.UUID, externalID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contest.payout_transfers
		SET status = 'completed', external_transfer_id = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1`,
		transferID, externalID,
	)
	if err != nil {
		return fmt.Errorf("complete transfer: %w", err)
	}
	return nil
}

// FailTransferTx records a failed attempt: retryable with a backoff deadline
// while attempts remain, failed_terminal otherwise.
func (s *Store) FailTransferTx(ctx context.Context, tx *sql.Tx, transferID uuid.UUID, status contest.TransferStatus, nextAttemptAt time.Time, lastError string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contest.payout_transfers
		SET status = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`,
		transferID, string(status), nextAttemptAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("fail transfer: %w", err)
	}
	return nil
}

// CompleteJobIfDone marks the job complete once every transfer is terminal.
// Halted jobs never complete automatically. Returns whether this call made
// the job complete.
func (s *Store) CompleteJobIfDone(ctx context.Context, jobID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contest.payout_jobs j
		SET status = 'complete'
		WHERE j.id = $1
		  AND j.status <> 'complete'
		  AND NOT j.halted
		  AND NOT EXISTS (
			SELECT 1 FROM contest.payout_transfers t
			WHERE t.payout_job_id = j.id
			  AND t.status NOT IN ('completed', 'failed_terminal')
		  )`,
		jobID,
	)
	if err != nil {
		return false, fmt.Errorf("complete payout job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StalledJobs lists unhalted, incomplete jobs whose transfers are all
// terminal. A crash between the final attempt's commit and CompleteJobIfDone
// strands the job in processing; the sweep drains these.
func (s *Store) StalledJobs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id
		FROM contest.payout_jobs j
		WHERE j.status <> 'complete'
		  AND NOT j.halted
		  AND NOT EXISTS (
			SELECT 1 FROM contest.payout_transfers t
			WHERE t.payout_job_id = j.id
			  AND t.status NOT IN ('completed', 'failed_terminal')
		  )
		ORDER BY j.created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stalled jobs: %w", err)
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

// HaltJob stops automated processing for a job. Set on reconciliation
// mismatch; only an operator clears it.
func (s *Store) HaltJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contest.payout_jobs SET halted = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("halt payout job: %w", err)
	}
	return nil
}

// TransfersForJob returns all transfers for a job, in insertion order.
func (s *Store) TransfersForJob(ctx context.Context, jobID uuid.UUID) ([]contest.PayoutTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payout_job_id, contest_id, user_id, amount_cents,
		       status, attempt_count, max_attempts, external_transfer_id,
		       idempotency_key, next_attempt_at, last_error
		FROM contest.payout_transfers
		WHERE payout_job_id = $1
		ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []contest.PayoutTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

const selectJob = `
	SELECT id, settlement_id, contest_instance_id, status, halted, created_at
	FROM contest.payout_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*contest.PayoutJob, error) {
	var job contest.PayoutJob
	var status string
	err := row.Scan(&job.ID, &job.SettlementID, &job.ContestID, &status, &job.Halted, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = contest.JobStatus(status)
	return &job, nil
}

func scanTransfer(row rowScanner) (*contest.PayoutTransfer, error) {
	var t contest.PayoutTransfer
	var status string
	err := row.Scan(&t.ID, &t.PayoutJobID, &t.ContestID, &t.UserID, &t.AmountCents,
		&status, &t.AttemptCount, &t.MaxAttempts, &t.ExternalTransferID,
		&t.IdempotencyKey, &t.NextAttemptAt, &t.LastError)
	if err != nil {
		return nil, err
	}
	t.Status = contest.TransferStatus(status)
	return &t, nil
}
