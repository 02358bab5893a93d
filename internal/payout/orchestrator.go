package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/ledger"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/settlement"
)

// TransferKey derives the processor idempotency key for one recipient. The
// key is a pure function of (contest, user): however many times scheduling or
// execution is replayed, the processor sees the same key.
func TransferKey(contestID, userID uuid.UUID) string {
	return fmt.Sprintf("transfer:%s:%s", contestID, userID)
}

// Orchestrator creates payout jobs and their transfers from settlement
// records. Scheduling is idempotent end to end: replaying a settlement-
// completed signal, or racing the re-drive sweep against the live consumer,
// converges on the same job and transfer set.
type Orchestrator struct {
	db          *sql.DB
	store       *Store
	settlements *settlement.Store
	ledger      *ledger.Store
	metrics     *observability.Metrics
	log         zerolog.Logger
	maxAttempts int
}

func NewOrchestrator(db *sql.DB, store *Store, settlements *settlement.Store, ledgerStore *ledger.Store, metrics *observability.Metrics, maxAttempts int) *Orchestrator {
	return &Orchestrator{
		db:          db,
		store:       store,
		settlements: settlements,
		ledger:      ledgerStore,
		metrics:     metrics,
		log:         observability.NewLogger("payout"),
		maxAttempts: maxAttempts,
	}
}

// ScheduleForSettlement creates the payout job and transfers for one
// settlement. Job and transfers are inserted in one transaction; both inserts
// are insert-or-ignore, so a partial earlier run (job committed, process
// died) is repaired by the next call.
func (o *Orchestrator) ScheduleForSettlement(ctx context.Context, settlementID uuid.UUID) (*contest.PayoutJob, error) {
	rec, err := o.settlements.Get(ctx, settlementID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("settlement %s not found", settlementID)
	}
	if err != nil {
		return nil, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job := &contest.PayoutJob{
		ID:           uuid.New(),
		SettlementID: rec.ID,
		ContestID:    rec.ContestID,
		Status:       contest.JobPending,
	}
	created, err := o.store.InsertJobTx(ctx, tx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		// A job already exists; reuse its id so transfers attach to it.
		existing, err := o.jobBySettlementTx(ctx, tx, rec.ID)
		if err != nil {
			return nil, err
		}
		job = existing
	}

	now := time.Now()
	transfers := make([]contest.PayoutTransfer, 0, len(rec.Allocations))
	for _, alloc := range rec.Allocations {
		if alloc.AmountCents <= 0 {
			continue
		}
		transfers = append(transfers, contest.PayoutTransfer{
			ID:             uuid.New(),
			PayoutJobID:    job.ID,
			ContestID:      rec.ContestID,
			UserID:         alloc.UserID,
			AmountCents:    alloc.AmountCents,
			Status:         contest.TransferPending,
			MaxAttempts:    o.maxAttempts,
			IdempotencyKey: TransferKey(rec.ContestID, alloc.UserID),
			NextAttemptAt:  now,
		})
	}
	inserted, err := o.store.InsertTransfersTx(ctx, tx, transfers)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	if created {
		o.metrics.PayoutJobsCreated.Inc()
	}
	o.metrics.TransfersCreated.Add(float64(inserted))

	o.log.Info().
		Str("settlement_id", rec.ID.String()).
		Str("job_id", job.ID.String()).
		Bool("created", created).
		Int64("transfers_inserted", inserted).
		Int("allocations", len(rec.Allocations)).
		Msg("payout scheduled")

	return job, nil
}

// ScheduleMissing is the sweep backstop for lost settlement-completed
// signals: it finds settlements with no payout job and schedules them.
func (o *Orchestrator) ScheduleMissing(ctx context.Context, limit int) (int, error) {
	ids, err := o.settlements.MissingPayoutJobs(ctx, limit)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, id := range ids {
		if _, err := o.ScheduleForSettlement(ctx, id); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// CompleteStalled closes jobs whose transfers are all terminal but whose
// status never flipped, which happens when the process dies between the last
// attempt's commit and the completion check. Claims skip such jobs entirely,
// so only this sweep recovers them.
func (o *Orchestrator) CompleteStalled(ctx context.Context, limit int) (int, error) {
	ids, err := o.store.StalledJobs(ctx, limit)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		done, err := o.store.CompleteJobIfDone(ctx, id)
		if err != nil {
			return completed, err
		}
		if done {
			o.metrics.JobsCompleted.Inc()
			o.log.Info().Str("job_id", id.String()).Msg("stalled payout job completed")
			completed++
		}
	}
	return completed, nil
}

// Reconcile compares the ledger debit total for a job against the amount the
// processor reports. A mismatch halts the job and surfaces the typed error;
// nothing is auto-corrected.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID uuid.UUID, observedCents int64) error {
	err := o.ledger.Reconcile(ctx, jobID, observedCents)
	if err == nil {
		return nil
	}

	var mismatch *contest.ReconciliationMismatchError
	if errors.As(err, &mismatch) {
		o.metrics.ReconcileMismatches.Inc()
		if herr := o.store.HaltJob(ctx, jobID); herr != nil {
			return herr
		}
		o.metrics.JobsHalted.Inc()
		o.log.Error().
			Str("job_id", jobID.String()).
			Int64("ledger_cents", mismatch.LedgerCents).
			Int64("observed_cents", mismatch.ObservedCents).
			Msg("reconciliation mismatch, job halted")
	}
	return err
}

func (o *Orchestrator) jobBySettlementTx(ctx context.Context, tx *sql.Tx, settlementID uuid.UUID) (*contest.PayoutJob, error) {
	row := tx.QueryRowContext(ctx, selectJob+` WHERE settlement_id = $1`, settlementID)
	return scanJob(row)
}
