package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/ledger"
	"ContestLedger/internal/observability"
)

// RetryPolicy paces transfer retries: base * 2^(attempt-1), capped at max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt, given the attempt count
// just charged (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Executor claims and executes transfers one at a time. The entire attempt
// (claim, processing mark, adapter call, ledger entry, outcome) runs in a
// single transaction holding the transfer's row lock, so no two executors
// can ever act on the same transfer concurrently.
type Executor struct {
	db      *sql.DB
	store   *Store
	ledger  *ledger.Store
	adapter PaymentAdapter
	retry   RetryPolicy
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewExecutor(db *sql.DB, store *Store, ledgerStore *ledger.Store, adapter PaymentAdapter, retry RetryPolicy, metrics *observability.Metrics) *Executor {
	return &Executor{
		db:      db,
		store:   store,
		ledger:  ledgerStore,
		adapter: adapter,
		retry:   retry,
		metrics: metrics,
		log:     observability.NewLogger("payout-executor"),
		now:     time.Now,
	}
}

// RunOnce claims and executes at most one transfer. Returns whether a
// transfer was claimed; (false, nil) means nothing is due.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := e.now()
	transfer, err := e.store.ClaimTx(ctx, tx, now)
	if err == sql.ErrNoRows {
		e.metrics.ClaimEmpty.Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim transfer: %w", err)
	}

	if err := e.store.MarkProcessingTx(ctx, tx, transfer.ID); err != nil {
		return false, err
	}
	attempt := transfer.AttemptCount + 1

	result, callErr := e.callAdapter(ctx, transfer)

	// Exactly one ledger entry per attempt, success or failure. The key is
	// derived from (transfer, attempt), so a replay of this attempt after a
	// crash-and-retry dedupes against the committed row.
	entry := contest.LedgerEntry{
		IdempotencyKey: ledger.EntryKey(transfer.ID, attempt),
		ReferenceID:    transfer.PayoutJobID.String(),
		Direction:      contest.DirectionAttempt,
		AmountCents:    transfer.AmountCents,
	}
	if callErr == nil {
		entry.Direction = contest.DirectionDebit
	}
	inserted, err := e.ledger.AppendTx(ctx, tx, entry)
	if err != nil {
		return false, err
	}
	if inserted {
		e.metrics.LedgerAppends.WithLabelValues(entry.Direction).Inc()
	} else {
		e.metrics.LedgerDuplicates.Inc()
	}

	terminal, err := e.applyOutcome(ctx, tx, transfer, attempt, result, callErr)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	// Best effort: the job status flip is bookkeeping, and the stalled-job
	// sweep repairs any miss.
	if err := e.store.MarkJobProcessing(ctx, transfer.PayoutJobID); err != nil {
		e.log.Warn().Err(err).Str("job_id", transfer.PayoutJobID.String()).Msg("job processing mark failed")
	}

	if terminal {
		if done, err := e.store.CompleteJobIfDone(ctx, transfer.PayoutJobID); err != nil {
			e.log.Error().Err(err).Str("job_id", transfer.PayoutJobID.String()).Msg("job completion check failed")
		} else if done {
			e.metrics.JobsCompleted.Inc()
			e.log.Info().Str("job_id", transfer.PayoutJobID.String()).Msg("payout job complete")
		}
	}
	return true, nil
}

func (e *Executor) callAdapter(ctx context.Context, t *contest.PayoutTransfer) (*TransferResult, error) {
	start := time.Now()
	result, err := e.adapter.CreateTransfer(ctx, TransferRequest{
		IdempotencyKey: t.IdempotencyKey,
		ContestID:      t.ContestID,
		UserID:         t.UserID,
		AmountCents:    t.AmountCents,
	})
	e.metrics.AdapterCallDuration.Observe(time.Since(start).Seconds())
	return result, err
}

// applyOutcome writes the transfer's post-attempt state. Returns whether the
// transfer reached a terminal state.
func (e *Executor) applyOutcome(ctx context.Context, tx *sql.Tx, t *contest.PayoutTransfer, attempt int, result *TransferResult, callErr error) (bool, error) {
	if callErr == nil {
		if err := e.store.CompleteTransferTx(ctx, tx, t.ID, result.ExternalTransferID); err != nil {
			return false, err
		}
		e.metrics.TransferAttempts.WithLabelValues("success").Inc()
		e.metrics.TransferTerminal.WithLabelValues(string(contest.TransferCompleted)).Inc()
		e.log.Info().
			Str("transfer_id", t.ID.String()).
			Str("external_transfer_id", result.ExternalTransferID).
			Int("attempt", attempt).
			Msg("transfer completed")
		return true, nil
	}

	class := Classify(callErr)
	exhausted := attempt >= t.MaxAttempts

	status := contest.TransferRetryable
	if class == contest.ClassPermanent || exhausted {
		status = contest.TransferFailedTerminal
	}
	nextAttempt := e.now()
	if status == contest.TransferRetryable {
		nextAttempt = nextAttempt.Add(e.retry.Delay(attempt))
	}

	if err := e.store.FailTransferTx(ctx, tx, t.ID, status, nextAttempt, callErr.Error()); err != nil {
		return false, err
	}

	e.metrics.TransferAttempts.WithLabelValues(string(class)).Inc()
	if status.TerminalTransfer() {
		e.metrics.TransferTerminal.WithLabelValues(string(status)).Inc()
	}

	e.log.Warn().
		Str("transfer_id", t.ID.String()).
		Int("attempt", attempt).
		Int("max_attempts", t.MaxAttempts).
		Str("classification", string(class)).
		Str("status", string(status)).
		Err(callErr).
		Msg("transfer attempt failed")

	return status.TerminalTransfer(), nil
}
