package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/ledger"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/settlement"
	"ContestLedger/internal/testutil"
)

var testMetrics = observability.NewMetrics()

// scriptedAdapter returns queued outcomes in order, then succeeds.
type scriptedAdapter struct {
	mu      sync.Mutex
	queue   []error
	calls   []TransferRequest
	latency time.Duration
}

func (a *scriptedAdapter) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	var next error
	if len(a.queue) > 0 {
		next = a.queue[0]
		a.queue = a.queue[1:]
	}
	a.mu.Unlock()

	if a.latency > 0 {
		time.Sleep(a.latency)
	}
	if next != nil {
		return nil, next
	}
	return &TransferResult{ExternalTransferID: "ext-" + req.IdempotencyKey}, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type payoutEnv struct {
	db           *sql.DB
	store        *Store
	ledger       *ledger.Store
	settlements  *settlement.Store
	orchestrator *Orchestrator
	adapter      *scriptedAdapter
	executor     *Executor
}

func setupPayout(t *testing.T, maxAttempts int) (*payoutEnv, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)

	store := NewStore(db)
	ledgerStore := ledger.NewStore(db)
	settlements := settlement.NewStore(db)
	orchestrator := NewOrchestrator(db, store, settlements, ledgerStore, testMetrics, maxAttempts)
	adapter := &scriptedAdapter{}
	executor := NewExecutor(db, store, ledgerStore, adapter, RetryPolicy{
		Base: time.Minute,
		Max:  time.Hour,
	}, testMetrics)

	return &payoutEnv{
		db:           db,
		store:        store,
		ledger:       ledgerStore,
		settlements:  settlements,
		orchestrator: orchestrator,
		adapter:      adapter,
		executor:     executor,
	}, cleanup
}

// seedSettlement inserts a contest row plus its settlement record directly,
// bypassing the lifecycle machinery the lifecycle package tests.
func seedSettlement(t *testing.T, env *payoutEnv, winners []contest.Allocation) *contest.SettlementRecord {
	t.Helper()
	ctx := context.Background()
	contestID := uuid.New()

	cfg, err := contest.MarshalConfig(contest.Config{
		EntryFeeCents: 1000,
		MaxEntries:    10,
		PrizeTable:    []contest.PrizeTier{{Rank: 1, BasisPoints: 10000}},
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	now := time.Now()
	_, err = env.db.ExecContext(ctx, `
		INSERT INTO contest.instances (id, status, lock_time, start_time, end_time, config, config_hash)
		VALUES ($1, 'COMPLETE', $2, $3, $4, $5, 'testhash')`,
		contestID, now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-1*time.Hour), cfg)
	if err != nil {
		t.Fatalf("insert contest: %v", err)
	}

	var total int64
	for i := range winners {
		winners[i].UserID = uuid.New()
		total += winners[i].AmountCents
	}
	rec, created, err := env.settlements.Create(ctx, &settlement.Outcome{
		ContestID:        contestID,
		ResultsHash:      fmt.Sprintf("hash-%s", contestID),
		ParticipantCount: len(winners),
		TotalPoolCents:   total,
		Allocations:      winners,
	})
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	if !created {
		t.Fatal("settlement not created")
	}
	return rec
}

func getTransfers(t *testing.T, env *payoutEnv, jobID uuid.UUID) []contest.PayoutTransfer {
	t.Helper()
	transfers, err := env.store.TransfersForJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	return transfers
}

func TestScheduleForSettlementIdempotent(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{
		{Rank: 1, AmountCents: 600},
		{Rank: 2, AmountCents: 400},
	})

	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if job.SettlementID != rec.ID {
		t.Errorf("job settlement = %s, want %s", job.SettlementID, rec.ID)
	}

	transfers := getTransfers(t, env, job.ID)
	if len(transfers) != 2 {
		t.Fatalf("transfers = %d, want 2", len(transfers))
	}
	for _, tr := range transfers {
		if tr.Status != contest.TransferPending {
			t.Errorf("transfer status = %s, want pending", tr.Status)
		}
		if tr.IdempotencyKey != TransferKey(tr.ContestID, tr.UserID) {
			t.Errorf("idempotency key %q not derived from (contest, user)", tr.IdempotencyKey)
		}
		if tr.MaxAttempts != 3 {
			t.Errorf("max attempts = %d, want 3", tr.MaxAttempts)
		}
	}

	// Replay converges: same job, same transfer set.
	again, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("replay schedule: %v", err)
	}
	if again.ID != job.ID {
		t.Errorf("replay created a second job %s", again.ID)
	}
	if n := len(getTransfers(t, env, job.ID)); n != 2 {
		t.Errorf("transfers after replay = %d, want 2", n)
	}
}

func TestScheduleMissingBackstop(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 1000}})

	n, err := env.orchestrator.ScheduleMissing(context.Background(), 10)
	if err != nil {
		t.Fatalf("schedule missing: %v", err)
	}
	if n != 1 {
		t.Errorf("scheduled = %d, want 1", n)
	}

	if _, err := env.store.GetJobBySettlement(context.Background(), rec.ID); err != nil {
		t.Errorf("no job created: %v", err)
	}

	// Nothing left to re-drive.
	n, err = env.orchestrator.ScheduleMissing(context.Background(), 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep scheduled %d, want 0", n)
	}
}

func TestExecuteSuccess(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 1000}})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	claimed, err := env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !claimed {
		t.Fatal("nothing claimed")
	}

	transfers := getTransfers(t, env, job.ID)
	tr := transfers[0]
	if tr.Status != contest.TransferCompleted {
		t.Errorf("status = %s, want completed", tr.Status)
	}
	if tr.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", tr.AttemptCount)
	}
	if tr.ExternalTransferID == nil || *tr.ExternalTransferID != "ext-"+tr.IdempotencyKey {
		t.Error("external transfer id not recorded")
	}

	// One debit entry referenced to the job.
	total, err := env.ledger.SumDebitsForReference(ctx, job.ID.String())
	if err != nil {
		t.Fatalf("ledger sum: %v", err)
	}
	if total != 1000 {
		t.Errorf("debit total = %d, want 1000", total)
	}

	// All transfers terminal: job complete.
	gotJob, _ := env.store.GetJob(ctx, job.ID)
	if gotJob.Status != contest.JobComplete {
		t.Errorf("job status = %s, want complete", gotJob.Status)
	}

	// Nothing left to claim.
	claimed, err = env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("idle run: %v", err)
	}
	if claimed {
		t.Error("claimed on an exhausted job")
	}
}

func TestExecuteTransientThenSuccess(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 500}})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	env.adapter.queue = []error{
		&contest.ProcessorError{Classification: contest.ClassTransient, Reason: "processor busy"},
	}

	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("first attempt: %v", err)
	}

	tr := getTransfers(t, env, job.ID)[0]
	if tr.Status != contest.TransferRetryable {
		t.Fatalf("status = %s, want retryable", tr.Status)
	}
	if tr.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", tr.AttemptCount)
	}
	if !tr.NextAttemptAt.After(time.Now()) {
		t.Error("no backoff applied")
	}
	if tr.LastError == nil {
		t.Error("last_error not recorded")
	}

	// Not due yet: nothing claimable at real time.
	claimed, err := env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("early retry: %v", err)
	}
	if claimed {
		t.Error("claimed before backoff elapsed")
	}

	// Jump the clock past the backoff.
	env.executor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	claimed, err = env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !claimed {
		t.Fatal("retry not claimed after backoff")
	}

	tr = getTransfers(t, env, job.ID)[0]
	if tr.Status != contest.TransferCompleted {
		t.Errorf("status = %s, want completed", tr.Status)
	}
	if tr.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", tr.AttemptCount)
	}

	// The idempotency key was identical on both attempts.
	if env.adapter.calls[0].IdempotencyKey != env.adapter.calls[1].IdempotencyKey {
		t.Error("idempotency key changed between attempts")
	}

	// Exactly one ledger entry per attempt, only one a debit.
	entries, err := env.ledger.EntriesForReference(ctx, job.ID.String())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
	debits := 0
	for _, e := range entries {
		if e.Direction == contest.DirectionDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Errorf("debit entries = %d, want 1", debits)
	}
}

func TestExecutePermanentFailsTerminal(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 500}})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	env.adapter.queue = []error{
		&contest.ProcessorError{Classification: contest.ClassPermanent, Reason: "recipient account closed"},
	}

	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	tr := getTransfers(t, env, job.ID)[0]
	if tr.Status != contest.TransferFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", tr.Status)
	}
	if tr.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for permanent)", tr.AttemptCount)
	}

	// Partial failure is an accepted terminal job outcome.
	gotJob, _ := env.store.GetJob(ctx, job.ID)
	if gotJob.Status != contest.JobComplete {
		t.Errorf("job status = %s, want complete", gotJob.Status)
	}

	// The failed attempt is still journaled, as a non-debit.
	total, _ := env.ledger.SumDebitsForReference(ctx, job.ID.String())
	if total != 0 {
		t.Errorf("debit total = %d, want 0", total)
	}
	entries, _ := env.ledger.EntriesForReference(ctx, job.ID.String())
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	env, cleanup := setupPayout(t, 2)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 500}})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	transient := &contest.ProcessorError{Classification: contest.ClassTransient, Reason: "timeout"}
	env.adapter.queue = []error{transient, transient, transient}

	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	env.executor.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}

	tr := getTransfers(t, env, job.ID)[0]
	if tr.Status != contest.TransferFailedTerminal {
		t.Errorf("status = %s, want failed_terminal after max attempts", tr.Status)
	}
	if tr.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", tr.AttemptCount)
	}

	// Attempts are exhausted: nothing more is claimable even far in the future.
	env.executor.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	claimed, err := env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("post-exhaustion run: %v", err)
	}
	if claimed {
		t.Error("claimed an exhausted transfer")
	}
	if got := env.adapter.callCount(); got != 2 {
		t.Errorf("adapter calls = %d, want 2", got)
	}
}

// Concurrent executors must never double-attempt a transfer: SKIP LOCKED
// hands each row to exactly one claimer.
func TestConcurrentClaimExclusivity(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{
		{Rank: 1, AmountCents: 600},
		{Rank: 2, AmountCents: 400},
	})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	env.adapter.latency = 50 * time.Millisecond

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.executor.RunOnce(ctx); err != nil {
				t.Errorf("concurrent run: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, tr := range getTransfers(t, env, job.ID) {
		if tr.AttemptCount != 1 {
			t.Errorf("transfer %s attempted %d times, want exactly 1", tr.ID, tr.AttemptCount)
		}
		if tr.Status != contest.TransferCompleted {
			t.Errorf("transfer %s status = %s", tr.ID, tr.Status)
		}
	}
	if got := env.adapter.callCount(); got != 2 {
		t.Errorf("adapter calls = %d, want 2", got)
	}
}

// A claim transaction must not hold the job row: two executors working the
// same job claim and mark their transfers independently.
func TestSiblingClaimsDoNotBlock(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{
		{Rank: 1, AmountCents: 600},
		{Rank: 2, AmountCents: 400},
	})
	if _, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	tx1, err := env.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx1: %v", err)
	}
	defer tx1.Rollback()
	first, err := env.store.ClaimTx(ctx, tx1, time.Now())
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if err := env.store.MarkProcessingTx(ctx, tx1, first.ID); err != nil {
		t.Fatalf("mark 1: %v", err)
	}

	// The sibling claim runs while tx1 still holds its row lock. The short
	// deadline turns any job-row contention into a visible failure.
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tx2, err := env.db.BeginTx(claimCtx, nil)
	if err != nil {
		t.Fatalf("begin tx2: %v", err)
	}
	defer tx2.Rollback()
	second, err := env.store.ClaimTx(claimCtx, tx2, time.Now())
	if err != nil {
		t.Fatalf("sibling claim blocked: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("both claims returned the same transfer")
	}
	if err := env.store.MarkProcessingTx(claimCtx, tx2, second.ID); err != nil {
		t.Fatalf("sibling mark blocked: %v", err)
	}

	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit tx2: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("commit tx1: %v", err)
	}
}

func TestJobMarkedProcessingAfterFirstAttempt(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{
		{Rank: 1, AmountCents: 600},
		{Rank: 2, AmountCents: 400},
	})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// One of two transfers completes: the job leaves pending but is not done.
	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	gotJob, err := env.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != contest.JobProcessing {
		t.Errorf("job status = %s, want processing", gotJob.Status)
	}
}

// A crash between the final attempt's commit and the completion check leaves
// the job stuck in processing with every transfer terminal. Claims skip such
// jobs, so only the sweep can close them.
func TestCompleteStalledRecoversJob(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 1000}})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// The committed state a dying process leaves behind: transfer terminal,
	// job never flipped to complete.
	if _, err := env.db.ExecContext(ctx, `
		UPDATE contest.payout_transfers
		SET status = 'completed', attempt_count = 1,
		    external_transfer_id = 'ext-recovered', updated_at = NOW()
		WHERE payout_job_id = $1`, job.ID); err != nil {
		t.Fatalf("flip transfer: %v", err)
	}
	if _, err := env.db.ExecContext(ctx, `
		UPDATE contest.payout_jobs SET status = 'processing' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("flip job: %v", err)
	}

	// A healthy job with work remaining must not be touched.
	rec2 := seedSettlement(t, env, []contest.Allocation{{Rank: 1, AmountCents: 500}})
	job2, err := env.orchestrator.ScheduleForSettlement(ctx, rec2.ID)
	if err != nil {
		t.Fatalf("schedule healthy: %v", err)
	}

	n, err := env.orchestrator.CompleteStalled(ctx, 10)
	if err != nil {
		t.Fatalf("complete stalled: %v", err)
	}
	if n != 1 {
		t.Errorf("completed = %d, want 1", n)
	}

	gotJob, _ := env.store.GetJob(ctx, job.ID)
	if gotJob.Status != contest.JobComplete {
		t.Errorf("stalled job status = %s, want complete", gotJob.Status)
	}
	gotJob2, _ := env.store.GetJob(ctx, job2.ID)
	if gotJob2.Status != contest.JobPending {
		t.Errorf("healthy job status = %s, want pending", gotJob2.Status)
	}

	// Second sweep finds nothing.
	n, err = env.orchestrator.CompleteStalled(ctx, 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep completed %d, want 0", n)
	}
}

func TestReconcileMismatchHaltsJob(t *testing.T) {
	env, cleanup := setupPayout(t, 3)
	defer cleanup()
	ctx := context.Background()

	rec := seedSettlement(t, env, []contest.Allocation{
		{Rank: 1, AmountCents: 700},
		{Rank: 2, AmountCents: 300},
	})
	job, err := env.orchestrator.ScheduleForSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Complete the first transfer only.
	if _, err := env.executor.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	transfers := getTransfers(t, env, job.ID)
	var completedCents int64
	for _, tr := range transfers {
		if tr.Status == contest.TransferCompleted {
			completedCents += tr.AmountCents
		}
	}

	// Processor claims a different total than the ledger recorded.
	err = env.orchestrator.Reconcile(ctx, job.ID, completedCents+50)
	var mismatch *contest.ReconciliationMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}

	gotJob, _ := env.store.GetJob(ctx, job.ID)
	if !gotJob.Halted {
		t.Fatal("mismatch did not halt the job")
	}

	// Halted jobs are invisible to the claim loop.
	claimed, err := env.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("post-halt run: %v", err)
	}
	if claimed {
		t.Error("claimed a transfer on a halted job")
	}

	// Matching totals reconcile cleanly on a healthy path.
	if err := env.orchestrator.Reconcile(ctx, job.ID, completedCents); err != nil {
		t.Errorf("matching reconcile failed: %v", err)
	}
}
