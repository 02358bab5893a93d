package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/testutil"
)

func TestEntryKey(t *testing.T) {
	transferID := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	if got, want := EntryKey(transferID, 1), "ledger:33333333-3333-3333-3333-333333333333:1"; got != want {
		t.Errorf("EntryKey = %q, want %q", got, want)
	}
	if EntryKey(transferID, 1) == EntryKey(transferID, 2) {
		t.Error("different attempts share a key")
	}
	if EntryKey(transferID, 1) == EntryKey(uuid.New(), 1) {
		t.Error("different transfers share a key")
	}
}

func TestAppendDedupAndSum(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewStore(db)
	transferID := uuid.New()
	jobRef := uuid.New().String()

	appendEntry := func(key, direction string, cents int64) bool {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		inserted, err := store.AppendTx(ctx, tx, contest.LedgerEntry{
			IdempotencyKey: key,
			ReferenceID:    jobRef,
			Direction:      direction,
			AmountCents:    cents,
		})
		if err != nil {
			tx.Rollback()
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return inserted
	}

	if !appendEntry(EntryKey(transferID, 1), contest.DirectionAttempt, 500) {
		t.Fatal("first append not inserted")
	}
	// Replay of the same attempt is silently deduplicated.
	if appendEntry(EntryKey(transferID, 1), contest.DirectionAttempt, 500) {
		t.Fatal("duplicate key inserted a second row")
	}
	if !appendEntry(EntryKey(transferID, 2), contest.DirectionDebit, 500) {
		t.Fatal("second attempt not inserted")
	}

	// Only debit rows count toward the reconciliation total.
	total, err := store.SumDebitsForReference(ctx, jobRef)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != 500 {
		t.Errorf("debit total = %d, want 500", total)
	}

	entries, err := store.EntriesForReference(ctx, jobRef)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestReconcile(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewStore(db)
	jobID := uuid.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.AppendTx(ctx, tx, contest.LedgerEntry{
		IdempotencyKey: EntryKey(uuid.New(), 1),
		ReferenceID:    jobID.String(),
		Direction:      contest.DirectionDebit,
		AmountCents:    1200,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := store.Reconcile(ctx, jobID, 1200); err != nil {
		t.Errorf("matching totals reported mismatch: %v", err)
	}

	err = store.Reconcile(ctx, jobID, 1100)
	if err == nil {
		t.Fatal("mismatch not detected")
	}
	mismatch, ok := err.(*contest.ReconciliationMismatchError)
	if !ok {
		t.Fatalf("expected *ReconciliationMismatchError, got %T", err)
	}
	if mismatch.LedgerCents != 1200 || mismatch.ObservedCents != 1100 {
		t.Errorf("mismatch detail = %+v", mismatch)
	}
}
