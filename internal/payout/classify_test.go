package payout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

func TestClassifyProcessorError(t *testing.T) {
	perm := &contest.ProcessorError{Classification: contest.ClassPermanent, Reason: "account closed"}
	if got := Classify(perm); got != contest.ClassPermanent {
		t.Errorf("permanent processor error classified %s", got)
	}

	trans := &contest.ProcessorError{Classification: contest.ClassTransient, Reason: "rate limited"}
	if got := Classify(trans); got != contest.ClassTransient {
		t.Errorf("transient processor error classified %s", got)
	}

	// Wrapped errors unwrap to their classification.
	wrapped := fmt.Errorf("create transfer: %w", perm)
	if got := Classify(wrapped); got != contest.ClassPermanent {
		t.Errorf("wrapped permanent error classified %s", got)
	}
}

func TestClassifyContextAndNetwork(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != contest.ClassTransient {
		t.Errorf("deadline classified %s", got)
	}
	if got := Classify(context.Canceled); got != contest.ClassTransient {
		t.Errorf("cancel classified %s", got)
	}

	var nerr net.Error = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	if got := Classify(nerr); got != contest.ClassTransient {
		t.Errorf("net error classified %s", got)
	}
}

// Ambiguity must resolve to transient: a wrongly-terminal transfer loses a
// payout, a redundant retry is absorbed by the idempotency key.
func TestClassifyUnknownDefaultsTransient(t *testing.T) {
	if got := Classify(errors.New("something odd")); got != contest.ClassTransient {
		t.Errorf("unknown error classified %s", got)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Max: 15 * time.Minute}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute}, // capped
		{10, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestTransferKeyDeterministic(t *testing.T) {
	contestID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	userID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	key := TransferKey(contestID, userID)
	want := "transfer:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if key != TransferKey(contestID, userID) {
		t.Error("key not stable across calls")
	}
	if key == TransferKey(userID, contestID) {
		t.Error("key does not distinguish argument order")
	}
}
