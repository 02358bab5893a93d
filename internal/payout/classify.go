package payout

import (
	"context"
	"errors"
	"net"

	"ContestLedger/internal/contest"
)

// Classify buckets an adapter failure as transient or permanent. Adapters
// that know better return *contest.ProcessorError directly; everything else
// falls through the generic rules. Ambiguity resolves to transient: an
// unnecessary retry is absorbed by the processor's idempotency key, whereas
// a wrongly-terminal transfer loses a payout.
func Classify(err error) contest.Classification {
	var perr *contest.ProcessorError
	if errors.As(err, &perr) {
		return perr.Classification
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contest.ClassTransient
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return contest.ClassTransient
	}

	return contest.ClassTransient
}
