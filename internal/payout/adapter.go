// Package payout turns settlement allocations into executed transfers.
// Scheduling is insert-or-ignore on unique constraints; execution claims
// transfers one at a time under SKIP LOCKED and records every attempt in the
// ledger.
package payout

import (
	"context"

	"github.com/google/uuid"
)

// TransferRequest is one outbound payment instruction. The idempotency key is
// derived once at scheduling time and reused verbatim on every attempt, so
// the processor deduplicates retries on its side.
type TransferRequest struct {
	IdempotencyKey string
	ContestID      uuid.UUID
	UserID         uuid.UUID
	AmountCents    int64
}

// TransferResult is the processor's acknowledgement of a created transfer.
type TransferResult struct {
	ExternalTransferID string
}

// PaymentAdapter abstracts the external payment processor. Implementations
// must honor the idempotency key: repeating a request with the same key must
// not create a second transfer.
type PaymentAdapter interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}
