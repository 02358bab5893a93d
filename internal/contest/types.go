package contest

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a contest instance.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusLocked    Status = "LOCKED"
	StatusLive      Status = "LIVE"
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
// ERROR is recoverable (resolveError) and is NOT terminal.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusLocked, StatusLive, StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Actor is the principal performing a transition.
type Actor string

const (
	ActorAdmin  Actor = "ADMIN"
	ActorSystem Actor = "SYSTEM"
)

// Instance is a single contest run. Owned exclusively by the lifecycle
// controller; config is immutable once status leaves SCHEDULED, lock_time
// is immutable once status is LOCKED.
type Instance struct {
	ID         uuid.UUID
	Status     Status
	LockTime   time.Time
	StartTime  time.Time
	EndTime    time.Time
	ConfigHash string
	Config     Config
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TimeFields is the mutable subset of scheduling times. Nil means unchanged.
type TimeFields struct {
	LockTime  *time.Time
	StartTime *time.Time
	EndTime   *time.Time
}

// SettlementRecord is the immutable outcome of settling one contest.
// At most one exists per contest (unique constraint on contest_instance_id).
type SettlementRecord struct {
	ID               uuid.UUID
	ContestID        uuid.UUID
	ResultsHash      string
	ParticipantCount int
	TotalPoolCents   int64
	Allocations      []Allocation
	CreatedAt        time.Time
}

// Allocation is one winner's share of the pool.
type Allocation struct {
	UserID      uuid.UUID
	Rank        int
	AmountCents int64
}

// TransferStatus is the payout transfer state machine.
// pending -> processing -> {completed | retryable | failed_terminal},
// retryable -> processing (reclaim) until max_attempts.
type TransferStatus string

const (
	TransferPending        TransferStatus = "pending"
	TransferProcessing     TransferStatus = "processing"
	TransferRetryable      TransferStatus = "retryable"
	TransferCompleted      TransferStatus = "completed"
	TransferFailedTerminal TransferStatus = "failed_terminal"
)

// TerminalTransfer reports whether no further attempts will be made.
func (s TransferStatus) TerminalTransfer() bool {
	return s == TransferCompleted || s == TransferFailedTerminal
}

// JobStatus is the payout job state. A job is complete once every transfer
// reached a terminal state; partial success is an accepted terminal outcome.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
)

// PayoutJob groups the transfers created for one settlement.
// Exactly one exists per settlement (unique constraint on settlement_id).
type PayoutJob struct {
	ID           uuid.UUID
	SettlementID uuid.UUID
	ContestID    uuid.UUID
	Status       JobStatus
	Halted       bool
	CreatedAt    time.Time
}

// PayoutTransfer is one outbound payment to one recipient.
type PayoutTransfer struct {
	ID                 uuid.UUID
	PayoutJobID        uuid.UUID
	ContestID          uuid.UUID
	UserID             uuid.UUID
	AmountCents        int64
	Status             TransferStatus
	AttemptCount       int
	MaxAttempts        int
	ExternalTransferID *string
	IdempotencyKey     string
	NextAttemptAt      time.Time
	LastError          *string
}

// LedgerEntry is one append-only row in the financial journal.
type LedgerEntry struct {
	ID             int64
	IdempotencyKey string
	ReferenceID    string
	Direction      string // "debit" on successful transfer, "attempt" otherwise
	AmountCents    int64
	CreatedAt      time.Time
}

const (
	DirectionDebit   = "debit"
	DirectionAttempt = "attempt"
)
