package contest

import (
	"fmt"

	"github.com/google/uuid"
)

// Error codes surfaced to callers. Every rejected or no-op operation carries
// one of these; there are no opaque failure responses for expected conditions.
const (
	CodeValidation             = "VALIDATION"
	CodeTransitionNotAllowed   = "TRANSITION_NOT_ALLOWED"
	CodeTerminalState          = "TERMINAL_STATE"
	CodeSettlementNotReady     = "SETTLEMENT_NOT_READY"
	CodeTransientProcessor     = "TRANSIENT_PROCESSOR"
	CodePermanentProcessor     = "PERMANENT_PROCESSOR"
	CodeReconciliationMismatch = "RECONCILIATION_MISMATCH"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", CodeValidation, e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return CodeValidation }

// TransitionNotAllowedError reports an actor/status mismatch against the
// transition table.
type TransitionNotAllowedError struct {
	Actor Actor
	From  Status
	To    Status
}

func (e *TransitionNotAllowedError) Error() string {
	return fmt.Sprintf("%s: %s may not move %s -> %s", CodeTransitionNotAllowed, e.Actor, e.From, e.To)
}

func (e *TransitionNotAllowedError) Code() string { return CodeTransitionNotAllowed }

// TerminalStateError reports a mutation attempted against COMPLETE or
// CANCELLED.
type TerminalStateError struct {
	Status Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("%s: contest is %s", CodeTerminalState, e.Status)
}

func (e *TerminalStateError) Code() string { return CodeTerminalState }

// SettlementNotReadyError reports that the results snapshot cannot support a
// settlement yet.
type SettlementNotReadyError struct {
	ContestID uuid.UUID
	Reason    string
}

func (e *SettlementNotReadyError) Error() string {
	return fmt.Sprintf("%s: contest %s: %s", CodeSettlementNotReady, e.ContestID, e.Reason)
}

func (e *SettlementNotReadyError) Code() string { return CodeSettlementNotReady }

// Classification buckets a payment processor failure.
type Classification string

const (
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
)

// ProcessorError reports a classified payment adapter failure. Transient
// errors are absorbed into the retryable transfer state; permanent errors
// terminate the transfer immediately.
type ProcessorError struct {
	Classification Classification
	Reason         string
}

func (e *ProcessorError) Error() string {
	if e.Classification == ClassPermanent {
		return fmt.Sprintf("%s: %s", CodePermanentProcessor, e.Reason)
	}
	return fmt.Sprintf("%s: %s", CodeTransientProcessor, e.Reason)
}

func (e *ProcessorError) Code() string {
	if e.Classification == ClassPermanent {
		return CodePermanentProcessor
	}
	return CodeTransientProcessor
}

// ReconciliationMismatchError reports ledger vs. processor divergence. This
// is a fatal condition for the affected job; automated processing halts
// until an operator resolves it.
type ReconciliationMismatchError struct {
	JobID         uuid.UUID
	LedgerCents   int64
	ObservedCents int64
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("%s: job %s: ledger=%d observed=%d",
		CodeReconciliationMismatch, e.JobID, e.LedgerCents, e.ObservedCents)
}

func (e *ReconciliationMismatchError) Code() string { return CodeReconciliationMismatch }

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}
