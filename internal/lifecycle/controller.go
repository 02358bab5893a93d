// Package lifecycle validates and applies contest state transitions under an
// actor model. Every mutating operation follows the same protocol: acquire an
// exclusive row lock, re-check status after the lock is held, decide the
// outcome (applied / no-op / rejection), write an audit record
// unconditionally, then commit.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ContestLedger/internal/audit"
	"ContestLedger/internal/contest"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/settlement"
)

// Outcome is the result of a decided lifecycle operation. Rejections are
// returned as errors from the taxonomy, never as an Outcome.
type Outcome struct {
	Noop bool           `json:"noop"`
	From contest.Status `json:"from_status"`
	To   contest.Status `json:"to_status"`
	Code string         `json:"code"`
}

const (
	codeApplied = "APPLIED"
	codeNoop    = "NOOP"
)

// CompletedSignal announces a committed settlement for payout scheduling.
type CompletedSignal struct {
	ContestID    uuid.UUID `json:"contest_id"`
	SettlementID uuid.UUID `json:"settlement_id"`
}

// Publisher fans out committed facts (best effort; the scheduler sweeps are
// the durable backstop for lost signals).
type Publisher interface {
	SettlementCompleted(ctx context.Context, sig CompletedSignal) error
	AuditRecorded(ctx context.Context, rec audit.Record) error
}

// ErrContestNotFound is returned when the contest id resolves to no row.
var ErrContestNotFound = errors.New("contest not found")

// Controller drives all contest state progression.
type Controller struct {
	db          *sql.DB
	store       *Store
	audits      *audit.Store
	settlements *settlement.Service
	pub         Publisher
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewController(db *sql.DB, store *Store, audits *audit.Store, settlements *settlement.Service, pub Publisher, metrics *observability.Metrics) *Controller {
	return &Controller{
		db:          db,
		store:       store,
		audits:      audits,
		settlements: settlements,
		pub:         pub,
		metrics:     metrics,
		log:         observability.NewLogger("lifecycle"),
		now:         time.Now,
	}
}

// CreateContest inserts a new SCHEDULED contest after validating its config
// and time ordering.
func (c *Controller) CreateContest(ctx context.Context, cfg contest.Config, lockTime, startTime, endTime time.Time) (*contest.Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateChronology(lockTime, startTime, endTime); err != nil {
		return nil, err
	}

	inst := &contest.Instance{
		ID:         uuid.New(),
		Status:     contest.StatusScheduled,
		LockTime:   lockTime,
		StartTime:  startTime,
		EndTime:    endTime,
		Config:     cfg,
		ConfigHash: cfg.Hash(),
	}

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := c.store.CreateContestTx(ctx, tx, inst); err != nil {
			return err
		}
		return c.writeAudit(ctx, tx, trail, audit.Record{
			ContestID: inst.ID,
			Actor:     contest.ActorAdmin,
			Action:    "create",
			ToStatus:  contest.StatusScheduled,
			Payload:   map[string]interface{}{"config_hash": inst.ConfigHash},
		})
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	c.log.Info().Str("contest_id", inst.ID.String()).Msg("contest created")
	return inst, nil
}

// Cancel moves a contest to CANCELLED under ADMIN authority. Idempotent if
// already CANCELLED; rejected with TERMINAL_STATE if COMPLETE.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID, actor contest.Actor, reason string) (*Outcome, error) {
	return c.simpleTransition(ctx, "cancel", id, actor, contest.StatusCancelled, reason, nil)
}

// Lock performs the SYSTEM SCHEDULED->LOCKED transition once lock_time has
// passed (or been forced). Idempotent if already LOCKED.
func (c *Controller) Lock(ctx context.Context, id uuid.UUID, reason string) (*Outcome, error) {
	guard := func(inst *contest.Instance) error {
		if inst.LockTime.After(c.now()) {
			return &contest.ValidationError{Field: "lock_time", Reason: "lock_time has not passed"}
		}
		return nil
	}
	return c.simpleTransition(ctx, "lock", id, contest.ActorSystem, contest.StatusLocked, reason, guard)
}

// Start performs the SYSTEM LOCKED->LIVE transition once start_time has
// passed. Idempotent if already LIVE.
func (c *Controller) Start(ctx context.Context, id uuid.UUID, reason string) (*Outcome, error) {
	guard := func(inst *contest.Instance) error {
		if inst.StartTime.After(c.now()) {
			return &contest.ValidationError{Field: "start_time", Reason: "start_time has not passed"}
		}
		return nil
	}
	return c.simpleTransition(ctx, "start", id, contest.ActorSystem, contest.StatusLive, reason, guard)
}

// simpleTransition is the shared single-transaction protocol: lock, re-check,
// decide, audit, commit. guard runs after the lock is held and may veto the
// transition with a taxonomy error.
func (c *Controller) simpleTransition(ctx context.Context, action string, id uuid.UUID, actor contest.Actor, target contest.Status, reason string, guard func(*contest.Instance) error) (*Outcome, error) {
	start := time.Now()
	var out *Outcome
	var opErr error

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case inst.Status == target:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
		case inst.Status.Terminal():
			opErr = &contest.TerminalStateError{Status: inst.Status}
		case Allowed(actor, inst.Status, target):
			if guard != nil {
				if gerr := guard(inst); gerr != nil {
					opErr = gerr
					break
				}
			}
			if err := c.store.UpdateStatusTx(ctx, tx, id, target); err != nil {
				return err
			}
			out = &Outcome{From: inst.Status, To: target, Code: codeApplied}
		default:
			opErr = &contest.TransitionNotAllowedError{Actor: actor, From: inst.Status, To: target}
		}

		return c.auditDecision(ctx, tx, trail, inst, actor, action, target, reason, out, opErr, nil)
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	c.recordOp(action, actor, start, out, opErr)
	return out, opErr
}

// ForceLock sets lock_time to now under ADMIN authority, then performs the
// SCHEDULED->LOCKED transition under SYSTEM authority. Two authorizations,
// two audit rows, one transaction.
func (c *Controller) ForceLock(ctx context.Context, id uuid.UUID, reason string) (*Outcome, error) {
	const action = "force_lock"
	start := time.Now()
	var out *Outcome
	var opErr error

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case inst.Status == contest.StatusLocked:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorAdmin, action, contest.StatusLocked, reason, out, nil, nil)

		case inst.Status.Terminal():
			opErr = &contest.TerminalStateError{Status: inst.Status}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorAdmin, action, contest.StatusLocked, reason, nil, opErr, nil)

		case inst.Status != contest.StatusScheduled:
			opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorAdmin, From: inst.Status, To: contest.StatusLocked}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorAdmin, action, contest.StatusLocked, reason, nil, opErr, nil)
		}

		forcedLock := c.now()
		if err := c.store.UpdateTimesTx(ctx, tx, id, forcedLock, inst.StartTime, inst.EndTime); err != nil {
			return err
		}
		if err := c.writeAudit(ctx, tx, trail, audit.Record{
			ContestID:  id,
			Actor:      contest.ActorAdmin,
			Action:     action,
			FromStatus: inst.Status,
			ToStatus:   inst.Status,
			Reason:     reason,
			Payload:    map[string]interface{}{"outcome": "applied", "lock_time": forcedLock.UTC().Format(time.RFC3339Nano)},
		}); err != nil {
			return err
		}

		// The transition itself runs under SYSTEM authority.
		if !Allowed(contest.ActorSystem, contest.StatusScheduled, contest.StatusLocked) {
			opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorSystem, From: inst.Status, To: contest.StatusLocked}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, "lock", contest.StatusLocked, reason, nil, opErr, nil)
		}
		if err := c.store.UpdateStatusTx(ctx, tx, id, contest.StatusLocked); err != nil {
			return err
		}
		out = &Outcome{From: contest.StatusScheduled, To: contest.StatusLocked, Code: codeApplied}
		return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, "lock", contest.StatusLocked, reason, out, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	c.recordOp(action, contest.ActorAdmin, start, out, opErr)
	return out, opErr
}

// UpdateTimeFields changes scheduling times. Allowed only in SCHEDULED or
// LOCKED; lock_time is immutable once LOCKED; the merged times must stay in
// chronological order.
func (c *Controller) UpdateTimeFields(ctx context.Context, id uuid.UUID, actor contest.Actor, fields contest.TimeFields, reason string) (*Outcome, error) {
	const action = "update_time_fields"
	start := time.Now()
	var out *Outcome
	var opErr error

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}

		payload := map[string]interface{}{}
		switch {
		case inst.Status.Terminal():
			opErr = &contest.TerminalStateError{Status: inst.Status}
		case inst.Status != contest.StatusScheduled && inst.Status != contest.StatusLocked:
			opErr = &contest.TransitionNotAllowedError{Actor: actor, From: inst.Status, To: inst.Status}
		case fields.LockTime == nil && fields.StartTime == nil && fields.EndTime == nil:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
		case fields.LockTime != nil && inst.Status == contest.StatusLocked:
			opErr = &contest.ValidationError{Field: "lock_time", Reason: "immutable once contest is LOCKED"}
		default:
			lockTime, startTime, endTime := inst.LockTime, inst.StartTime, inst.EndTime
			if fields.LockTime != nil {
				lockTime = *fields.LockTime
				payload["lock_time"] = lockTime.UTC().Format(time.RFC3339Nano)
			}
			if fields.StartTime != nil {
				startTime = *fields.StartTime
				payload["start_time"] = startTime.UTC().Format(time.RFC3339Nano)
			}
			if fields.EndTime != nil {
				endTime = *fields.EndTime
				payload["end_time"] = endTime.UTC().Format(time.RFC3339Nano)
			}
			if verr := validateChronology(lockTime, startTime, endTime); verr != nil {
				opErr = verr
				break
			}
			if err := c.store.UpdateTimesTx(ctx, tx, id, lockTime, startTime, endTime); err != nil {
				return err
			}
			out = &Outcome{From: inst.Status, To: inst.Status, Code: codeApplied}
		}

		return c.auditDecision(ctx, tx, trail, inst, actor, action, inst.Status, reason, out, opErr, payload)
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	c.recordOp(action, actor, start, out, opErr)
	return out, opErr
}

// TriggerSettlement drives a LIVE contest to COMPLETE (settlement ready and
// executed) or ERROR (not ready). COMPLETE/ERROR are idempotent no-ops;
// CANCELLED, SCHEDULED and LOCKED are rejected without mutation.
//
// Settlement cannot run inside the controller's transaction, so the ready
// path is two-phase: commit and release the lock, execute settlement as an
// independent unit of work, reacquire the lock, re-check status, apply.
func (c *Controller) TriggerSettlement(ctx context.Context, id uuid.UUID, reason string) (*Outcome, error) {
	const action = "trigger_settlement"
	start := time.Now()

	out, inst, proceed, opErr, err := c.settlementPhaseOne(ctx, action, id, reason)
	if err != nil {
		return nil, err
	}
	if !proceed {
		c.recordOp(action, contest.ActorSystem, start, out, opErr)
		return out, opErr
	}

	rec, err := c.settlements.Execute(ctx, inst)
	if err != nil {
		// Settlement failed after the ready check: drive LIVE to ERROR so
		// the failure is visible and resolvable.
		c.failSettlement(ctx, id, reason, err)
		c.recordOp(action, contest.ActorSystem, start, nil, err)
		return nil, err
	}

	out, opErr, err = c.completeSettlement(ctx, action, id, reason, rec)
	if err != nil {
		return nil, err
	}

	c.recordOp(action, contest.ActorSystem, start, out, opErr)
	return out, opErr
}

// settlementPhaseOne holds the lock just long enough to branch on status and
// readiness. proceed is true only for LIVE + ready, with the lock released.
func (c *Controller) settlementPhaseOne(ctx context.Context, action string, id uuid.UUID, reason string) (out *Outcome, inst *contest.Instance, proceed bool, opErr error, err error) {
	trail := &auditTrail{}
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		var lerr error
		inst, lerr = c.lockContest(ctx, tx, id)
		if lerr != nil {
			return lerr
		}

		switch inst.Status {
		case contest.StatusComplete, contest.StatusError:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, action, inst.Status, reason, out, nil, nil)

		case contest.StatusLive:
			ready, notReadyReason, rerr := c.settlements.Ready(ctx, id)
			if rerr != nil {
				return rerr
			}
			if !ready {
				if uerr := c.store.UpdateStatusTx(ctx, tx, id, contest.StatusError); uerr != nil {
					return uerr
				}
				c.metrics.SettlementNotReady.Inc()
				out = &Outcome{From: contest.StatusLive, To: contest.StatusError, Code: contest.CodeSettlementNotReady}
				return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, action, contest.StatusError, reason, out, nil,
					map[string]interface{}{"settlement_failure": true, "settlement_not_ready": notReadyReason})
			}
			proceed = true
			return c.writeAudit(ctx, tx, trail, audit.Record{
				ContestID:  id,
				Actor:      contest.ActorSystem,
				Action:     action,
				FromStatus: contest.StatusLive,
				ToStatus:   contest.StatusLive,
				Reason:     reason,
				Payload:    map[string]interface{}{"outcome": "settlement_started"},
			})

		default:
			opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorSystem, From: inst.Status, To: contest.StatusComplete}
			return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, action, contest.StatusComplete, reason, nil, opErr, nil)
		}
	})
	if err == nil {
		c.publishTrail(ctx, trail)
	}
	return out, inst, proceed, opErr, err
}

// completeSettlement reacquires the lock, re-checks status (it may have
// changed while settlement ran) and applies LIVE->COMPLETE.
func (c *Controller) completeSettlement(ctx context.Context, action string, id uuid.UUID, reason string, rec *contest.SettlementRecord) (*Outcome, error, error) {
	var out *Outcome
	var opErr error

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}

		payload := map[string]interface{}{"settlement_id": rec.ID.String(), "results_hash": rec.ResultsHash}
		switch {
		case inst.Status == contest.StatusComplete:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
		case Allowed(contest.ActorSystem, inst.Status, contest.StatusComplete):
			if err := c.store.UpdateStatusTx(ctx, tx, id, contest.StatusComplete); err != nil {
				return err
			}
			out = &Outcome{From: inst.Status, To: contest.StatusComplete, Code: codeApplied}
		default:
			// Status moved under us (e.g. a concurrent cancel). The settlement
			// record stands; the transition is rejected.
			opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorSystem, From: inst.Status, To: contest.StatusComplete}
		}

		return c.auditDecision(ctx, tx, trail, inst, contest.ActorSystem, action, contest.StatusComplete, reason, out, opErr, payload)
	})
	if err != nil {
		return nil, nil, err
	}
	c.publishTrail(ctx, trail)

	if out != nil && !out.Noop {
		c.publishCompleted(ctx, CompletedSignal{ContestID: id, SettlementID: rec.ID})
	}
	return out, opErr, nil
}

// failSettlement drives LIVE to ERROR after a settlement execution failure.
// Best effort: the contest staying LIVE just means the next trigger retries.
func (c *Controller) failSettlement(ctx context.Context, id uuid.UUID, reason string, cause error) {
	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst.Status != contest.StatusLive {
			return c.writeAudit(ctx, tx, trail, audit.Record{
				ContestID:  id,
				Actor:      contest.ActorSystem,
				Action:     "trigger_settlement",
				FromStatus: inst.Status,
				ToStatus:   inst.Status,
				Reason:     reason,
				Payload:    map[string]interface{}{"settlement_failure": true, "error": cause.Error()},
			})
		}
		if err := c.store.UpdateStatusTx(ctx, tx, id, contest.StatusError); err != nil {
			return err
		}
		return c.writeAudit(ctx, tx, trail, audit.Record{
			ContestID:  id,
			Actor:      contest.ActorSystem,
			Action:     "trigger_settlement",
			FromStatus: contest.StatusLive,
			ToStatus:   contest.StatusError,
			Reason:     reason,
			Payload:    map[string]interface{}{"settlement_failure": true, "error": cause.Error()},
		})
	})
	if err != nil {
		c.log.Error().Err(err).Str("contest_id", id.String()).Msg("failed to record settlement failure")
		return
	}
	c.publishTrail(ctx, trail)
}

// ResolveError resolves an ERROR contest to COMPLETE or CANCELLED under
// ADMIN authority. For COMPLETE the settlement executes and is verified as a
// separate unit of work before the lock is reacquired for the status change.
func (c *Controller) ResolveError(ctx context.Context, id uuid.UUID, target contest.Status, reason string) (*Outcome, error) {
	const action = "resolve_error"

	switch target {
	case contest.StatusCancelled:
		return c.simpleTransitionWithAction(ctx, action, id, contest.ActorAdmin, contest.StatusCancelled, reason)
	case contest.StatusComplete:
		return c.resolveErrorComplete(ctx, action, id, reason)
	default:
		return nil, &contest.ValidationError{Field: "target", Reason: fmt.Sprintf("must be %s or %s", contest.StatusComplete, contest.StatusCancelled)}
	}
}

func (c *Controller) simpleTransitionWithAction(ctx context.Context, action string, id uuid.UUID, actor contest.Actor, target contest.Status, reason string) (*Outcome, error) {
	start := time.Now()
	var out *Outcome
	var opErr error

	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case inst.Status == target:
			out = &Outcome{Noop: true, From: inst.Status, To: inst.Status, Code: codeNoop}
		case inst.Status.Terminal():
			opErr = &contest.TerminalStateError{Status: inst.Status}
		case Allowed(actor, inst.Status, target):
			if err := c.store.UpdateStatusTx(ctx, tx, id, target); err != nil {
				return err
			}
			out = &Outcome{From: inst.Status, To: target, Code: codeApplied}
		default:
			opErr = &contest.TransitionNotAllowedError{Actor: actor, From: inst.Status, To: target}
		}
		return c.auditDecision(ctx, tx, trail, inst, actor, action, target, reason, out, opErr, nil)
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	c.recordOp(action, actor, start, out, opErr)
	return out, opErr
}

// resolveErrorComplete executes settlement first, outside any transaction,
// then opens a transaction, verifies the settlement record exists, and only
// then applies the ADMIN ERROR->COMPLETE transition.
func (c *Controller) resolveErrorComplete(ctx context.Context, action string, id uuid.UUID, reason string) (*Outcome, error) {
	start := time.Now()

	inst, err := c.store.Get(ctx, id)
	if err == sql.ErrNoRows {
		return nil, ErrContestNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec *contest.SettlementRecord
	if inst.Status == contest.StatusError {
		rec, err = c.settlements.Execute(ctx, inst)
		if err != nil {
			c.auditRejection(ctx, id, contest.ActorAdmin, action, inst.Status, contest.StatusComplete, reason, err)
			c.recordOp(action, contest.ActorAdmin, start, nil, err)
			return nil, err
		}
	}

	var out *Outcome
	var opErr error
	trail := &auditTrail{}
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		locked, err := c.lockContest(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case locked.Status == contest.StatusComplete:
			out = &Outcome{Noop: true, From: locked.Status, To: locked.Status, Code: codeNoop}
		case locked.Status == contest.StatusCancelled:
			opErr = &contest.TerminalStateError{Status: locked.Status}
		case locked.Status == contest.StatusError:
			exists, eerr := c.settlements.Store().ExistsForContest(ctx, id)
			if eerr != nil {
				return eerr
			}
			if !exists {
				opErr = &contest.SettlementNotReadyError{ContestID: id, Reason: "no settlement record to verify"}
				break
			}
			if !Allowed(contest.ActorAdmin, contest.StatusError, contest.StatusComplete) {
				opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorAdmin, From: locked.Status, To: contest.StatusComplete}
				break
			}
			if err := c.store.UpdateStatusTx(ctx, tx, id, contest.StatusComplete); err != nil {
				return err
			}
			out = &Outcome{From: contest.StatusError, To: contest.StatusComplete, Code: codeApplied}
		default:
			opErr = &contest.TransitionNotAllowedError{Actor: contest.ActorAdmin, From: locked.Status, To: contest.StatusComplete}
		}

		var payload map[string]interface{}
		if rec != nil {
			payload = map[string]interface{}{"settlement_id": rec.ID.String()}
		}
		return c.auditDecision(ctx, tx, trail, locked, contest.ActorAdmin, action, contest.StatusComplete, reason, out, opErr, payload)
	})
	if err != nil {
		return nil, err
	}
	c.publishTrail(ctx, trail)

	if out != nil && !out.Noop && rec != nil {
		c.publishCompleted(ctx, CompletedSignal{ContestID: id, SettlementID: rec.ID})
	}

	c.recordOp(action, contest.ActorAdmin, start, out, opErr)
	return out, opErr
}

// Get reads a contest for the operator surface.
func (c *Controller) Get(ctx context.Context, id uuid.UUID) (*contest.Instance, error) {
	inst, err := c.store.Get(ctx, id)
	if err == sql.ErrNoRows {
		return nil, ErrContestNotFound
	}
	return inst, err
}

// --- protocol helpers ---

func (c *Controller) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (c *Controller) lockContest(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*contest.Instance, error) {
	inst, err := c.store.GetForUpdate(ctx, tx, id)
	if err == sql.ErrNoRows {
		return nil, ErrContestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock contest: %w", err)
	}
	return inst, nil
}

// auditTrail buffers audit records written inside a transaction so they can
// be published only after the transaction commits. A rollback discards the
// buffer along with the rows, so subscribers never see phantom events.
type auditTrail struct {
	records []audit.Record
}

func (c *Controller) writeAudit(ctx context.Context, tx *sql.Tx, trail *auditTrail, rec audit.Record) error {
	rec.CreatedAt = c.now().UTC()
	if err := c.audits.WriteTx(ctx, tx, rec); err != nil {
		return err
	}
	trail.records = append(trail.records, rec)
	return nil
}

func (c *Controller) publishTrail(ctx context.Context, trail *auditTrail) {
	for _, rec := range trail.records {
		c.publishAudit(ctx, rec)
	}
}

// auditDecision writes the audit row for a decided operation: applied, no-op
// or rejection all leave a trail.
func (c *Controller) auditDecision(ctx context.Context, tx *sql.Tx, trail *auditTrail, inst *contest.Instance, actor contest.Actor, action string, target contest.Status, reason string, out *Outcome, opErr error, extra map[string]interface{}) error {
	payload := map[string]interface{}{}
	for k, v := range extra {
		payload[k] = v
	}

	rec := audit.Record{
		ContestID:  inst.ID,
		Actor:      actor,
		Action:     action,
		FromStatus: inst.Status,
		ToStatus:   target,
		Reason:     reason,
		Payload:    payload,
	}

	switch {
	case opErr != nil:
		payload["outcome"] = "rejected"
		var coded contest.Coded
		if errors.As(opErr, &coded) {
			payload["code"] = coded.Code()
		}
		rec.ToStatus = inst.Status
	case out != nil && out.Noop:
		payload["outcome"] = "noop"
		rec.ToStatus = inst.Status
	case out != nil:
		payload["outcome"] = "applied"
		rec.ToStatus = out.To
	}

	return c.writeAudit(ctx, tx, trail, rec)
}

// auditRejection records a rejection in its own small transaction, used when
// the operation failed before any lock-holding transaction was open.
func (c *Controller) auditRejection(ctx context.Context, id uuid.UUID, actor contest.Actor, action string, from, to contest.Status, reason string, cause error) {
	payload := map[string]interface{}{"outcome": "rejected", "error": cause.Error()}
	var coded contest.Coded
	if errors.As(cause, &coded) {
		payload["code"] = coded.Code()
	}
	trail := &auditTrail{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		return c.writeAudit(ctx, tx, trail, audit.Record{
			ContestID:  id,
			Actor:      actor,
			Action:     action,
			FromStatus: from,
			ToStatus:   from,
			Reason:     reason,
			Payload:    payload,
		})
	})
	if err != nil {
		c.log.Error().Err(err).Str("contest_id", id.String()).Msg("failed to write rejection audit")
		return
	}
	c.publishTrail(ctx, trail)
}

func (c *Controller) publishCompleted(ctx context.Context, sig CompletedSignal) {
	if c.pub == nil {
		return
	}
	if err := c.pub.SettlementCompleted(ctx, sig); err != nil {
		c.log.Warn().Err(err).Str("contest_id", sig.ContestID.String()).
			Msg("settlement-completed publish failed; sweep will re-drive")
	}
}

func (c *Controller) publishAudit(ctx context.Context, rec audit.Record) {
	if c.pub == nil {
		return
	}
	if err := c.pub.AuditRecorded(ctx, rec); err != nil {
		c.log.Debug().Err(err).Msg("audit publish failed")
	}
}

func (c *Controller) recordOp(action string, actor contest.Actor, start time.Time, out *Outcome, opErr error) {
	outcome := "applied"
	switch {
	case opErr != nil:
		outcome = "rejected"
	case out != nil && out.Noop:
		outcome = "noop"
	}
	c.metrics.LifecycleOps.WithLabelValues(action, outcome).Inc()
	c.metrics.LifecycleOpDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if outcome == "applied" && out != nil {
		c.metrics.TransitionsApplied.WithLabelValues(string(actor), string(out.From), string(out.To)).Inc()
	}
}

func validateChronology(lockTime, startTime, endTime time.Time) error {
	if lockTime.After(startTime) {
		return &contest.ValidationError{Field: "lock_time", Reason: "must not be after start_time"}
	}
	if !startTime.Before(endTime) {
		return &contest.ValidationError{Field: "start_time", Reason: "must be before end_time"}
	}
	return nil
}
