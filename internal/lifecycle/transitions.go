package lifecycle

import (
	"sort"

	"ContestLedger/internal/contest"
)

// Transition is one (actor, from, to) edge of the lifecycle state machine.
type Transition struct {
	Actor contest.Actor
	From  contest.Status
	To    contest.Status
}

// transitionTable is the complete actor x fromStatus x toStatus matrix.
// Every valid transition is enumerated here; nothing is derived at runtime.
// Terminal states (COMPLETE, CANCELLED) have no outgoing edges; repeating a
// terminal state is handled as a no-op by the controller, not a transition.
var transitionTable = map[Transition]bool{
	// Operator-initiated.
	{contest.ActorAdmin, contest.StatusScheduled, contest.StatusCancelled}: true,
	{contest.ActorAdmin, contest.StatusLocked, contest.StatusCancelled}:    true,
	{contest.ActorAdmin, contest.StatusLive, contest.StatusCancelled}:      true,
	{contest.ActorAdmin, contest.StatusError, contest.StatusCancelled}:     true,
	{contest.ActorAdmin, contest.StatusError, contest.StatusComplete}:      true,

	// Time- and settlement-driven.
	{contest.ActorSystem, contest.StatusScheduled, contest.StatusLocked}: true,
	{contest.ActorSystem, contest.StatusLocked, contest.StatusLive}:      true,
	{contest.ActorSystem, contest.StatusLive, contest.StatusComplete}:    true,
	{contest.ActorSystem, contest.StatusLive, contest.StatusError}:       true,
}

// Allowed reports whether the table permits actor to move from -> to.
func Allowed(actor contest.Actor, from, to contest.Status) bool {
	return transitionTable[Transition{actor, from, to}]
}

// AllowedTransitions returns every permitted transition in a stable order,
// for exhaustive testing and operator tooling.
func AllowedTransitions() []Transition {
	out := make([]Transition, 0, len(transitionTable))
	for t := range transitionTable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Actor != out[j].Actor {
			return out[i].Actor < out[j].Actor
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
