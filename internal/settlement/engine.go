// Package settlement computes final standings and payout allocation from
// locked, immutable inputs. The engine is pure: it never touches the payment
// adapter, contest state, or notifications. Identical inputs always produce
// byte-identical serialized output, which is what makes a failed settlement
// attempt safe to retry.
package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

const hashSeed = "ContestLedger:settlement:v1"

// Standing is one participant's final placement.
type Standing struct {
	UserID uuid.UUID `json:"user_id"`
	Score  int64     `json:"score"`
	Rank   int       `json:"rank"`
}

// Outcome is the deterministic result of settling one contest.
type Outcome struct {
	ContestID        uuid.UUID
	ResultsHash      string
	ParticipantCount int
	TotalPoolCents   int64
	Standings        []Standing
	Allocations      []contest.Allocation
}

// Engine performs the settlement computation. It holds no state.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Ready is the side-effect-free readiness predicate: a settlement can run
// once a final snapshot with at least one entry exists. It is evaluated
// before any mutation to branch LIVE->COMPLETE vs LIVE->ERROR.
func (e *Engine) Ready(snap *ResultsSnapshot) (bool, string) {
	if snap == nil {
		return false, "no results snapshot"
	}
	if !snap.Final {
		return false, "results snapshot not final"
	}
	if len(snap.Entries) == 0 {
		return false, "results snapshot has no entries"
	}
	return true, ""
}

// Compute produces the settlement outcome for a locked config and a final
// snapshot. Ties are broken by user id so ordering never depends on input
// order or map iteration.
func (e *Engine) Compute(contestID uuid.UUID, cfg contest.Config, snap *ResultsSnapshot) (*Outcome, error) {
	if ok, reason := e.Ready(snap); !ok {
		return nil, &contest.SettlementNotReadyError{ContestID: contestID, Reason: reason}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	standings := rankEntries(snap.Entries)
	totalPool := cfg.EntryFeeCents * int64(len(standings))
	allocations := allocate(standings, cfg.PrizeTable, totalPool)

	out := &Outcome{
		ContestID:        contestID,
		ParticipantCount: len(standings),
		TotalPoolCents:   totalPool,
		Standings:        standings,
		Allocations:      allocations,
	}
	out.ResultsHash = hashOutcome(out, cfg)
	return out, nil
}

// rankEntries sorts by score descending, user id ascending, and assigns
// dense 1-based ranks. Equal scores share a rank.
func rankEntries(entries []ResultEntry) []Standing {
	sorted := make([]ResultEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].UserID.String() < sorted[j].UserID.String()
	})

	standings := make([]Standing, len(sorted))
	rank := 0
	var prevScore int64
	for i, entry := range sorted {
		if i == 0 || entry.Score != prevScore {
			rank = i + 1
		}
		prevScore = entry.Score
		standings[i] = Standing{UserID: entry.UserID, Score: entry.Score, Rank: rank}
	}
	return standings
}

// allocate splits the pool across prize tiers in integer cents. The residual
// from integer division goes to the first winner so allocations always sum
// exactly to the allocated share of the pool. Tied ranks each receive the
// tier amount of the position they occupy in the sorted order.
func allocate(standings []Standing, tiers []contest.PrizeTier, totalPool int64) []contest.Allocation {
	var allocations []contest.Allocation
	var allocated int64

	for i, tier := range tiers {
		if i >= len(standings) {
			break
		}
		amount := totalPool * tier.BasisPoints / 10_000
		if amount <= 0 {
			continue
		}
		allocations = append(allocations, contest.Allocation{
			UserID:      standings[i].UserID,
			Rank:        standings[i].Rank,
			AmountCents: amount,
		})
		allocated += amount
	}

	// Residual cents lost to per-tier integer division. When every occupied
	// tier truncated to zero the residual is the whole occupied share; it
	// still goes to the first winner rather than being silently dropped.
	var tierSum int64
	for i, tier := range tiers {
		if i >= len(standings) {
			break
		}
		tierSum += tier.BasisPoints
	}
	exact := totalPool * tierSum / 10_000
	if residual := exact - allocated; residual > 0 {
		if len(allocations) == 0 {
			allocations = append(allocations, contest.Allocation{
				UserID:      standings[0].UserID,
				Rank:        standings[0].Rank,
				AmountCents: residual,
			})
		} else {
			allocations[0].AmountCents += residual
		}
	}

	return allocations
}

// hashOutcome content-hashes the canonical serialized outcome. Encoding is
// hand-built bytes with fixed field order, length-prefixed strings and
// little-endian int64s; sha256 over those bytes is the results hash.
func hashOutcome(out *Outcome, cfg contest.Config) string {
	buf := make([]byte, 0, 64+len(out.Standings)*64)
	buf = appendString(buf, hashSeed)
	buf = appendString(buf, out.ContestID.String())
	buf = appendString(buf, cfg.Hash())
	buf = appendInt64(buf, int64(out.ParticipantCount))
	buf = appendInt64(buf, out.TotalPoolCents)

	buf = appendInt64(buf, int64(len(out.Standings)))
	for _, s := range out.Standings {
		buf = appendString(buf, s.UserID.String())
		buf = appendInt64(buf, s.Score)
		buf = appendInt64(buf, int64(s.Rank))
	}

	buf = appendInt64(buf, int64(len(out.Allocations)))
	for _, a := range out.Allocations {
		buf = appendString(buf, a.UserID.String())
		buf = appendInt64(buf, int64(a.Rank))
		buf = appendInt64(buf, a.AmountCents)
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}
