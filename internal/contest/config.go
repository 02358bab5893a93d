package contest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Config is the immutable contest configuration. It is fixed once the
// contest leaves SCHEDULED and is one of the two settlement inputs.
type Config struct {
	EntryFeeCents int64       `json:"entry_fee_cents"`
	MaxEntries    int         `json:"max_entries"`
	PrizeTable    []PrizeTier `json:"prize_table"`
}

// PrizeTier maps a final rank to its share of the pool in basis points.
type PrizeTier struct {
	Rank        int   `json:"rank"`
	BasisPoints int64 `json:"basis_points"`
}

const bpsDenominator = 10_000

// Validate checks structural sanity: positive fees, a non-empty prize table
// with unique consecutive ranks starting at 1, and shares summing to at most
// 10_000 bps.
func (c Config) Validate() error {
	if c.EntryFeeCents < 0 {
		return &ValidationError{Field: "entry_fee_cents", Reason: "must be non-negative"}
	}
	if c.MaxEntries <= 0 {
		return &ValidationError{Field: "max_entries", Reason: "must be positive"}
	}
	if len(c.PrizeTable) == 0 {
		return &ValidationError{Field: "prize_table", Reason: "must not be empty"}
	}
	var total int64
	for i, tier := range c.PrizeTable {
		if tier.Rank != i+1 {
			return &ValidationError{Field: "prize_table", Reason: fmt.Sprintf("ranks must be consecutive from 1, got %d at index %d", tier.Rank, i)}
		}
		if tier.BasisPoints <= 0 {
			return &ValidationError{Field: "prize_table", Reason: "basis points must be positive"}
		}
		total += tier.BasisPoints
	}
	if total > bpsDenominator {
		return &ValidationError{Field: "prize_table", Reason: fmt.Sprintf("shares sum to %d bps, max %d", total, bpsDenominator)}
	}
	return nil
}

// Hash returns the canonical content hash of the config. The encoding is
// hand-built bytes, not JSON: field order and integer width are fixed so the
// same config always hashes to the same value.
func (c Config) Hash() string {
	tiers := make([]PrizeTier, len(c.PrizeTable))
	copy(tiers, c.PrizeTable)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Rank < tiers[j].Rank })

	buf := make([]byte, 0, 16+len(tiers)*16)
	buf = appendInt64LE(buf, c.EntryFeeCents)
	buf = appendInt64LE(buf, int64(c.MaxEntries))
	buf = appendInt64LE(buf, int64(len(tiers)))
	for _, tier := range tiers {
		buf = appendInt64LE(buf, int64(tier.Rank))
		buf = appendInt64LE(buf, tier.BasisPoints)
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// MarshalConfig serializes a config for storage alongside the contest row.
func MarshalConfig(c Config) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalConfig parses a stored config payload.
func UnmarshalConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal contest config: %w", err)
	}
	return c, nil
}

func appendInt64LE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}
