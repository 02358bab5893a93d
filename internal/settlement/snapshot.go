package settlement

import (
	"context"

	"github.com/google/uuid"
)

// ResultEntry is one participant's final score in the results snapshot.
type ResultEntry struct {
	UserID uuid.UUID `json:"user_id"`
	Score  int64     `json:"score"`
}

// ResultsSnapshot is the read-only scoring output consumed by the engine.
// Ingestion and the scoring formula are external collaborators; only this
// snapshot crosses the boundary.
type ResultsSnapshot struct {
	ContestID uuid.UUID     `json:"contest_id"`
	Final     bool          `json:"final"`
	Entries   []ResultEntry `json:"entries"`
}

// ResultsSource provides the snapshot for a contest. Implementations must
// return a stable snapshot once Final is true: settlement replay depends on
// identical inputs yielding identical output.
type ResultsSource interface {
	Snapshot(ctx context.Context, contestID uuid.UUID) (*ResultsSnapshot, error)
}
