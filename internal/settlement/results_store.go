package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResultsStore is the Postgres-backed ResultsSource. Score rows are upserted
// per (contest, user); the snapshot is final only when every row is final.
// Once final, rows stop changing, which gives the engine the stable input it
// requires.
type ResultsStore struct {
	db *sql.DB
}

func NewResultsStore(db *sql.DB) *ResultsStore {
	return &ResultsStore{db: db}
}

var _ ResultsSource = (*ResultsStore)(nil)

// Snapshot reads the contest's score rows. Ordering does not matter here:
// the engine ranks deterministically regardless of input order.
func (s *ResultsStore) Snapshot(ctx context.Context, contestID uuid.UUID) (*ResultsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, score, final
		FROM contest.results
		WHERE contest_instance_id = $1`,
		contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	snap := &ResultsSnapshot{ContestID: contestID, Final: true}
	for rows.Next() {
		var entry ResultEntry
		var final bool
		if err := rows.Scan(&entry.UserID, &entry.Score, &final); err != nil {
			return nil, err
		}
		if !final {
			snap.Final = false
		}
		snap.Entries = append(snap.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snap.Entries) == 0 {
		snap.Final = false
	}
	return snap, nil
}

// UpsertScores writes or replaces score rows for a contest in one statement.
func (s *ResultsStore) UpsertScores(ctx context.Context, contestID uuid.UUID, entries []ResultEntry, final bool) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO contest.results (contest_instance_id, user_id, score, final)
		VALUES `)
	args := make([]interface{}, 0, len(entries)*4)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, contestID, e.UserID, e.Score, final)
	}
	sb.WriteString(`
		ON CONFLICT (contest_instance_id, user_id)
		DO UPDATE SET score = EXCLUDED.score, final = EXCLUDED.final, updated_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert results: %w", err)
	}
	return nil
}
