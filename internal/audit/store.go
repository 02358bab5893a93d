package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

// Record is one append-only audit row. One is written for every attempted
// lifecycle operation, including no-ops and rejections.
type Record struct {
	ContestID  uuid.UUID              `json:"contest_instance_id"`
	Actor      contest.Actor          `json:"actor"`
	Action     string                 `json:"action"`
	FromStatus contest.Status         `json:"from_status"`
	ToStatus   contest.Status         `json:"to_status"`
	Reason     string                 `json:"reason"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Store appends audit records. There is no update or delete.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WriteTx appends a record inside the caller's transaction so the audit row
// commits (or rolls back) together with the operation it describes. The
// created_at written to the row is the same one the caller publishes.
func (s *Store) WriteTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	var payload []byte
	if rec.Payload != nil {
		var err error
		payload, err = json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO contest.admin_audit
			(contest_instance_id, actor, action, from_status, to_status, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ContestID, string(rec.Actor), rec.Action,
		nullIfEmpty(string(rec.FromStatus)), nullIfEmpty(string(rec.ToStatus)),
		rec.Reason, nullIfNilBytes(payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListForContest returns the audit trail for one contest, oldest first.
func (s *Store) ListForContest(ctx context.Context, contestID uuid.UUID) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contest_instance_id, actor, action,
		       COALESCE(from_status, ''), COALESCE(to_status, ''),
		       COALESCE(reason, ''), payload, created_at
		FROM contest.admin_audit
		WHERE contest_instance_id = $1
		ORDER BY id`,
		contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var actor, from, to string
		var payload []byte
		if err := rows.Scan(&rec.ContestID, &actor, &rec.Action, &from, &to, &rec.Reason, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Actor = contest.Actor(actor)
		rec.FromStatus = contest.Status(from)
		rec.ToStatus = contest.Status(to)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNilBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
