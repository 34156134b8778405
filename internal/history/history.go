package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is one recorded command transition.
type Entry struct {
	ID         int64           `json:"id"`
	Target     string          `json:"target"`
	CmdType    string          `json:"cmd_type"`
	CmdID      string          `json:"cmd_id"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Target restricts entries to one entity topic identifier.
	Target string

	// CmdType restricts entries to one command type.
	CmdType string

	// CmdID restricts entries to one command instance.
	CmdID string

	// Limit caps the result size (default 50, max 200).
	Limit int
}

// Store persists command transitions in the command_log table.
//
// The retained bus message only carries a command's latest status; the
// store keeps every transition so finished commands can still be
// inspected after their retained message is cleared.
type Store struct {
	db *sql.DB
}

// NewStore creates a command history store.
//
// Parameters:
//   - db: open SQLite connection with migrations applied
//
// Returns:
//   - *Store: store ready for use
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one command transition.
//
// Parameters:
//   - ctx: context for cancellation and timeout
//   - target: entity topic identifier the command addresses
//   - cmdType: command type
//   - cmdID: command instance identifier
//   - status: status the command transitioned into
//   - payload: full status message as published on the bus
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (s *Store) Record(ctx context.Context, target, cmdType, cmdID, status string, payload []byte) error {
	if target == "" || cmdType == "" || cmdID == "" || status == "" {
		return fmt.Errorf("target, cmd_type, cmd_id and status are required")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO command_log (target, cmd_type, cmd_id, status, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		target,
		cmdType,
		cmdID,
		status,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting command transition: %w", err)
	}

	return nil
}

// List returns recorded transitions matching the filter, newest first.
//
// Parameters:
//   - ctx: context for cancellation and timeout
//   - f: result filter, zero value lists everything
//
// Returns:
//   - []Entry: transitions ordered by recorded_at DESC, id DESC
//   - error: nil on success, otherwise the underlying query error
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, target, cmd_type, cmd_id, status, payload, recorded_at
	 FROM command_log
	 WHERE 1=1`
	args := []any{}
	if f.Target != "" {
		query += " AND target = ?"
		args = append(args, f.Target)
	}
	if f.CmdType != "" {
		query += " AND cmd_type = ?"
		args = append(args, f.CmdType)
	}
	if f.CmdID != "" {
		query += " AND cmd_id = ?"
		args = append(args, f.CmdID)
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var payload string
		var recordedAt string

		if err := rows.Scan(&entry.ID, &entry.Target, &entry.CmdType, &entry.CmdID, &entry.Status, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}
		entry.Payload = json.RawMessage(payload)

		timestamp, err := time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		entry.RecordedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return entries, nil
}

// Prune deletes transitions older than the given duration.
//
// Parameters:
//   - ctx: context for cancellation and timeout
//   - olderThan: retention window, entries older than now-olderThan go
//
// Returns:
//   - int64: number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM command_log WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting command log entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}
