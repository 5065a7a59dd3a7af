package store

import (
	"fmt"
	"time"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// AppendLog persists entries for a project and trims the project's log to
// the newest max entries in the same transaction, so storage stays bounded
// even if no reader ever trims.
func (s *Store) AppendLog(ddID string, entries []pipeline.LogEntry, max int) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO log_entries (id, dd_id, ts, type, message, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.ID, ddID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Type), e.Message, e.Details); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}

	if max > 0 {
		if _, err := tx.Exec(`
			DELETE FROM log_entries
			WHERE dd_id = ? AND seq NOT IN (
				SELECT seq FROM log_entries WHERE dd_id = ? ORDER BY seq DESC LIMIT ?
			)
		`, ddID, ddID, max); err != nil {
			return fmt.Errorf("trim log: %w", err)
		}
	}

	return tx.Commit()
}

// LoadLog returns a project's entries oldest first. Timestamps are parsed
// back from their stored RFC 3339 form.
func (s *Store) LoadLog(ddID string) ([]pipeline.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, ts, type, message, COALESCE(details, '')
		FROM log_entries
		WHERE dd_id = ?
		ORDER BY seq ASC
	`, ddID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.LogEntry
	for rows.Next() {
		var e pipeline.LogEntry
		var ts, typ string
		if err := rows.Scan(&e.ID, &ts, &typ, &e.Message, &e.Details); err != nil {
			return nil, err
		}
		e.Type = pipeline.LogType(typ)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %s: bad timestamp %q: %w", e.ID, ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogCount returns the number of stored entries for a project.
func (s *Store) LogCount(ddID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM log_entries WHERE dd_id = ?", ddID).Scan(&n)
	return n, err
}

// ClearLog removes a project's entries.
func (s *Store) ClearLog(ddID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM log_entries WHERE dd_id = ?", ddID)
	return err
}
