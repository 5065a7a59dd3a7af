package store

import (
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
)

// DocSetKey canonicalizes a document id set: deduplicated, sorted and joined.
// Two selections are the same set exactly when their keys are equal.
func DocSetKey(ids []string) string {
	seen := make(map[string]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "\x1f")
}

// RecordRunSelection remembers which documents a run was created with.
func (s *Store) RecordRunSelection(ddID, runID string, docIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO run_selections (run_id, dd_id, doc_set, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET doc_set = excluded.doc_set
	`, runID, ddID, DocSetKey(docIDs), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RunSelection returns the document ids a run was created with.
// Returns nil, nil when the run is unknown.
func (s *Store) RunSelection(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var key string
	err := s.db.QueryRow("SELECT doc_set FROM run_selections WHERE run_id = ?", runID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if key == "" {
		return []string{}, nil
	}
	return strings.Split(key, "\x1f"), nil
}

// MarkRunCompleted records that a run finished successfully. Unknown runs
// are ignored.
func (s *Store) MarkRunCompleted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE run_selections SET completed_at = ?
		WHERE run_id = ? AND completed_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), runID)
	return err
}

// CompletedRunWithDocs returns the id of a completed run of ddID whose
// document set equals docIDs exactly, or "" when there is none.
func (s *Store) CompletedRunWithDocs(ddID string, docIDs []string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runID string
	err := s.db.QueryRow(`
		SELECT run_id FROM run_selections
		WHERE dd_id = ? AND doc_set = ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`, ddID, DocSetKey(docIDs)).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, err
}

// SetCurrentRun persists the project's current run identity.
func (s *Store) SetCurrentRun(ddID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO project_state (dd_id, current_run, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(dd_id) DO UPDATE SET current_run = excluded.current_run, updated_at = excluded.updated_at
	`, ddID, runID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// CurrentRun returns the persisted current run for ddID, or "".
func (s *Store) CurrentRun(ddID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runID sql.NullString
	err := s.db.QueryRow("SELECT current_run FROM project_state WHERE dd_id = ?", ddID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID.String, err
}

// SetReadabilityChecked records whether a readability pass has been run
// for the project from this dashboard.
func (s *Store) SetReadabilityChecked(ddID string, checked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO project_state (dd_id, readability_checked, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(dd_id) DO UPDATE SET readability_checked = excluded.readability_checked, updated_at = excluded.updated_at
	`, ddID, boolToInt(checked), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ReadabilityChecked reports the persisted readability flag.
func (s *Store) ReadabilityChecked(ddID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v int
	err := s.db.QueryRow("SELECT readability_checked FROM project_state WHERE dd_id = ?", ddID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v != 0, err
}
