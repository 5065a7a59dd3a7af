// Package eventlog keeps the per-project, human-readable log of pipeline
// state transitions shown under the dashboard.
//
// Entries are append-only. Each append is persisted immediately and the
// store trims to the newest entries at write time.
package eventlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// DefaultMaxEntries caps the persisted log per project.
const DefaultMaxEntries = 500

// Persister stores log entries. *store.Store satisfies it.
type Persister interface {
	AppendLog(ddID string, entries []pipeline.LogEntry, max int) error
	LoadLog(ddID string) ([]pipeline.LogEntry, error)
}

// Log is the event log for a single project. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	ddID    string
	max     int
	entries []pipeline.LogEntry

	store  Persister // nil keeps the log in memory only
	logger *otel.Logger
	now    func() time.Time
}

// New returns an empty log for ddID. Call Load to restore persisted entries.
func New(ddID string, store Persister, max int, logger *otel.Logger) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{
		ddID:   ddID,
		max:    max,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// ProjectID returns the project this log belongs to.
func (l *Log) ProjectID() string { return l.ddID }

// Load replaces the in-memory entries with the persisted ones.
func (l *Log) Load() error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.LoadLog(l.ddID)
	if err != nil {
		l.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "eventlog", DDID: l.ddID, Op: "load", Err: err.Error()})
		return err
	}
	if len(entries) > l.max {
		entries = entries[len(entries)-l.max:]
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// Append adds one entry with a generated id and the current time.
func (l *Log) Append(typ pipeline.LogType, message, details string) pipeline.LogEntry {
	added := l.AppendDrafts([]Draft{{Type: typ, Message: message, Details: details}})
	return added[0]
}

// Draft is an entry before it has an id and timestamp.
type Draft struct {
	Type    pipeline.LogType
	Message string
	Details string
}

// AppendDrafts adds drafts in order as one persisted batch. A persistence
// failure is reported to the observability log; the entries stay in memory.
func (l *Log) AppendDrafts(drafts []Draft) []pipeline.LogEntry {
	if len(drafts) == 0 {
		return nil
	}
	l.mu.Lock()
	ts := l.now()
	added := make([]pipeline.LogEntry, len(drafts))
	for i, d := range drafts {
		added[i] = pipeline.LogEntry{
			ID:        uuid.NewString(),
			Timestamp: ts,
			Type:      d.Type,
			Message:   d.Message,
			Details:   d.Details,
		}
	}
	l.entries = append(l.entries, added...)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append([]pipeline.LogEntry(nil), l.entries[over:]...)
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendLog(l.ddID, added, l.max); err != nil {
			l.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "eventlog", DDID: l.ddID, Op: "append", Count: len(added), Err: err.Error()})
		}
	}
	return added
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []pipeline.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]pipeline.LogEntry(nil), l.entries...)
}

// Last returns up to n of the newest entries, oldest first.
func (l *Log) Last(n int) []pipeline.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	return append([]pipeline.LogEntry(nil), l.entries[len(l.entries)-n:]...)
}

// Len returns the number of entries held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
