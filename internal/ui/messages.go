// Package ui provides the Bubble Tea dashboard for a Due Diligence run.
package ui

import (
	"time"

	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/stream"
)

// Snapshot is the reconciled view of a project sent after every poll.
type Snapshot struct {
	DDID  string
	RunID string

	Run         *pipeline.RunSnapshot // normalized for display; nil before the first run
	Org         *pipeline.OrganisationProgress
	Readability pipeline.ReadabilityState
	Phase       pipeline.Phase
	Paused      bool // effective paused state, including a pending pause/resume

	PollErr error // latest progress poll failure, nil after a success
	At      time.Time
}

// SnapshotMsg carries a new Snapshot.
type SnapshotMsg struct {
	Snapshot Snapshot
}

// StreamMsg is sent on every stream state change and new finding.
type StreamMsg struct {
	Status stream.Status
}

// LogMsg carries event-log entries. Reset replaces the visible log
// (project switch); otherwise Entries are appended.
type LogMsg struct {
	Entries []pipeline.LogEntry
	Reset   bool
}

// RunChanged is sent when the current run changes.
type RunChanged struct {
	Run lifecycle.RunRef
}

// ControlResult reports the outcome of a user action.
type ControlResult struct {
	Op  string
	Err error
}

// Tick drives elapsed-time and staleness display.
type Tick struct {
	At time.Time
}
