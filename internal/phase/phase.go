// Package phase derives the dashboard's UI phase from overlapping backend
// status fields.
//
// Run status, organisation status and the local readability view can
// disagree. Resolve applies one fixed priority order so every consumer
// (dashboard, event log, CLI) sees the same answer.
package phase

import (
	"strings"
	"time"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// DefaultStuckThreshold is how long a processing run may go without a
// lastUpdated change before it is considered stuck.
const DefaultStuckThreshold = 2 * time.Minute

// Resolve maps the current snapshots to a Phase. First match wins:
//
//  1. run completed  -> completed
//  2. run failed     -> failed
//  3. run processing -> processing
//  4. organisation status (classifying, classified, cancelled, organising, organised);
//     no status at all with documents present is classifying
//  5. any document readability checking -> readability
//  6. all documents terminal and readability recorded as run -> ready
//  7. otherwise -> readability
//
// run and org may be nil. A paused run is not processing here.
func Resolve(run *pipeline.RunSnapshot, org *pipeline.OrganisationProgress, rs pipeline.ReadabilityState) pipeline.Phase {
	if run != nil {
		switch run.Status {
		case pipeline.StatusCompleted:
			return pipeline.PhaseCompleted
		case pipeline.StatusFailed:
			return pipeline.PhaseFailed
		case pipeline.StatusProcessing:
			return pipeline.PhaseProcessing
		}
	}

	var orgStatus pipeline.OrgStatus
	if org != nil {
		orgStatus = org.Status
	}
	switch orgStatus {
	case pipeline.OrgClassifying:
		return pipeline.PhaseClassifying
	case "":
		if len(rs.Documents) > 0 {
			return pipeline.PhaseClassifying
		}
	case pipeline.OrgClassified:
		return pipeline.PhaseClassified
	case pipeline.OrgCancelled:
		return pipeline.PhaseCancelled
	case pipeline.OrgOrganising:
		return pipeline.PhaseOrganising
	case pipeline.OrgOrganised, pipeline.OrgCompleted:
		return pipeline.PhaseOrganised
	}

	if rs.AnyChecking() {
		return pipeline.PhaseReadability
	}
	if rs.AllTerminal() && rs.Checked {
		return pipeline.PhaseReady
	}
	return pipeline.PhaseReadability
}

// IsStuck reports whether a processing run has gone without a lastUpdated
// change for longer than threshold. It is a best-effort heuristic: the
// backend sends no stuck signal. A run with no lastUpdated is measured from
// StartedAt.
func IsStuck(run *pipeline.RunSnapshot, now time.Time, threshold time.Duration) bool {
	if run == nil || run.Status != pipeline.StatusProcessing {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	ref := run.LastUpdated
	if ref.IsZero() {
		ref = run.StartedAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) > threshold
}

// cancellationMarkers identify failure messages caused by a user cancel.
var cancellationMarkers = []string{"cancelled by user", "canceled by user", "user cancelled", "user canceled", "cancellation requested"}

// FailedUnexpectedly reports whether run failed for a reason other than a
// user-initiated cancellation.
func FailedUnexpectedly(run *pipeline.RunSnapshot) bool {
	if run == nil || run.Status != pipeline.StatusFailed {
		return false
	}
	msg := strings.ToLower(run.LastError)
	for _, m := range cancellationMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

// CanRestart reports whether restart is offered for run.
func CanRestart(run *pipeline.RunSnapshot, now time.Time, threshold time.Duration) bool {
	return IsStuck(run, now, threshold) || FailedUnexpectedly(run)
}

// Elapsed returns how long the run has been active. Paused runs keep
// accruing time. Terminal runs report the backend's elapsed seconds.
func Elapsed(run *pipeline.RunSnapshot, now time.Time) time.Duration {
	if run == nil {
		return 0
	}
	reported := time.Duration(run.ElapsedSeconds) * time.Second
	if !run.Status.Active() || run.StartedAt.IsZero() {
		return reported
	}
	if d := now.Sub(run.StartedAt); d > reported {
		return d
	}
	return reported
}

// Label returns short display text for p.
func Label(p pipeline.Phase) string {
	switch p {
	case pipeline.PhaseClassifying:
		return "Classifying documents"
	case pipeline.PhaseClassified:
		return "Classification complete"
	case pipeline.PhaseOrganising:
		return "Organising documents"
	case pipeline.PhaseOrganised:
		return "Documents organised"
	case pipeline.PhaseReadability:
		return "Readability check"
	case pipeline.PhaseReady:
		return "Ready to process"
	case pipeline.PhaseProcessing:
		return "Processing"
	case pipeline.PhaseCompleted:
		return "Completed"
	case pipeline.PhaseFailed:
		return "Failed"
	case pipeline.PhaseCancelled:
		return "Cancelled"
	}
	return string(p)
}
