package eventlog

import (
	"fmt"

	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Differ turns consecutive run snapshots and phases into log drafts. Each
// change yields exactly one draft; a value that has not changed since the
// previous observation yields nothing.
//
// The first observation after construction or Reset only sets the baseline.
// Not safe for concurrent use; the coordinator owns it.
type Differ struct {
	prev      *pipeline.RunSnapshot
	prevPhase pipeline.Phase
	primed    bool
}

// NewDiffer returns a Differ with no baseline.
func NewDiffer() *Differ {
	return &Differ{}
}

// Reset drops the baseline, e.g. when the observed project changes.
func (d *Differ) Reset() {
	d.prev = nil
	d.prevPhase = ""
	d.primed = false
}

// Observe compares run and ph against the previous observation and returns
// the drafts for what changed. run may be nil.
func (d *Differ) Observe(run *pipeline.RunSnapshot, ph pipeline.Phase) []Draft {
	if !d.primed {
		d.prev = run.Clone()
		d.prevPhase = ph
		d.primed = true
		return nil
	}

	prev := d.prev
	if prev != nil && run != nil && prev.RunID != run.RunID {
		// A new run starts its own history.
		prev = nil
	}

	var out []Draft
	statusDraft, statusOwnsPhase := statusChange(prev, run)
	if statusDraft != nil {
		out = append(out, *statusDraft)
	}
	if ph != d.prevPhase && !statusOwnsPhase {
		out = append(out, phaseDraft(ph, prev, run))
	}

	if prev != nil && run != nil {
		out = append(out, passDrafts(prev, run)...)
		out = append(out, documentDrafts(prev, run)...)
		if run.LastError != "" && run.LastError != prev.LastError && run.Status != pipeline.StatusFailed {
			out = append(out, Draft{Type: pipeline.LogError, Message: "Pipeline reported an error", Details: run.LastError})
		}
	}

	d.prev = run.Clone()
	d.prevPhase = ph
	return out
}

// statusChange reports run status changes that the phase does not express.
// When it returns true the phase draft is suppressed, because the status
// draft already describes the transition.
func statusChange(prev, run *pipeline.RunSnapshot) (*Draft, bool) {
	if prev == nil || run == nil || prev.Status == run.Status {
		return nil, false
	}
	switch run.Status {
	case pipeline.StatusPaused:
		return &Draft{Type: pipeline.LogWarning, Message: "Processing paused"}, true
	case pipeline.StatusCancelled:
		return &Draft{Type: pipeline.LogWarning, Message: "Processing cancelled"}, true
	}
	return nil, false
}

func phaseDraft(ph pipeline.Phase, prev, run *pipeline.RunSnapshot) Draft {
	switch ph {
	case pipeline.PhaseProcessing:
		if prev != nil && prev.Status == pipeline.StatusPaused {
			return Draft{Type: pipeline.LogInfo, Message: "Processing resumed"}
		}
		d := Draft{Type: pipeline.LogInfo, Message: "Processing started"}
		if run != nil && len(run.Documents) > 0 {
			d.Details = fmt.Sprintf("%d documents", len(run.Documents))
		}
		return d
	case pipeline.PhaseCompleted:
		d := Draft{Type: pipeline.LogSuccess, Message: "Processing completed"}
		if run != nil {
			d.Details = fmt.Sprintf("%d findings", run.FindingCounts.Total())
		}
		return d
	case pipeline.PhaseFailed:
		d := Draft{Type: pipeline.LogError, Message: "Processing failed"}
		if run != nil {
			d.Details = run.LastError
		}
		return d
	}
	return Draft{Type: pipeline.LogInfo, Message: phase.Label(ph)}
}

// passDrafts reports pass transitions and item progress. It reads the
// backend's own pass fields, so it must see snapshots before Normalize.
func passDrafts(prev, run *pipeline.RunSnapshot) []Draft {
	if run.Status.Terminal() {
		return nil
	}
	was, cur := prev.ActivePass(), run.ActivePass()
	if !cur.Valid() {
		return nil
	}
	if cur != was {
		d := Draft{
			Type:    pipeline.LogProgress,
			Message: fmt.Sprintf("Pass %d/%d: %s", cur.Index()+1, len(pipeline.Passes), cur.Label()),
		}
		if was.Valid() {
			d.Details = was.Label() + " complete"
		}
		return []Draft{d}
	}

	// Item counts only within the pass that stayed active.
	before, after := prev.Pass(cur), run.Pass(cur)
	if after.ItemsProcessed <= before.ItemsProcessed {
		return nil
	}
	d := Draft{
		Type:    pipeline.LogSuccess,
		Message: fmt.Sprintf("%s: %d items processed", cur.Label(), after.ItemsProcessed),
	}
	if after.TotalItems > 0 {
		d.Message = fmt.Sprintf("%s: %d/%d items processed", cur.Label(), after.ItemsProcessed, after.TotalItems)
	}
	return []Draft{d}
}

func documentDrafts(prev, run *pipeline.RunSnapshot) []Draft {
	was := make(map[string]pipeline.DocStatus, len(prev.Documents))
	for _, doc := range prev.Documents {
		was[doc.ID] = doc.Status
	}
	var out []Draft
	for _, doc := range run.Documents {
		before := was[doc.ID]
		if doc.Status == before {
			continue
		}
		name := doc.Filename
		if name == "" {
			name = doc.ID
		}
		switch doc.Status {
		case pipeline.DocProcessing:
			d := Draft{Type: pipeline.LogDocument, Message: "Processing " + name}
			if doc.CurrentPass.Valid() {
				d.Details = doc.CurrentPass.Label()
			}
			out = append(out, d)
		case pipeline.DocError:
			out = append(out, Draft{Type: pipeline.LogError, Message: "Document failed: " + name, Details: doc.Error})
		}
	}
	return out
}
