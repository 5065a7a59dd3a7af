package pipeline

// OrgStatus is the backend-declared status of the pre-pipeline
// classification/organisation stage.
type OrgStatus string

const (
	OrgPending     OrgStatus = "pending"
	OrgClassifying OrgStatus = "classifying"
	OrgClassified  OrgStatus = "classified"
	OrgOrganising  OrgStatus = "organising"
	OrgOrganised   OrgStatus = "organised"
	OrgCompleted   OrgStatus = "completed"
	OrgCancelled   OrgStatus = "cancelled"
	OrgFailed      OrgStatus = "failed"
)

// Terminal reports whether the organisation stage has stopped changing.
func (s OrgStatus) Terminal() bool {
	switch s {
	case OrgOrganised, OrgCompleted, OrgCancelled, OrgFailed:
		return true
	}
	return false
}

// OrganisationProgress is a snapshot of the classification/organisation stage.
type OrganisationProgress struct {
	Status          OrgStatus
	TotalDocuments  int
	Classified      int
	Failed          int
	NeedsReview     int
	CategoryCounts  map[string]int
	PercentComplete int
	Error           string
}

// Readability is the local readability-check state of a document.
type Readability string

const (
	ReadabilityPending  Readability = "pending"
	ReadabilityChecking Readability = "checking"
	ReadabilityReady    Readability = "ready"
	ReadabilityFailed   Readability = "failed"
)

// Terminal reports whether the readability check for a document has finished.
func (r Readability) Terminal() bool {
	return r == ReadabilityReady || r == ReadabilityFailed
}

// Document is a project document as seen by the dashboard before processing.
type Document struct {
	ID          string
	Filename    string
	Readability Readability
	Category    string
}

// ReadabilityState is the local readability view of a project.
// Checked records that a readability pass has been run from this dashboard.
type ReadabilityState struct {
	Documents []Document
	Checked   bool
}

// ReadyIDs returns ids of documents whose readability is ready, in order.
func (r ReadabilityState) ReadyIDs() []string {
	var ids []string
	for _, d := range r.Documents {
		if d.Readability == ReadabilityReady {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// AnyChecking reports whether any document is still being checked.
func (r ReadabilityState) AnyChecking() bool {
	for _, d := range r.Documents {
		if d.Readability == ReadabilityChecking {
			return true
		}
	}
	return false
}

// AllTerminal reports whether every document has a terminal readability
// state. An empty document set is never terminal.
func (r ReadabilityState) AllTerminal() bool {
	if len(r.Documents) == 0 {
		return false
	}
	for _, d := range r.Documents {
		if !d.Readability.Terminal() {
			return false
		}
	}
	return true
}

// Failed returns ids among want whose readability failed.
func (r ReadabilityState) Failed(want []string) []string {
	set := make(map[string]bool, len(want))
	for _, id := range want {
		set[id] = true
	}
	var out []string
	for _, d := range r.Documents {
		if set[d.ID] && d.Readability == ReadabilityFailed {
			out = append(out, d.ID)
		}
	}
	return out
}
