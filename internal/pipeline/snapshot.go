package pipeline

import "time"

// RunStatus is the backend-declared status of a run. It is not fully
// trustworthy; see phase.Resolve for how it is combined with other fields.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusProcessing RunStatus = "processing"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusPaused     RunStatus = "paused"
	StatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further progress is expected for the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the run is processing or paused. A paused run still
// accrues elapsed time but is not "processing" for phase purposes.
func (s RunStatus) Active() bool {
	return s == StatusProcessing || s == StatusPaused
}

// DocStatus is the processing state of one document within a run.
type DocStatus string

const (
	DocQueued     DocStatus = "queued"
	DocProcessing DocStatus = "processing"
	DocCompleted  DocStatus = "completed"
	DocError      DocStatus = "error"
)

// DocumentStatus is the per-document state inside a RunSnapshot.
type DocumentStatus struct {
	ID          string
	Filename    string
	Status      DocStatus
	CurrentPass Pass
	Progress    int
	Error       string
}

// FindingCounts aggregates findings by severity and deal-impact category.
// All counters are monotonically non-decreasing within a run.
type FindingCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
	Info     int

	DealBlockers        int
	ConditionPrecedents int
	PriceImpacts        int
	Warranties          int
	Indemnities         int
}

// Total returns the number of findings across all severities.
func (c FindingCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

func (c FindingCounts) max(o FindingCounts) FindingCounts {
	return FindingCounts{
		Critical:            maxInt(c.Critical, o.Critical),
		High:                maxInt(c.High, o.High),
		Medium:              maxInt(c.Medium, o.Medium),
		Low:                 maxInt(c.Low, o.Low),
		Info:                maxInt(c.Info, o.Info),
		DealBlockers:        maxInt(c.DealBlockers, o.DealBlockers),
		ConditionPrecedents: maxInt(c.ConditionPrecedents, o.ConditionPrecedents),
		PriceImpacts:        maxInt(c.PriceImpacts, o.PriceImpacts),
		Warranties:          maxInt(c.Warranties, o.Warranties),
		Indemnities:         maxInt(c.Indemnities, o.Indemnities),
	}
}

// RunSnapshot is the polled point-in-time state of one processing run.
// A snapshot is superseded wholesale by the next poll.
type RunSnapshot struct {
	DDID  string
	RunID string // empty until the backend assigns one

	Status       RunStatus
	CurrentPass  Pass
	PassProgress map[Pass]PassProgress
	Documents    []DocumentStatus

	StartedAt           time.Time
	LastUpdated         time.Time // zero when unknown
	EstimatedCompletion time.Time // zero when unknown
	ElapsedSeconds      int

	TotalInputTokens  int
	TotalOutputTokens int
	EstimatedCostUSD  float64

	FindingCounts FindingCounts

	LastError  string
	RetryCount int
}

// Pass returns the progress of p, or the zero value when absent.
func (s *RunSnapshot) Pass(p Pass) PassProgress {
	if s == nil || s.PassProgress == nil {
		return PassProgress{Status: PassPending}
	}
	pp, ok := s.PassProgress[p]
	if !ok {
		return PassProgress{Status: PassPending}
	}
	return pp
}

// DocumentsByStatus counts documents in each status.
func (s *RunSnapshot) DocumentsByStatus() map[DocStatus]int {
	out := make(map[DocStatus]int, 4)
	if s == nil {
		return out
	}
	for _, d := range s.Documents {
		out[d.Status]++
	}
	return out
}

// OverallProgress returns the run's progress across all passes, 0..100.
func (s *RunSnapshot) OverallProgress() int {
	if s == nil {
		return 0
	}
	if s.Status == StatusCompleted {
		return 100
	}
	total := 0
	for _, p := range Passes {
		total += s.Pass(p).Progress
	}
	return total / len(Passes)
}

// ActivePass returns the furthest pass the backend reports as started:
// CurrentPass, or a later pass that is processing or has progress. The
// backend can advance pass progress before it updates current_pass.
func (s *RunSnapshot) ActivePass() Pass {
	if s == nil {
		return ""
	}
	active := s.CurrentPass
	if !active.Valid() {
		active = ""
	}
	for _, p := range Passes {
		pp := s.Pass(p)
		started := pp.Status == PassProcessing || pp.Status == PassCompleted || pp.Progress > 0
		if started && (active == "" || active.Before(p)) {
			active = p
		}
	}
	return active
}

// Normalize enforces the pass-ordering invariant for display: passes before
// CurrentPass report completed/100 and passes after report pending/0. When
// the run failed, passes at or before the current pass keep a failed status.
// A completed run reports every pass as completed.
func (s *RunSnapshot) Normalize() {
	if s == nil {
		return
	}
	if s.PassProgress == nil {
		s.PassProgress = make(map[Pass]PassProgress, len(Passes))
	}
	if s.Status == StatusCompleted {
		for _, p := range Passes {
			pp := s.PassProgress[p]
			if pp.Status != PassSkipped {
				pp.Status = PassCompleted
				pp.Progress = 100
				if pp.TotalItems > 0 {
					pp.ItemsProcessed = pp.TotalItems
				}
			}
			s.PassProgress[p] = pp
		}
		return
	}
	cur := s.CurrentPass.Index()
	for i, p := range Passes {
		pp := s.PassProgress[p]
		pp.Progress = clampPercent(pp.Progress)
		switch {
		case cur < 0:
			if pp.Status == "" {
				pp.Status = PassPending
			}
		case i < cur:
			if s.Status == StatusFailed && pp.Status == PassFailed {
				break
			}
			if pp.Status != PassSkipped {
				pp.Status = PassCompleted
				pp.Progress = 100
				if pp.TotalItems > 0 {
					pp.ItemsProcessed = pp.TotalItems
				}
			}
		case i > cur:
			pp = PassProgress{Status: PassPending, TotalItems: pp.TotalItems}
		default:
			if s.Status == StatusFailed {
				pp.Status = PassFailed
			} else if pp.Status == "" || pp.Status == PassPending {
				pp.Status = PassProcessing
			}
		}
		s.PassProgress[p] = pp
	}
}

// MergeMonotonic holds cost, token and finding counters at their previous
// maximum when prev describes the same run. Counters reset when the run
// identity changes.
func (s *RunSnapshot) MergeMonotonic(prev *RunSnapshot) {
	if s == nil || prev == nil {
		return
	}
	if s.RunID == "" || s.RunID != prev.RunID {
		return
	}
	s.TotalInputTokens = maxInt(s.TotalInputTokens, prev.TotalInputTokens)
	s.TotalOutputTokens = maxInt(s.TotalOutputTokens, prev.TotalOutputTokens)
	if prev.EstimatedCostUSD > s.EstimatedCostUSD {
		s.EstimatedCostUSD = prev.EstimatedCostUSD
	}
	s.FindingCounts = s.FindingCounts.max(prev.FindingCounts)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *RunSnapshot) Clone() *RunSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.PassProgress != nil {
		c.PassProgress = make(map[Pass]PassProgress, len(s.PassProgress))
		for k, v := range s.PassProgress {
			c.PassProgress[k] = v
		}
	}
	if s.Documents != nil {
		c.Documents = append([]DocumentStatus(nil), s.Documents...)
	}
	return &c
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
