// Package fakebackend simulates the Due Diligence pipeline backend: the
// progress, organisation, documents and control endpoints plus the live
// findings stream. Runs advance through the seven passes on Step.
package fakebackend

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

type project struct {
	ddID      string
	docs      []pipeline.WireProjectDocument
	org       pipeline.WireOrganisation
	activeRun string // last started run; empty before any start
	lastRun   string // last created run
}

type run struct {
	id     string
	name   string
	ddID   string
	docIDs []string
	status pipeline.RunStatus

	pass     int // index into pipeline.Passes
	progress int // within the current pass

	started     time.Time
	lastUpdated time.Time
	checkpoint  string
	stalled     bool

	counts    pipeline.WireFindingCounts
	tokensIn  int
	tokensOut int
	costUSD   float64
	lastError string
	retries   int
}

// state is the simulated backend's data. All access goes through mu.
type state struct {
	mu       sync.Mutex
	clock    clock.Clock
	projects map[string]*project
	runs     map[string]*run
	nextRun  int
}

func newState(clk clock.Clock) *state {
	return &state{
		clock:    clk,
		projects: make(map[string]*project),
		runs:     make(map[string]*run),
	}
}

// seed creates a project with n organised documents. The first unreadable
// documents fail the readability check; the rest are ready.
func (s *state) seed(ddID string, n, unreadable int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &project{ddID: ddID}
	categories := []string{"Corporate", "Contracts", "Employment", "Real estate", "IP"}
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		r := string(pipeline.ReadabilityReady)
		if i < unreadable {
			r = string(pipeline.ReadabilityFailed)
		}
		cat := categories[i%len(categories)]
		counts[cat]++
		p.docs = append(p.docs, pipeline.WireProjectDocument{
			ID:                uuid.NewString(),
			OriginalFileName:  fmt.Sprintf("document-%02d.pdf", i+1),
			ReadabilityStatus: r,
			Category:          cat,
		})
	}
	p.org = pipeline.WireOrganisation{
		Status:          string(pipeline.OrgOrganised),
		TotalDocuments:  n,
		ClassifiedCount: n,
		CategoryCounts:  counts,
		PercentComplete: 100,
	}
	s.projects[ddID] = p
}

func (s *state) readyDocIDs(p *project) []string {
	var ids []string
	for _, d := range p.docs {
		if d.ReadabilityStatus == string(pipeline.ReadabilityReady) {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (s *state) docName(p *project, id string) string {
	for _, d := range p.docs {
		if d.ID == id {
			return d.OriginalFileName
		}
	}
	return id
}

// busyRun returns the project's processing or paused run, if any.
func (s *state) busyRun(ddID string) *run {
	for _, r := range s.runs {
		if r.ddID == ddID && r.status.Active() {
			return r
		}
	}
	return nil
}

// lookup resolves a run id or, when empty, the project's current run.
func (s *state) lookup(runID, ddID string) *run {
	if runID != "" {
		return s.runs[runID]
	}
	p := s.projects[ddID]
	if p == nil {
		return nil
	}
	if p.activeRun != "" {
		return s.runs[p.activeRun]
	}
	return nil
}

func (s *state) wireProgress(r *run) pipeline.WireProgress {
	now := s.clock.Now()
	id := r.id
	w := pipeline.WireProgress{
		DDID:              r.ddID,
		RunID:             &id,
		Status:            string(r.status),
		PassProgress:      make(map[string]pipeline.WirePassProgress, len(pipeline.Passes)),
		TotalInputTokens:  r.tokensIn,
		TotalOutputTokens: r.tokensOut,
		EstimatedCostUSD:  r.costUSD,
		RetryCount:        r.retries,
	}
	counts := r.counts
	w.FindingCounts = &counts

	if r.status != pipeline.StatusPending {
		w.CurrentPass = string(pipeline.Passes[r.pass])
		started := r.started.UTC().Format(time.RFC3339Nano)
		updated := r.lastUpdated.UTC().Format(time.RFC3339Nano)
		w.StartedAt = &started
		w.LastUpdated = &updated
		w.ElapsedSeconds = r.lastUpdated.Sub(r.started).Seconds()
		if r.status.Active() {
			w.ElapsedSeconds = now.Sub(r.started).Seconds()
		}
	}
	if r.lastError != "" {
		msg := r.lastError
		w.LastError = &msg
	}

	for i, p := range pipeline.Passes {
		pp := pipeline.WirePassProgress{Status: string(pipeline.PassPending), TotalItems: len(r.docIDs)}
		switch {
		case r.status == pipeline.StatusPending:
		case r.status == pipeline.StatusCompleted || i < r.pass:
			pp.Status = string(pipeline.PassCompleted)
			pp.Progress = 100
			pp.ItemsProcessed = len(r.docIDs)
		case i == r.pass:
			pp.Status = string(pipeline.PassProcessing)
			if r.status == pipeline.StatusFailed {
				pp.Status = string(pipeline.PassFailed)
			}
			pp.Progress = float64(r.progress)
			pp.ItemsProcessed = len(r.docIDs) * r.progress / 100
		}
		w.PassProgress[string(p)] = pp
	}

	p := s.projects[r.ddID]
	for i, id := range r.docIDs {
		d := pipeline.WireDocument{ID: id, Filename: s.docName(p, id), Status: string(pipeline.DocQueued)}
		done := len(r.docIDs) * r.progress / 100
		switch {
		case r.status == pipeline.StatusCompleted:
			d.Status = string(pipeline.DocCompleted)
			d.Progress = 100
		case r.status == pipeline.StatusPending:
		case i < done:
			d.Status = string(pipeline.DocCompleted)
			d.Progress = 100
		case i == done:
			d.Status = string(pipeline.DocProcessing)
			d.CurrentPass = string(pipeline.Passes[r.pass])
		}
		w.Documents = append(w.Documents, d)
	}

	if r.status == pipeline.StatusProcessing {
		remaining := (len(pipeline.Passes)-r.pass)*100 - r.progress
		eta := now.Add(time.Duration(remaining) * time.Second).UTC().Format(time.RFC3339Nano)
		w.EstimatedCompletion = &eta
	}
	return w
}
