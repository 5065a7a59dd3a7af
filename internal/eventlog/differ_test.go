package eventlog

import (
	"testing"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

func processing(pass pipeline.Pass, progress, items int) *pipeline.RunSnapshot {
	return &pipeline.RunSnapshot{
		RunID:       "r1",
		Status:      pipeline.StatusProcessing,
		CurrentPass: pass,
		PassProgress: map[pipeline.Pass]pipeline.PassProgress{
			pass: {Status: pipeline.PassProcessing, Progress: progress, ItemsProcessed: items, TotalItems: 10},
		},
	}
}

func TestFirstObservationIsBaseline(t *testing.T) {
	d := NewDiffer()
	if got := d.Observe(processing(pipeline.PassAnalyze, 50, 5), pipeline.PhaseProcessing); got != nil {
		t.Errorf("baseline emitted %+v", got)
	}
}

func TestUnchangedSnapshotEmitsNothing(t *testing.T) {
	d := NewDiffer()
	s := processing(pipeline.PassExtract, 40, 4)
	d.Observe(nil, pipeline.PhaseReadability)
	if got := d.Observe(s, pipeline.PhaseProcessing); len(got) == 0 {
		t.Fatal("expected entries for processing start")
	}
	if got := d.Observe(s.Clone(), pipeline.PhaseProcessing); len(got) != 0 {
		t.Errorf("unchanged snapshot emitted %+v", got)
	}
}

func TestItemIncrementEmitsOneSuccess(t *testing.T) {
	d := NewDiffer()
	d.Observe(processing(pipeline.PassCalculate, 30, 3), pipeline.PhaseProcessing)
	got := d.Observe(processing(pipeline.PassCalculate, 40, 4), pipeline.PhaseProcessing)
	if len(got) != 1 {
		t.Fatalf("got %d drafts: %+v", len(got), got)
	}
	if got[0].Type != pipeline.LogSuccess {
		t.Errorf("type = %s, want success", got[0].Type)
	}
	if got[0].Message != "Calculate: 4/10 items processed" {
		t.Errorf("message = %q", got[0].Message)
	}
}

func TestPassTransitionFromPassProgress(t *testing.T) {
	d := NewDiffer()
	d.Observe(processing(pipeline.PassExtract, 40, 4), pipeline.PhaseProcessing)

	next := processing(pipeline.PassExtract, 100, 10)
	next.PassProgress[pipeline.PassAnalyze] = pipeline.PassProgress{Progress: 10}
	got := d.Observe(next, pipeline.PhaseProcessing)
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Type != pipeline.LogProgress || got[0].Message != "Pass 2/7: Analyze" || got[0].Details != "Extract complete" {
		t.Errorf("draft = %+v", got[0])
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		to      pipeline.RunStatus
		ph      pipeline.Phase
		lastErr string
		typ     pipeline.LogType
		msg     string
	}{
		{"paused", pipeline.StatusPaused, pipeline.PhaseOrganised, "", pipeline.LogWarning, "Processing paused"},
		{"cancelled", pipeline.StatusCancelled, pipeline.PhaseOrganised, "", pipeline.LogWarning, "Processing cancelled"},
		{"completed", pipeline.StatusCompleted, pipeline.PhaseCompleted, "", pipeline.LogSuccess, "Processing completed"},
		{"failed", pipeline.StatusFailed, pipeline.PhaseFailed, "worker crashed", pipeline.LogError, "Processing failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDiffer()
			d.Observe(processing(pipeline.PassVerify, 50, 5), pipeline.PhaseProcessing)
			next := processing(pipeline.PassVerify, 50, 5)
			next.Status = tt.to
			next.LastError = tt.lastErr
			got := d.Observe(next, tt.ph)
			if len(got) != 1 {
				t.Fatalf("got %d drafts: %+v", len(got), got)
			}
			if got[0].Type != tt.typ || got[0].Message != tt.msg {
				t.Errorf("draft = %+v", got[0])
			}
		})
	}
}

func TestResumeAfterPause(t *testing.T) {
	d := NewDiffer()
	paused := processing(pipeline.PassAnalyze, 20, 2)
	paused.Status = pipeline.StatusPaused
	d.Observe(paused, pipeline.PhaseOrganised)
	got := d.Observe(processing(pipeline.PassAnalyze, 20, 2), pipeline.PhaseProcessing)
	if len(got) != 1 || got[0].Message != "Processing resumed" {
		t.Errorf("got %+v", got)
	}
}

func TestDocumentStartAndError(t *testing.T) {
	d := NewDiffer()
	a := processing(pipeline.PassExtract, 10, 1)
	a.Documents = []pipeline.DocumentStatus{
		{ID: "d1", Filename: "lease.pdf", Status: pipeline.DocQueued},
		{ID: "d2", Filename: "nda.pdf", Status: pipeline.DocProcessing},
	}
	d.Observe(a, pipeline.PhaseProcessing)

	b := a.Clone()
	b.Documents = []pipeline.DocumentStatus{
		{ID: "d1", Filename: "lease.pdf", Status: pipeline.DocProcessing, CurrentPass: pipeline.PassExtract},
		{ID: "d2", Filename: "nda.pdf", Status: pipeline.DocError, Error: "unreadable"},
	}
	got := d.Observe(b, pipeline.PhaseProcessing)
	if len(got) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Type != pipeline.LogDocument || got[0].Message != "Processing lease.pdf" || got[0].Details != "Extract" {
		t.Errorf("start draft = %+v", got[0])
	}
	if got[1].Type != pipeline.LogError || got[1].Details != "unreadable" {
		t.Errorf("error draft = %+v", got[1])
	}
	if again := d.Observe(b.Clone(), pipeline.PhaseProcessing); len(again) != 0 {
		t.Errorf("re-emitted %+v", again)
	}
}

func TestNewLastErrorOnce(t *testing.T) {
	d := NewDiffer()
	d.Observe(processing(pipeline.PassAnalyze, 20, 2), pipeline.PhaseProcessing)
	s := processing(pipeline.PassAnalyze, 20, 2)
	s.LastError = "rate limited, retrying"
	if got := d.Observe(s, pipeline.PhaseProcessing); len(got) != 1 || got[0].Type != pipeline.LogError {
		t.Fatalf("got %+v", got)
	}
	if got := d.Observe(s.Clone(), pipeline.PhaseProcessing); len(got) != 0 {
		t.Errorf("repeated error emitted %+v", got)
	}
}

func TestNewRunStartsFreshHistory(t *testing.T) {
	d := NewDiffer()
	d.Observe(processing(pipeline.PassVerify, 90, 9), pipeline.PhaseProcessing)
	next := processing(pipeline.PassExtract, 5, 0)
	next.RunID = "r2"
	if got := d.Observe(next, pipeline.PhaseProcessing); len(got) != 0 {
		t.Errorf("new run compared against old run: %+v", got)
	}
}

func TestPollSequenceDrivesLog(t *testing.T) {
	d := NewDiffer()
	pending := &pipeline.RunSnapshot{RunID: "r1", Status: pipeline.StatusPending}
	second := processing(pipeline.PassExtract, 40, 0)
	third := processing(pipeline.PassExtract, 100, 0)
	third.PassProgress[pipeline.PassAnalyze] = pipeline.PassProgress{Progress: 10}
	done := &pipeline.RunSnapshot{RunID: "r1", Status: pipeline.StatusCompleted}

	steps := []struct {
		snap *pipeline.RunSnapshot
		ph   pipeline.Phase
	}{
		{pending, pipeline.PhaseReadability},
		{second, pipeline.PhaseProcessing},
		{third, pipeline.PhaseProcessing},
		{done, pipeline.PhaseCompleted},
	}
	var all []Draft
	for _, s := range steps {
		all = append(all, d.Observe(s.snap, s.ph)...)
	}

	var sawTransition, sawCompletion bool
	for _, dr := range all {
		if dr.Message == "Pass 2/7: Analyze" {
			sawTransition = true
		}
		if dr.Message == "Processing completed" {
			sawCompletion = true
		}
	}
	if !sawTransition || !sawCompletion {
		t.Errorf("log = %+v", all)
	}
}
