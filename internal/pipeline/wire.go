package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// WirePassProgress is the backend JSON shape of one pass entry.
type WirePassProgress struct {
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	ItemsProcessed int     `json:"items_processed"`
	TotalItems     int     `json:"total_items"`
}

// WireDocument is the backend JSON shape of a document inside /progress.
type WireDocument struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	Status      string  `json:"status"`
	CurrentPass string  `json:"current_pass,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// WireFindingCounts is the backend JSON shape of finding counters.
type WireFindingCounts struct {
	Critical            int `json:"critical"`
	High                int `json:"high"`
	Medium              int `json:"medium"`
	Low                 int `json:"low"`
	Info                int `json:"info"`
	DealBlockers        int `json:"deal_blockers"`
	ConditionPrecedents int `json:"condition_precedents"`
	PriceImpacts        int `json:"price_impacts"`
	Warranties          int `json:"warranties"`
	Indemnities         int `json:"indemnities"`
}

// WireProgress is the JSON body of GET /progress.
type WireProgress struct {
	DDID                string                      `json:"dd_id"`
	RunID               *string                     `json:"run_id"`
	Status              string                      `json:"status"`
	CurrentPass         string                      `json:"current_pass"`
	PassProgress        map[string]WirePassProgress `json:"pass_progress"`
	Documents           []WireDocument              `json:"documents"`
	StartedAt           *string                     `json:"started_at"`
	LastUpdated         *string                     `json:"last_updated"`
	EstimatedCompletion *string                     `json:"estimated_completion"`
	ElapsedSeconds      float64                     `json:"elapsed_seconds"`
	TotalInputTokens    int                         `json:"total_input_tokens"`
	TotalOutputTokens   int                         `json:"total_output_tokens"`
	EstimatedCostUSD    float64                     `json:"estimated_cost_usd"`
	FindingCounts       *WireFindingCounts          `json:"finding_counts"`
	LastError           *string                     `json:"last_error"`
	RetryCount          int                         `json:"retry_count"`
}

// DecodeSnapshot parses a /progress body into a RunSnapshot. Absent numeric
// fields default to 0 and every pass gets an entry, so consumers never branch
// on missing data.
func DecodeSnapshot(data []byte) (*RunSnapshot, error) {
	var w WireProgress
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return w.Snapshot(), nil
}

// Snapshot converts the wire shape into a RunSnapshot.
func (w WireProgress) Snapshot() *RunSnapshot {
	s := &RunSnapshot{
		DDID:              w.DDID,
		RunID:             deref(w.RunID),
		Status:            parseRunStatus(w.Status),
		PassProgress:      make(map[Pass]PassProgress, len(Passes)),
		ElapsedSeconds:    int(math.Round(w.ElapsedSeconds)),
		TotalInputTokens:  w.TotalInputTokens,
		TotalOutputTokens: w.TotalOutputTokens,
		EstimatedCostUSD:  w.EstimatedCostUSD,
		LastError:         deref(w.LastError),
		RetryCount:        w.RetryCount,
	}
	if p, ok := ParsePass(w.CurrentPass); ok {
		s.CurrentPass = p
	}
	for _, p := range Passes {
		s.PassProgress[p] = PassProgress{Status: PassPending}
	}
	for k, v := range w.PassProgress {
		p, ok := ParsePass(k)
		if !ok {
			continue
		}
		status := PassStatus(strings.ToLower(v.Status))
		if status == "" {
			status = PassPending
		}
		s.PassProgress[p] = PassProgress{
			Status:         status,
			Progress:       clampPercent(int(math.Round(v.Progress))),
			ItemsProcessed: v.ItemsProcessed,
			TotalItems:     v.TotalItems,
		}
	}
	for _, d := range w.Documents {
		doc := DocumentStatus{
			ID:       d.ID,
			Filename: d.Filename,
			Status:   parseDocStatus(d.Status),
			Progress: clampPercent(int(math.Round(d.Progress))),
			Error:    d.Error,
		}
		if p, ok := ParsePass(d.CurrentPass); ok {
			doc.CurrentPass = p
		}
		s.Documents = append(s.Documents, doc)
	}
	s.StartedAt = parseTime(w.StartedAt)
	s.LastUpdated = parseTime(w.LastUpdated)
	s.EstimatedCompletion = parseTime(w.EstimatedCompletion)
	if fc := w.FindingCounts; fc != nil {
		s.FindingCounts = FindingCounts{
			Critical:            fc.Critical,
			High:                fc.High,
			Medium:              fc.Medium,
			Low:                 fc.Low,
			Info:                fc.Info,
			DealBlockers:        fc.DealBlockers,
			ConditionPrecedents: fc.ConditionPrecedents,
			PriceImpacts:        fc.PriceImpacts,
			Warranties:          fc.Warranties,
			Indemnities:         fc.Indemnities,
		}
	}
	return s
}

// WireEnvelope is one message on the findings stream.
type WireEnvelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WireExposure is the optional financial exposure of a finding.
type WireExposure struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// WireFinding is the data payload of a "finding" envelope.
type WireFinding struct {
	ID                string        `json:"id"`
	Timestamp         string        `json:"timestamp"`
	DocumentID        string        `json:"document_id"`
	DocumentName      string        `json:"document_name"`
	Category          string        `json:"category"`
	Severity          string        `json:"severity"`
	DealImpact        string        `json:"deal_impact"`
	Description       string        `json:"description"`
	Pass              string        `json:"pass"`
	FinancialExposure *WireExposure `json:"financial_exposure"`
}

// Finding converts the wire payload. The envelope timestamp is used when the
// payload carries none. ID may be empty; callers assign a synthetic one.
func (w WireFinding) Finding(envelopeTS string) LiveFinding {
	f := LiveFinding{
		ID:           w.ID,
		DocumentID:   w.DocumentID,
		DocumentName: w.DocumentName,
		Category:     w.Category,
		Severity:     Severity(strings.ToLower(w.Severity)),
		DealImpact:   DealImpact(strings.ToLower(w.DealImpact)),
		Description:  w.Description,
	}
	if p, ok := ParsePass(w.Pass); ok {
		f.Pass = p
	}
	ts := w.Timestamp
	if ts == "" {
		ts = envelopeTS
	}
	f.Timestamp = parseTime(&ts)
	if e := w.FinancialExposure; e != nil {
		f.Exposure = &FinancialExposure{Amount: e.Amount, Currency: e.Currency}
	}
	return f
}

// WireOrganisation is the JSON body of GET /organisation-progress.
type WireOrganisation struct {
	Status           string         `json:"status"`
	TotalDocuments   int            `json:"total_documents"`
	ClassifiedCount  int            `json:"classified_count"`
	FailedCount      int            `json:"failed_count"`
	NeedsReviewCount int            `json:"needs_review_count"`
	CategoryCounts   map[string]int `json:"category_counts"`
	PercentComplete  float64        `json:"percent_complete"`
	ErrorMessage     *string        `json:"error_message"`
}

// Organisation converts the wire shape.
func (w WireOrganisation) Organisation() *OrganisationProgress {
	o := &OrganisationProgress{
		Status:          OrgStatus(strings.ToLower(w.Status)),
		TotalDocuments:  w.TotalDocuments,
		Classified:      w.ClassifiedCount,
		Failed:          w.FailedCount,
		NeedsReview:     w.NeedsReviewCount,
		CategoryCounts:  w.CategoryCounts,
		PercentComplete: clampPercent(int(math.Round(w.PercentComplete))),
		Error:           deref(w.ErrorMessage),
	}
	if o.CategoryCounts == nil {
		o.CategoryCounts = map[string]int{}
	}
	return o
}

// WireProjectDocument is one entry of GET /documents.
type WireProjectDocument struct {
	ID                string `json:"id"`
	OriginalFileName  string `json:"original_file_name"`
	ReadabilityStatus string `json:"readability_status"`
	Category          string `json:"category"`
}

// Document converts the wire shape. Unknown readability values are pending.
func (w WireProjectDocument) Document() Document {
	r := Readability(strings.ToLower(w.ReadabilityStatus))
	switch r {
	case ReadabilityChecking, ReadabilityReady, ReadabilityFailed:
	default:
		r = ReadabilityPending
	}
	return Document{ID: w.ID, Filename: w.OriginalFileName, Readability: r, Category: w.Category}
}

func parseRunStatus(s string) RunStatus {
	st := RunStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusPaused, StatusCancelled:
		return st
	case "running":
		return StatusProcessing
	}
	return StatusPending
}

func parseDocStatus(s string) DocStatus {
	st := DocStatus(strings.ToLower(s))
	switch st {
	case DocQueued, DocProcessing, DocCompleted, DocError:
		return st
	case "failed":
		return DocError
	}
	return DocQueued
}

// timeLayouts are tried in order. The backend emits naive UTC timestamps
// without a zone suffix in some versions.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
