package pipeline

import "time"

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// DealImpact classifies how a finding affects the transaction.
type DealImpact string

const (
	ImpactDealBlocker        DealImpact = "deal_blocker"
	ImpactConditionPrecedent DealImpact = "condition_precedent"
	ImpactPriceChip          DealImpact = "price_chip"
	ImpactWarrantyIndemnity  DealImpact = "warranty_indemnity"
	ImpactPostClosing        DealImpact = "post_closing"
	ImpactNone               DealImpact = "noted"
)

// FinancialExposure is an optional monetary estimate attached to a finding.
type FinancialExposure struct {
	Amount   float64
	Currency string
}

// LiveFinding is one finding delivered by the live stream. Immutable once received.
type LiveFinding struct {
	ID           string
	Timestamp    time.Time
	DocumentID   string
	DocumentName string
	Category     string
	Severity     Severity
	DealImpact   DealImpact
	Description  string
	Pass         Pass
	Exposure     *FinancialExposure
}

// Phase is the dashboard's derived UI state. It is never stored
// authoritatively; phase.Resolve recomputes it from current snapshots.
type Phase string

const (
	PhaseClassifying Phase = "classifying"
	PhaseClassified  Phase = "classified"
	PhaseOrganising  Phase = "organising"
	PhaseOrganised   Phase = "organised"
	PhaseReadability Phase = "readability"
	PhaseReady       Phase = "ready"
	PhaseProcessing  Phase = "processing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// Phases lists the closed set of phases.
var Phases = []Phase{
	PhaseClassifying, PhaseClassified, PhaseOrganising, PhaseOrganised,
	PhaseReadability, PhaseReady, PhaseProcessing, PhaseCompleted,
	PhaseFailed, PhaseCancelled,
}

// LogType is the kind of a local event-log entry.
type LogType string

const (
	LogInfo     LogType = "info"
	LogSuccess  LogType = "success"
	LogError    LogType = "error"
	LogWarning  LogType = "warning"
	LogProgress LogType = "progress"
	LogDocument LogType = "document"
)

// LogEntry is one human-readable state transition in the local event log.
type LogEntry struct {
	ID        string
	Timestamp time.Time
	Type      LogType
	Message   string
	Details   string
}
