// Package pipeline defines the client-side view of a Due Diligence processing run:
// passes, run snapshots, organisation progress, documents and live findings.
//
// Types here are plain values. Nothing in this package performs I/O; wire
// decoding lives in wire.go and is the only place that knows backend field names.
package pipeline

import "strings"

// Pass identifies one stage of the seven-pass analysis pipeline.
type Pass string

const (
	PassExtract    Pass = "extract"
	PassAnalyze    Pass = "analyze"
	PassCalculate  Pass = "calculate"
	PassCrossDoc   Pass = "crossdoc"
	PassAggregate  Pass = "aggregate"
	PassSynthesize Pass = "synthesize"
	PassVerify     Pass = "verify"
)

// Passes lists every pass in pipeline order.
var Passes = []Pass{
	PassExtract,
	PassAnalyze,
	PassCalculate,
	PassCrossDoc,
	PassAggregate,
	PassSynthesize,
	PassVerify,
}

var passLabels = map[Pass]string{
	PassExtract:    "Extract",
	PassAnalyze:    "Analyze",
	PassCalculate:  "Calculate",
	PassCrossDoc:   "Cross-document",
	PassAggregate:  "Aggregate",
	PassSynthesize: "Synthesize",
	PassVerify:     "Verify",
}

// ParsePass normalizes a backend pass identifier. The backend has used
// numbered aliases ("pass1".."pass7") and mixed case; both are accepted.
// Unknown values return "" and false.
func ParsePass(s string) (Pass, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "pass") && len(s) == 5 {
		n := int(s[4] - '1')
		if n >= 0 && n < len(Passes) {
			return Passes[n], true
		}
		return "", false
	}
	if s == "cross_doc" || s == "cross-doc" {
		s = string(PassCrossDoc)
	}
	p := Pass(s)
	if p.Valid() {
		return p, true
	}
	return "", false
}

// Index returns the zero-based pipeline position, or -1 for unknown passes.
func (p Pass) Index() int {
	for i, q := range Passes {
		if p == q {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the seven passes.
func (p Pass) Valid() bool {
	return p.Index() >= 0
}

// Label returns a human-readable pass name.
func (p Pass) Label() string {
	if l, ok := passLabels[p]; ok {
		return l
	}
	return string(p)
}

// Before reports whether p precedes q in pipeline order.
func (p Pass) Before(q Pass) bool {
	pi, qi := p.Index(), q.Index()
	return pi >= 0 && qi >= 0 && pi < qi
}

// PassStatus is the backend-declared state of a single pass.
type PassStatus string

const (
	PassPending    PassStatus = "pending"
	PassProcessing PassStatus = "processing"
	PassCompleted  PassStatus = "completed"
	PassFailed     PassStatus = "failed"
	PassSkipped    PassStatus = "skipped"
)

// PassProgress is the progress of one pass within a run.
type PassProgress struct {
	Status         PassStatus
	Progress       int // 0..100
	ItemsProcessed int
	TotalItems     int
}

// clampPercent bounds v to [0, 100].
func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
