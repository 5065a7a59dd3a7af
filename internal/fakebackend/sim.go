package fakebackend

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// broker fans findings out to stream subscribers per project.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan pipeline.WireEnvelope]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan pipeline.WireEnvelope]struct{})}
}

func (b *broker) subscribe(ddID string) (chan pipeline.WireEnvelope, func()) {
	ch := make(chan pipeline.WireEnvelope, 32)
	b.mu.Lock()
	if b.subs[ddID] == nil {
		b.subs[ddID] = make(map[chan pipeline.WireEnvelope]struct{})
	}
	b.subs[ddID][ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs[ddID], ch)
		b.mu.Unlock()
	}
}

// publish delivers env without blocking; slow subscribers miss findings.
func (b *broker) publish(ddID string, env pipeline.WireEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ddID] {
		select {
		case ch <- env:
		default:
		}
	}
}

func (b *broker) subscribers(ddID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[ddID])
}

var simSeverities = []pipeline.Severity{
	pipeline.SeverityHigh, pipeline.SeverityMedium, pipeline.SeverityCritical,
	pipeline.SeverityLow, pipeline.SeverityInfo, pipeline.SeverityMedium,
}

var simImpacts = []pipeline.DealImpact{
	pipeline.ImpactWarrantyIndemnity, pipeline.ImpactPriceChip, pipeline.ImpactDealBlocker,
	pipeline.ImpactNone, pipeline.ImpactConditionPrecedent, pipeline.ImpactPostClosing,
}

// step advances every processing, non-stalled run by pct percent of a
// pass. Analysis passes emit one finding per step.
func (s *state) step(pct int, b *broker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, r := range s.runs {
		if r.status != pipeline.StatusProcessing || r.stalled {
			continue
		}
		r.progress += pct
		r.lastUpdated = now
		r.tokensIn += 1200 * pct / 10
		r.tokensOut += 300 * pct / 10
		r.costUSD = float64(r.tokensIn)*3e-6 + float64(r.tokensOut)*15e-6
		r.checkpoint = fmt.Sprintf("ckpt-%s-%d", pipeline.Passes[r.pass], r.progress)

		pass := pipeline.Passes[r.pass]
		if pass == pipeline.PassAnalyze || pass == pipeline.PassCrossDoc {
			s.emitFindingLocked(r, pass, now, b)
		}

		if r.progress >= 100 {
			r.progress = 0
			r.pass++
			if r.pass >= len(pipeline.Passes) {
				r.pass = len(pipeline.Passes) - 1
				r.progress = 100
				r.status = pipeline.StatusCompleted
			}
		}
	}
}

func (s *state) emitFindingLocked(r *run, pass pipeline.Pass, now time.Time, b *broker) {
	n := r.counts.Critical + r.counts.High + r.counts.Medium + r.counts.Low + r.counts.Info
	sev := simSeverities[n%len(simSeverities)]
	impact := simImpacts[n%len(simImpacts)]
	switch sev {
	case pipeline.SeverityCritical:
		r.counts.Critical++
	case pipeline.SeverityHigh:
		r.counts.High++
	case pipeline.SeverityMedium:
		r.counts.Medium++
	case pipeline.SeverityLow:
		r.counts.Low++
	default:
		r.counts.Info++
	}
	switch impact {
	case pipeline.ImpactDealBlocker:
		r.counts.DealBlockers++
	case pipeline.ImpactConditionPrecedent:
		r.counts.ConditionPrecedents++
	case pipeline.ImpactPriceChip:
		r.counts.PriceImpacts++
	case pipeline.ImpactWarrantyIndemnity:
		r.counts.Warranties++
	}

	docID := r.docIDs[n%len(r.docIDs)]
	f := pipeline.WireFinding{
		ID:           uuid.NewString(),
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		DocumentID:   docID,
		DocumentName: s.docName(s.projects[r.ddID], docID),
		Category:     "Contracts",
		Severity:     string(sev),
		DealImpact:   string(impact),
		Description:  fmt.Sprintf("Simulated %s finding #%d raised during %s.", sev, n+1, pass.Label()),
		Pass:         string(pass),
	}
	if sev == pipeline.SeverityCritical || impact == pipeline.ImpactPriceChip {
		f.FinancialExposure = &pipeline.WireExposure{Amount: float64(250_000 * (n + 1)), Currency: "USD"}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	b.publish(r.ddID, pipeline.WireEnvelope{Type: "finding", Timestamp: f.Timestamp, Data: data})
}
