package ui

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/stream"
)

func makeFindings(n int, now time.Time) []pipeline.LiveFinding {
	out := make([]pipeline.LiveFinding, n)
	for i := range out {
		out[i] = pipeline.LiveFinding{
			ID:           fmt.Sprintf("f%d", i),
			Timestamp:    now.Add(-time.Duration(i) * time.Minute),
			DocumentName: fmt.Sprintf("doc-%d.pdf", i),
			Severity:     pipeline.SeverityHigh,
			Description:  fmt.Sprintf("finding number %d", i),
		}
	}
	return out
}

func TestRenderFindingsEmpty(t *testing.T) {
	if got := RenderFindings(nil, 5, 80, appNow); !strings.Contains(got, "No findings yet") {
		t.Errorf("RenderFindings(nil) = %q", got)
	}
}

func TestRenderFindingsLimit(t *testing.T) {
	out := RenderFindings(makeFindings(10, appNow), 3, 80, appNow)
	for i := 0; i < 3; i++ {
		if !strings.Contains(out, fmt.Sprintf("doc-%d.pdf", i)) {
			t.Errorf("missing finding %d:\n%s", i, out)
		}
	}
	if strings.Contains(out, "doc-3.pdf") {
		t.Errorf("only 3 findings should be shown:\n%s", out)
	}
}

func TestRenderFindingsWrapsDescription(t *testing.T) {
	f := pipeline.LiveFinding{
		Timestamp:    appNow,
		DocumentName: "lease.pdf",
		Severity:     pipeline.SeverityMedium,
		Description:  strings.Repeat("landlord consent required ", 20),
	}
	out := RenderFindings([]pipeline.LiveFinding{f}, 5, 60, appNow)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("want header plus two description lines, got %d:\n%s", len(lines), out)
	}
	for _, l := range lines[1:] {
		if w := len([]rune(l)); w > 60 {
			t.Errorf("line wider than 60 (%d): %q", w, l)
		}
	}
	if !strings.HasSuffix(lines[2], "…") {
		t.Errorf("cut description should end with an ellipsis: %q", lines[2])
	}
}

func TestRenderFindingsMetadata(t *testing.T) {
	f := pipeline.LiveFinding{
		Timestamp:    appNow.Add(-2 * time.Hour),
		DocumentName: "spa.pdf",
		Category:     "Contracts",
		Severity:     pipeline.SeverityCritical,
		DealImpact:   pipeline.ImpactPriceChip,
		Exposure:     &pipeline.FinancialExposure{Amount: 2_500_000, Currency: "EUR"},
		Description:  "Earn-out miscalculated.",
	}
	out := RenderFindings([]pipeline.LiveFinding{f}, 5, 120, appNow)
	for _, want := range []string{"critical", "spa.pdf · Contracts · price chip · EUR 2.5M", "2h ago", "Earn-out miscalculated."} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
}

func TestFormatExposure(t *testing.T) {
	tests := []struct {
		e    pipeline.FinancialExposure
		want string
	}{
		{pipeline.FinancialExposure{Amount: 500}, "USD 500"},
		{pipeline.FinancialExposure{Amount: 45_000, Currency: "GBP"}, "GBP 45k"},
		{pipeline.FinancialExposure{Amount: 1_200_000, Currency: "USD"}, "USD 1.2M"},
	}
	for _, tt := range tests {
		if got := formatExposure(tt.e); got != tt.want {
			t.Errorf("formatExposure(%+v) = %q, want %q", tt.e, got, tt.want)
		}
	}
}

func TestStreamLabel(t *testing.T) {
	tests := []struct {
		st   stream.Status
		want string
	}{
		{stream.Status{State: stream.StateConnected}, "live"},
		{stream.Status{State: stream.StateConnecting}, "* connecting"},
		{stream.Status{State: stream.StateBackoff, Attempt: 3}, "attempt 3"},
		{stream.Status{State: stream.StateClosed}, "offline"},
		{stream.Status{}, "offline"},
	}
	for _, tt := range tests {
		if got := StreamLabel(tt.st, "*"); !strings.Contains(got, tt.want) {
			t.Errorf("StreamLabel(%s) = %q, want it to contain %q", tt.st.State, got, tt.want)
		}
	}
}

func TestRenderLogKeepsNewest(t *testing.T) {
	var entries []pipeline.LogEntry
	for i := 0; i < 8; i++ {
		entries = append(entries, pipeline.LogEntry{Timestamp: appNow, Type: pipeline.LogInfo, Message: fmt.Sprintf("entry-%d", i)})
	}
	out := RenderLog(entries, 3, 80)
	if strings.Contains(out, "entry-4") || !strings.Contains(out, "entry-5") || !strings.Contains(out, "entry-7") {
		t.Errorf("RenderLog should keep the newest 3:\n%s", out)
	}
}
