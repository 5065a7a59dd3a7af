package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// View renders the dashboard.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}
	if a.debugVisible && a.cfg.Ring != nil {
		overlay := debugOverlay(a.cfg.Ring, a.now, a.width, a.height-1)
		return lipgloss.JoinVertical(lipgloss.Left, overlay, debugStatusBar(a.width, a.cfg.Logger))
	}

	sections := []string{renderHeader(a.snap, a.run.Name, a.now, a.width)}
	sections = append(sections, a.banners()...)

	if a.snap.Run != nil {
		sections = append(sections,
			SectionTitle.Render("Passes"),
			renderPasses(a.snap.Run, a.bar, a.width, a.now),
			SectionTitle.Render("Findings"),
			renderCounts(a.snap.Run),
		)
	} else if a.snap.DDID != "" {
		sections = append(sections,
			SectionTitle.Render("Preparation"),
			renderPreparation(a.snap.Org, a.snap.Readability),
		)
	}

	sections = append(sections,
		SectionTitle.Render("Live findings"),
		RenderFindings(a.stream.Findings, a.cfg.FindingsShown, a.width-2, a.now),
		SectionTitle.Render("Activity"),
		RenderLog(a.log, a.cfg.LogLines, a.width-2),
	)

	body := lipgloss.JoinVertical(lipgloss.Left, sections...)
	// Pin the status bar to the bottom when there is room.
	if gap := a.height - lipgloss.Height(body) - 1; gap > 0 {
		body += strings.Repeat("\n", gap)
	}
	return body + "\n" + RenderStatusBar(a, a.width)
}

// banners returns the prompt, error and warning lines in priority order.
func (a App) banners() []string {
	var out []string
	if a.prompt != nil {
		out = append(out, PromptStyle.Render(a.prompt.text))
	}
	if a.err != nil {
		out = append(out, ErrorStyle.Render(apierr.UserMessage(a.err)))
	}
	if a.snap.PollErr != nil {
		out = append(out, WarningStyle.Render("Progress updates are failing: "+apierr.UserMessage(a.snap.PollErr)))
	}
	run := a.snap.Run
	switch {
	case phase.IsStuck(run, a.now, a.cfg.StuckThreshold):
		idle := a.now.Sub(run.LastUpdated).Truncate(time.Second)
		out = append(out, WarningStyle.Render(fmt.Sprintf(
			"No progress for %s. Press R to restart from the last checkpoint.", formatDuration(idle))))
	case phase.FailedUnexpectedly(run):
		msg := "Processing failed."
		if run.LastError != "" {
			msg = "Processing failed: " + truncateRunes(run.LastError, 80)
		}
		out = append(out, ErrorStyle.Render(msg+" Press R to restart."))
	}
	return out
}

func renderHeader(snap Snapshot, runName string, now time.Time, width int) string {
	title := "Due Diligence"
	if snap.DDID != "" {
		title += " " + snap.DDID
	}
	line := Header.Render(title)
	if snap.Phase != "" {
		line += PhaseBadge.Render(phase.Label(snap.Phase))
	}
	if snap.Paused {
		line += PhaseBadge.Render("Paused")
	}

	var right []string
	if runName != "" {
		right = append(right, runName)
	} else if snap.RunID != "" {
		right = append(right, "run "+snap.RunID)
	}
	if snap.Run != nil {
		right = append(right, formatDuration(phase.Elapsed(snap.Run, now)))
	}
	if len(right) == 0 {
		return line
	}
	tail := Dim.Render(strings.Join(right, " · "))
	pad := width - lipgloss.Width(line) - lipgloss.Width(tail)
	if pad < 1 {
		pad = 1
	}
	return line + strings.Repeat(" ", pad) + tail
}

func renderPasses(run *pipeline.RunSnapshot, bar progress.Model, width int, now time.Time) string {
	barWidth := width - 16 - 16
	if barWidth < 10 {
		barWidth = 10
	}
	bar.Width = barWidth

	var b strings.Builder
	for _, p := range pipeline.Passes {
		pp := run.Pass(p)
		label := PassLabel
		switch pp.Status {
		case pipeline.PassCompleted, pipeline.PassSkipped:
			label = PassLabelDone
		case pipeline.PassPending:
			label = PassLabelPending
		case pipeline.PassFailed:
			label = PassLabel.Foreground(colorError)
		}
		suffix := fmt.Sprintf(" %3d%%", pp.Progress)
		if pp.TotalItems > 0 {
			suffix += Dim.Render(fmt.Sprintf(" %d/%d", pp.ItemsProcessed, pp.TotalItems))
		}
		fmt.Fprintf(&b, "  %s%s%s\n", label.Render(p.Label()), bar.ViewAs(float64(pp.Progress)/100), suffix)
	}

	docs := run.DocumentsByStatus()
	overall := fmt.Sprintf("  Overall %d%% · %d/%d documents", run.OverallProgress(), docs[pipeline.DocCompleted], len(run.Documents))
	if n := docs[pipeline.DocError]; n > 0 {
		overall += fmt.Sprintf(" · %d errored", n)
	}
	if !run.EstimatedCompletion.IsZero() && run.Status.Active() {
		if eta := run.EstimatedCompletion.Sub(now); eta > 0 {
			overall += " · ~" + formatDuration(eta) + " left"
		}
	}
	b.WriteString(Dim.Render(overall))
	return b.String()
}

func renderCounts(run *pipeline.RunSnapshot) string {
	c := run.FindingCounts
	sev := []string{
		SeverityBadge(pipeline.SeverityCritical) + fmt.Sprintf("%-4d", c.Critical),
		SeverityBadge(pipeline.SeverityHigh) + fmt.Sprintf("%-4d", c.High),
		SeverityBadge(pipeline.SeverityMedium) + fmt.Sprintf("%-4d", c.Medium),
		SeverityBadge(pipeline.SeverityLow) + fmt.Sprintf("%-4d", c.Low),
		SeverityBadge(pipeline.SeverityInfo) + fmt.Sprintf("%-4d", c.Info),
	}
	impact := fmt.Sprintf("Deal blockers %d · Conditions precedent %d · Price impacts %d · Warranties %d · Indemnities %d",
		c.DealBlockers, c.ConditionPrecedents, c.PriceImpacts, c.Warranties, c.Indemnities)
	cost := fmt.Sprintf("Cost $%.2f · %s in / %s out tokens",
		run.EstimatedCostUSD, formatTokens(run.TotalInputTokens), formatTokens(run.TotalOutputTokens))
	return "  " + strings.Join(sev, "") + "\n  " + Dim.Render(impact) + "\n  " + Dim.Render(cost)
}

func renderPreparation(org *pipeline.OrganisationProgress, rs pipeline.ReadabilityState) string {
	var lines []string
	if org != nil {
		l := fmt.Sprintf("  Organisation: %s · %d/%d classified (%d%%)",
			org.Status, org.Classified, org.TotalDocuments, org.PercentComplete)
		if org.NeedsReview > 0 {
			l += fmt.Sprintf(" · %d need review", org.NeedsReview)
		}
		lines = append(lines, l)
		if org.Error != "" {
			lines = append(lines, ErrorStyle.Render(truncateRunes(org.Error, 80)))
		}
	}
	if len(rs.Documents) > 0 {
		counts := make(map[pipeline.Readability]int, 4)
		for _, d := range rs.Documents {
			counts[d.Readability]++
		}
		lines = append(lines, fmt.Sprintf("  Readability: %d ready · %d checking · %d failed · %d pending",
			counts[pipeline.ReadabilityReady], counts[pipeline.ReadabilityChecking],
			counts[pipeline.ReadabilityFailed], counts[pipeline.ReadabilityPending]))
	}
	if len(lines) == 0 {
		return Dim.Render("  Waiting for project data...")
	}
	return strings.Join(lines, "\n")
}

// RenderLog renders the last n event-log entries, oldest at the top.
func RenderLog(entries []pipeline.LogEntry, n, width int) string {
	if len(entries) == 0 {
		return Dim.Render("  Nothing yet.")
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		ts := Dim.Render(e.Timestamp.Local().Format("15:04:05"))
		msg := e.Message
		if e.Details != "" {
			msg += " (" + e.Details + ")"
		}
		msg = truncateRunes(msg, width-12)
		lines = append(lines, "  "+ts+" "+LogTypeStyle(e.Type).Render(msg))
	}
	return strings.Join(lines, "\n")
}

// formatDuration renders d as "1h02m", "4m12s" or "12s".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
