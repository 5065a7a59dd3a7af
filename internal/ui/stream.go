package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/stream"
)

// RenderFindings renders up to n live findings, newest first. Descriptions
// wrap to width; each finding takes at most three lines.
func RenderFindings(findings []pipeline.LiveFinding, n, width int, now time.Time) string {
	if len(findings) == 0 {
		return Dim.Render("  No findings yet.")
	}
	if n > 0 && len(findings) > n {
		findings = findings[:n]
	}
	if width < 30 {
		width = 30
	}

	var b strings.Builder
	for _, f := range findings {
		b.WriteString(renderFindingLine(f, width, now))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFindingLine(f pipeline.LiveFinding, width int, now time.Time) string {
	head := "  " + SeverityBadge(f.Severity) + " "
	meta := f.DocumentName
	if f.Category != "" {
		meta += " · " + f.Category
	}
	if f.DealImpact != "" && f.DealImpact != pipeline.ImpactNone {
		meta += " · " + strings.ReplaceAll(string(f.DealImpact), "_", " ")
	}
	if f.Exposure != nil && f.Exposure.Amount > 0 {
		meta += " · " + formatExposure(*f.Exposure)
	}
	age := formatAgeShort(now.Sub(f.Timestamp))
	metaWidth := width - lipgloss.Width(head) - len(age) - 2
	line := head + Dim.Render(truncateRunes(meta, metaWidth)) + "  " + Dim.Render(age)

	indent := strings.Repeat(" ", 12)
	desc := wordwrap.String(f.Description, width-len(indent))
	lines := strings.Split(desc, "\n")
	if len(lines) > 2 {
		lines = lines[:2]
		lines[1] = truncateRunes(lines[1]+" …", width-len(indent))
	}
	for _, l := range lines {
		if l == "" {
			continue
		}
		line += "\n" + indent + l
	}
	return line
}

func formatExposure(e pipeline.FinancialExposure) string {
	cur := e.Currency
	if cur == "" {
		cur = "USD"
	}
	switch {
	case e.Amount >= 1e6:
		return fmt.Sprintf("%s %.1fM", cur, e.Amount/1e6)
	case e.Amount >= 1e3:
		return fmt.Sprintf("%s %.0fk", cur, e.Amount/1e3)
	default:
		return fmt.Sprintf("%s %.0f", cur, e.Amount)
	}
}

func formatAgeShort(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

// StreamLabel describes the live stream connection. spin is shown while
// a connection attempt is in flight.
func StreamLabel(st stream.Status, spin string) string {
	switch st.State {
	case stream.StateConnected:
		return lipgloss.NewStyle().Foreground(colorSuccess).Render("● live")
	case stream.StateConnecting:
		return spin + " connecting"
	case stream.StateBackoff:
		return WarningStyle.Render(fmt.Sprintf("retrying (attempt %d)", st.Attempt))
	case stream.StateGivenUp:
		return ErrorStyle.Render(apierr.UserMessage(st.Err))
	case stream.StateClosed, stream.StateIdle, "":
		return Dim.Render("○ offline")
	}
	return Dim.Render(string(st.State))
}

// RenderStatusBar renders the bottom status bar with the stream state and
// key hints for the actions currently available.
func RenderStatusBar(a App, width int) string {
	left := " " + StreamLabel(a.stream, a.spinner.View())
	if a.stream.Received > 0 {
		left += StatusBarText.Render(fmt.Sprintf("  %d findings", a.stream.Received))
	}
	left += " "

	keys := make([]string, 0, 8)
	hint := func(k, label string) {
		keys = append(keys, StatusBarKey.Render(k)+StatusBarText.Render(":"+label))
	}
	if a.CanStart() {
		hint("s", "start")
	}
	if a.CanPause() {
		if a.snap.Paused {
			hint("p", "resume")
		} else {
			hint("p", "pause")
		}
		hint("x", "cancel")
	}
	if a.CanRestart() {
		hint("R", "restart")
	}
	if a.stream.State == stream.StateGivenUp || a.stream.State == stream.StateBackoff {
		hint("c", "reconnect")
	}
	hint("r", "refresh")
	if a.cfg.Ring != nil {
		hint("?", "debug")
	}
	hint("q", "quit")
	keyHints := strings.Join(keys, " ")

	padding := width - lipgloss.Width(left) - lipgloss.Width(keyHints)
	if padding < 0 {
		padding = 0
	}
	return StatusBar.Width(width).Render(left + strings.Repeat(" ", padding) + keyHints)
}
