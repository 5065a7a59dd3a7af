package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/ddwatch/internal/otel"
)

// debugPanelChrome is the number of terminal lines consumed by DebugPanel's
// border (top + bottom = 2) and vertical padding (top + bottom = 2).
// Must be updated if DebugPanel style changes.
const debugPanelChrome = 4

// debugComponents are the subsystems shown in the stats section, in order.
var debugComponents = []string{"poll", "org_poll", "doc_poll", "stream", "control", "eventlog", "api"}

// debugOverlay renders the debug panel showing per-subsystem event counts
// and recent events. Pure function with no side effects. Returns empty
// string if ring is nil.
func debugOverlay(ring *otel.RingBuffer, now time.Time, width, height int) string {
	if ring == nil {
		return ""
	}

	stats := ring.Stats()
	recent := ring.Last(20)

	// --- Stats section (keyed lookups, not map iteration) ---
	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Engine Stats"))
	for _, comp := range debugComponents {
		lines = append(lines, fmt.Sprintf("  %-10s %d debug, %d info, %d warn, %d errors", comp+":",
			stats[comp+"/"+string(otel.LevelDebug)], stats[comp+"/"+string(otel.LevelInfo)],
			stats[comp+"/"+string(otel.LevelWarn)], stats[comp+"/"+string(otel.LevelError)]))
	}
	lines = append(lines, fmt.Sprintf("  Buffer:    %d / %d events (%d seen)", ring.Len(), ring.Cap(), ring.Total()))
	lines = append(lines, "")

	// --- Recent events section ---
	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range recent {
		line := fmt.Sprintf("  %6s  %-20s", formatAge(now.Sub(e.Time)), string(e.Kind))
		if e.Op != "" {
			line += "  " + e.Op
		}
		if e.Msg != "" {
			line += "  " + truncateRunes(e.Msg, 40)
		}
		if e.Err != "" {
			line += "  ERR:" + truncateRunes(e.Err, 30)
		}
		if e.RunID != "" {
			rid := e.RunID
			if len(rid) > 8 {
				rid = rid[:8]
			}
			line += "  run:" + rid
		}
		lines = append(lines, line)
	}

	// Truncate to fit terminal height (subtract chrome added by DebugPanel border/padding)
	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	panelWidth := 86
	if panelWidth > width-4 {
		panelWidth = width - 4
	}
	if panelWidth < 20 {
		panelWidth = 20
	}

	content := strings.Join(lines, "\n")
	return DebugPanel.Width(panelWidth).Render(content)
}

// formatAge formats a duration as a compact human string.
// Handles negative durations from clock skew by clamping to "0ms".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}

// truncateRunes shortens s to at most n runes, marking the cut with "…".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}

// debugStatusBar renders the status bar for the debug overlay.
func debugStatusBar(width int, l *otel.Logger) string {
	keys := StatusBarKey.Render("?") + StatusBarText.Render(":close")
	info := ""
	if sid := l.SessionID(); sid != "" {
		info = fmt.Sprintf("session %s  dropped %d  ", sid, l.Dropped())
	}
	return StatusBar.Width(width).Render("  [DEBUG]  " + StatusBarText.Render(info) + keys)
}
