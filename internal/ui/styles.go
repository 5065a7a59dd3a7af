package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Colors used in the application.
var (
	colorPrimary   = lipgloss.Color("62")  // Purple
	colorSecondary = lipgloss.Color("241") // Gray
	colorMuted     = lipgloss.Color("240") // Darker gray
	colorHighlight = lipgloss.Color("212") // Pink
	colorSuccess   = lipgloss.Color("78")  // Green
	colorWarning   = lipgloss.Color("214") // Orange
	colorError     = lipgloss.Color("196") // Red
)

// Header style for the project/run title line.
var Header = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

// PhaseBadge style for the resolved phase label.
var PhaseBadge = lipgloss.NewStyle().
	Foreground(colorPrimary).
	Background(lipgloss.Color("236")).
	Padding(0, 1).
	MarginLeft(1)

// SectionTitle style for panel headings.
var SectionTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorHighlight).
	MarginTop(1).
	Padding(0, 1)

// PassLabel style for pass names.
var PassLabel = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Width(16)

// PassLabelDone style for completed passes.
var PassLabelDone = PassLabel.Foreground(colorSuccess)

// PassLabelPending style for passes not yet reached.
var PassLabelPending = PassLabel.Foreground(colorMuted)

// Dim style for secondary text.
var Dim = lipgloss.NewStyle().
	Foreground(colorSecondary)

// StatusBar style for the bottom status bar.
var StatusBar = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StatusBarKey style for key hints in status bar.
var StatusBarKey = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Bold(true)

// StatusBarText style for descriptive text in status bar.
var StatusBarText = lipgloss.NewStyle().
	Foreground(colorSecondary)

// ErrorStyle for the error banner.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(colorError).
	Bold(true).
	Padding(0, 1)

// WarningStyle for the stuck-run banner.
var WarningStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("0")).
	Background(colorWarning).
	Bold(true).
	Padding(0, 1)

// PromptStyle for confirmation prompts.
var PromptStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Bold(true).
	Padding(0, 1)

// DebugPanel style for the debug overlay border.
var DebugPanel = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorPrimary).
	Padding(1, 2)

// DebugHeaderStyle for section headers in the debug overlay.
var DebugHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorHighlight)

var severityColors = map[pipeline.Severity]lipgloss.Color{
	pipeline.SeverityCritical: colorError,
	pipeline.SeverityHigh:     colorWarning,
	pipeline.SeverityMedium:   lipgloss.Color("220"),
	pipeline.SeverityLow:      colorSecondary,
	pipeline.SeverityInfo:     colorMuted,
}

// SeverityBadge renders a severity as a colored tag.
func SeverityBadge(s pipeline.Severity) string {
	c, ok := severityColors[s]
	if !ok {
		c = colorMuted
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true).Width(9).Render(string(s))
}

var logColors = map[pipeline.LogType]lipgloss.Color{
	pipeline.LogSuccess:  colorSuccess,
	pipeline.LogError:    colorError,
	pipeline.LogWarning:  colorWarning,
	pipeline.LogProgress: colorPrimary,
	pipeline.LogDocument: colorSecondary,
}

// LogTypeStyle returns the style for a log entry type.
func LogTypeStyle(t pipeline.LogType) lipgloss.Style {
	if c, ok := logColors[t]; ok {
		return lipgloss.NewStyle().Foreground(c)
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
}
