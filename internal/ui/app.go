package ui

import (
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/stream"
)

// maxLogEntries bounds the log kept for display.
const maxLogEntries = 500

// Actions are the commands the dashboard can trigger. Nil fields disable
// the corresponding key.
type Actions struct {
	Start       func(opts lifecycle.StartOptions) tea.Cmd
	TogglePause func() tea.Cmd
	Cancel      func() tea.Cmd
	Restart     func() tea.Cmd
	Reconnect   func() tea.Cmd
	Refresh     func() tea.Cmd
}

// AppConfig configures the dashboard.
type AppConfig struct {
	Actions        Actions
	StartOptions   lifecycle.StartOptions
	StuckThreshold time.Duration
	LogLines       int
	FindingsShown  int

	Ring   *otel.RingBuffer // debug overlay source; nil hides it
	Logger *otel.Logger
	Now    func() time.Time
}

// prompt is a pending yes/no question.
type prompt struct {
	text string
	op   string
	yes  func() tea.Cmd
}

// App is the root Bubble Tea model.
// IMPORTANT: App does NOT hold the coordinator. It receives state via messages
// and acts through Actions.
type App struct {
	cfg AppConfig

	snap    Snapshot
	stream  stream.Status
	log     []pipeline.LogEntry
	run     lifecycle.RunRef
	err     error
	prompt  *prompt
	pending map[string]bool
	now     time.Time

	width        int
	height       int
	ready        bool
	debugVisible bool

	spinner spinner.Model
	bar     progress.Model
}

// NewApp creates the dashboard model.
func NewApp(cfg AppConfig) App {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = phase.DefaultStuckThreshold
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 10
	}
	if cfg.FindingsShown <= 0 {
		cfg.FindingsShown = 12
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	return App{
		cfg:     cfg,
		pending: make(map[string]bool),
		now:     cfg.Now(),
		spinner: s,
		bar: progress.New(
			progress.WithGradient("#5A56E0", "#EE6FF8"),
			progress.WithoutPercentage(),
		),
	}
}

// Init starts the spinner and the once-a-second clock.
func (a App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return Tick{At: t} })
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		return a, nil

	case SnapshotMsg:
		a.snap = msg.Snapshot
		return a, nil

	case StreamMsg:
		a.stream = msg.Status
		return a, nil

	case LogMsg:
		if msg.Reset {
			a.log = append([]pipeline.LogEntry(nil), msg.Entries...)
		} else {
			a.log = append(a.log, msg.Entries...)
		}
		if over := len(a.log) - maxLogEntries; over > 0 {
			a.log = a.log[over:]
		}
		return a, nil

	case RunChanged:
		a.run = msg.Run
		return a, nil

	case ControlResult:
		delete(a.pending, msg.Op)
		return a.handleControlResult(msg)

	case Tick:
		a.now = msg.At
		return a, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

// handleControlResult turns confirmation errors into prompts and anything
// else into the error banner.
func (a App) handleControlResult(msg ControlResult) (tea.Model, tea.Cmd) {
	if msg.Err == nil {
		return a, nil
	}
	opts := a.cfg.StartOptions
	switch {
	case errors.Is(msg.Err, apierr.ErrRerunConfirmation) && a.cfg.Actions.Start != nil:
		opts.ConfirmRerun = true
		a.prompt = &prompt{
			text: "These exact documents were already processed. Process them again? (y/n)",
			op:   "start",
			yes:  func() tea.Cmd { return a.cfg.Actions.Start(opts) },
		}
	case errors.Is(msg.Err, apierr.ErrUnreadableConfirmation) && a.cfg.Actions.Start != nil:
		opts.ConfirmUnreadable = true
		a.prompt = &prompt{
			text: "Some documents failed the readability check. Continue without them? (y/n)",
			op:   "start",
			yes:  func() tea.Cmd { return a.cfg.Actions.Start(opts) },
		}
	default:
		a.err = msg.Err
	}
	return a, nil
}

// handleKeyMsg processes keyboard input.
func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	a.cfg.Logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindKeyPress, Comp: "ui", Msg: key})

	if key == "ctrl+c" {
		return a, tea.Quit
	}

	if a.prompt != nil {
		switch key {
		case "y", "Y":
			p := a.prompt
			a.prompt = nil
			a.pending[p.op] = true
			return a, p.yes()
		case "n", "N", "esc":
			a.prompt = nil
		}
		return a, nil
	}

	// Clear any existing error on key press
	if a.err != nil {
		a.err = nil
	}

	switch key {
	case "q":
		return a, tea.Quit

	case "?":
		if a.cfg.Ring != nil {
			a.debugVisible = !a.debugVisible
		}
		return a, nil

	case "s":
		if a.CanStart() && a.cfg.Actions.Start != nil && !a.pending["start"] {
			a.pending["start"] = true
			return a, a.cfg.Actions.Start(a.cfg.StartOptions)
		}

	case "p":
		if a.CanPause() && a.cfg.Actions.TogglePause != nil && !a.pending["pause"] {
			a.pending["pause"] = true
			return a, a.cfg.Actions.TogglePause()
		}

	case "x":
		if a.CanPause() && a.cfg.Actions.Cancel != nil && !a.pending["cancel"] {
			cancel := a.cfg.Actions.Cancel
			a.prompt = &prompt{
				text: "Cancel the current run? (y/n)",
				op:   "cancel",
				yes:  cancel,
			}
		}

	case "R":
		if a.CanRestart() && a.cfg.Actions.Restart != nil && !a.pending["restart"] {
			a.pending["restart"] = true
			return a, a.cfg.Actions.Restart()
		}

	case "c":
		if (a.stream.State == stream.StateGivenUp || a.stream.State == stream.StateBackoff) && a.cfg.Actions.Reconnect != nil {
			return a, a.cfg.Actions.Reconnect()
		}

	case "r":
		if a.cfg.Actions.Refresh != nil {
			return a, a.cfg.Actions.Refresh()
		}
	}

	return a, nil
}

// CanStart reports whether a run may be started from the current phase.
func (a App) CanStart() bool {
	if a.snap.DDID == "" {
		return false
	}
	if r := a.snap.Run; r != nil && r.Status.Active() {
		return false
	}
	switch a.snap.Phase {
	case pipeline.PhaseReady, pipeline.PhaseCompleted, pipeline.PhaseFailed, pipeline.PhaseCancelled, pipeline.PhaseOrganised:
		return true
	}
	return false
}

// CanPause reports whether the run is processing or paused.
func (a App) CanPause() bool {
	return a.snap.Run != nil && a.snap.Run.Status.Active()
}

// CanRestart reports whether restart is offered.
func (a App) CanRestart() bool {
	return phase.CanRestart(a.snap.Run, a.now, a.cfg.StuckThreshold)
}

// Err returns the error shown in the banner (for testing).
func (a App) Err() error {
	return a.err
}

// Prompt returns the pending confirmation text, or "" (for testing).
func (a App) Prompt() string {
	if a.prompt == nil {
		return ""
	}
	return a.prompt.text
}

// Log returns the visible event log (for testing).
func (a App) Log() []pipeline.LogEntry {
	return a.log
}
