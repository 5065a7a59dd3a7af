package coord

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/ui"
)

// Actions returns the commands the dashboard binds to keys. Each runs the
// controller off the UI goroutine and answers with a ui.ControlResult.
func (c *Coordinator) Actions() ui.Actions {
	return ui.Actions{
		Start: func(opts lifecycle.StartOptions) tea.Cmd {
			return func() tea.Msg {
				return ui.ControlResult{Op: "start", Err: c.StartRun(c.baseCtx(), nil, opts)}
			}
		},
		TogglePause: func() tea.Cmd {
			return func() tea.Msg {
				err := c.ctrl.TogglePause(c.baseCtx(), c.rawRun())
				if err == nil {
					c.runs.Refresh()
					c.publish()
				}
				return ui.ControlResult{Op: "pause", Err: err}
			}
		},
		Cancel: func() tea.Cmd {
			return func() tea.Msg {
				return ui.ControlResult{Op: "cancel", Err: c.CancelRun(c.baseCtx())}
			}
		},
		Restart: func() tea.Cmd {
			return func() tea.Msg {
				return ui.ControlResult{Op: "restart", Err: c.RestartRun(c.baseCtx())}
			}
		},
		Reconnect: func() tea.Cmd {
			return func() tea.Msg {
				c.stream.Reconnect()
				return nil
			}
		},
		Refresh: func() tea.Cmd {
			return func() tea.Msg {
				c.runs.Restart()
				c.orgs.Restart()
				c.docs.Refresh()
				return nil
			}
		},
	}
}

// StartRun starts the current run when it was created but never started,
// and otherwise creates a new run over selected (all ready documents when
// empty) and starts it.
func (c *Coordinator) StartRun(ctx context.Context, selected []string, opts lifecycle.StartOptions) error {
	ref := c.ctrl.CurrentRun()
	run := c.rawRun()
	var err error
	if ref.RunID != "" && run != nil && run.RunID == ref.RunID && run.Status == pipeline.StatusPending {
		_, err = c.ctrl.Start(ctx, opts)
	} else {
		c.mu.Lock()
		rs := c.readabilityLocked()
		c.mu.Unlock()
		_, err = c.ctrl.Launch(ctx, ref.DDID, selected, rs, opts)
	}
	if err == nil {
		c.runs.Restart()
	}
	return err
}

// CancelRun cancels the current run and polls for the result.
func (c *Coordinator) CancelRun(ctx context.Context) error {
	err := c.ctrl.Cancel(ctx)
	if err == nil {
		c.runs.Refresh()
	}
	return err
}

// RestartRun restarts a stuck or failed run. Polling resumes so the next
// snapshot can confirm the restart took effect.
func (c *Coordinator) RestartRun(ctx context.Context) error {
	_, err := c.ctrl.Restart(ctx, c.rawRun())
	if err == nil {
		c.runs.Restart()
	}
	return err
}
