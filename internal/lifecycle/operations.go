package lifecycle

import (
	"context"
	"time"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Busy keys. Pause and resume share one key so a toggle cannot race itself.
const (
	opCreate  = "create_run"
	opStart   = "start"
	opPause   = "pause"
	opResume  = "resume"
	opCancel  = "cancel"
	opRestart = "restart"
)

// ResolveSelection turns the user's selection into the document set a run
// is created with. An empty selection falls back to every ready document.
// Documents still pending or being checked block the run; documents that
// failed readability need confirmation and are then dropped.
func ResolveSelection(selected []string, rs pipeline.ReadabilityState, confirmUnreadable bool) ([]string, error) {
	if len(selected) == 0 {
		ids := rs.ReadyIDs()
		if len(ids) == 0 {
			return nil, apierr.Validation(opCreate, apierr.CodeInvalidSelection, "no documents selected and none ready")
		}
		return ids, nil
	}

	byID := make(map[string]pipeline.Readability, len(rs.Documents))
	for _, d := range rs.Documents {
		byID[d.ID] = d.Readability
	}
	seen := make(map[string]bool, len(selected))
	var keep []string
	failed, pending := 0, 0
	for _, id := range selected {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r, known := byID[id]
		switch {
		case !known, r == pipeline.ReadabilityReady:
			keep = append(keep, id)
		case r == pipeline.ReadabilityFailed:
			failed++
		default:
			pending++
		}
	}
	if pending > 0 {
		return nil, apierr.Validation(opCreate, apierr.CodeReadabilityPending, "")
	}
	if failed > 0 && !confirmUnreadable {
		return nil, apierr.Validation(opCreate, apierr.CodeUnreadableConfirmationNeeded, "")
	}
	if len(keep) == 0 {
		return nil, apierr.Validation(opCreate, apierr.CodeInvalidSelection, "no readable documents selected")
	}
	return keep, nil
}

// CheckRerun rejects a document set identical to one that already
// completed for the project. Any difference in the set, including a
// subset or superset, is a new analysis.
func (c *Controller) CheckRerun(op, ddID string, docIDs []string, exceptRun string) error {
	if c.store == nil || len(docIDs) == 0 {
		return nil
	}
	prior, err := c.store.CompletedRunWithDocs(ddID, docIDs)
	if err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "control", DDID: ddID, Op: op, Err: err.Error()})
		return nil
	}
	if prior != "" && prior != exceptRun {
		return apierr.New(apierr.KindDomainConflict, op, apierr.CodeRerunConfirmationRequired, nil)
	}
	return nil
}

// CreateRun validates the selection and creates a run, which becomes the
// current run.
func (c *Controller) CreateRun(ctx context.Context, ddID string, selected []string, rs pipeline.ReadabilityState, opts StartOptions) (RunRef, error) {
	if ddID == "" {
		return RunRef{}, c.reject(apierr.Validation(opCreate, apierr.CodeInvalidSelection, "no project"))
	}
	ids, err := ResolveSelection(selected, rs, opts.ConfirmUnreadable)
	if err != nil {
		return RunRef{}, c.reject(err.(*apierr.Error))
	}
	if !opts.ConfirmRerun {
		if err := c.CheckRerun(opCreate, ddID, ids, ""); err != nil {
			return RunRef{}, c.reject(err.(*apierr.Error))
		}
	}
	if err := c.begin(opCreate); err != nil {
		return RunRef{}, err
	}
	defer c.end(opCreate)

	start := time.Now()
	created, err := c.backend.CreateRun(ctx, ddID, ids)
	ref := RunRef{DDID: ddID, RunID: created.ID, Name: created.Name}
	if err := c.result(opCreate, ref, start, err); err != nil {
		return RunRef{}, err
	}
	if c.store != nil {
		if err := c.store.RecordRunSelection(ddID, ref.RunID, ids); err != nil {
			c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "control", DDID: ddID, RunID: ref.RunID, Op: opCreate, Err: err.Error()})
		}
	}
	c.setCurrent(ref)
	return ref, nil
}

// Start begins processing the current run.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (api.StartResult, error) {
	ref := c.CurrentRun()
	if ref.RunID == "" {
		return api.StartResult{}, c.reject(apierr.Validation(opStart, apierr.CodeNoRun, ""))
	}
	if !opts.ConfirmRerun && c.store != nil {
		if sel, err := c.store.RunSelection(ref.RunID); err == nil && len(sel) > 0 {
			if err := c.CheckRerun(opStart, ref.DDID, sel, ref.RunID); err != nil {
				return api.StartResult{}, c.reject(err.(*apierr.Error))
			}
		}
	}
	if err := c.begin(opStart); err != nil {
		return api.StartResult{}, err
	}
	defer c.end(opStart)

	req := api.StartRequest{
		IncludeTier3:      opts.IncludeTier3,
		UseClusteredPass3: opts.UseClusteredPass3,
		ModelTier:         opts.ModelTier,
	}
	if req.ModelTier == "" {
		req.ModelTier = c.modelTier
	}
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindControlStart, Comp: "control", Op: opStart, DDID: ref.DDID, RunID: ref.RunID})
	start := time.Now()
	res, err := c.backend.Start(ctx, ref.RunID, req)
	if err := c.result(opStart, ref, start, err); err != nil {
		return api.StartResult{}, err
	}
	if res.RunID != "" && res.RunID != ref.RunID {
		ref.RunID = res.RunID
		c.setCurrent(ref)
	}
	return res, nil
}

// Launch creates a run over the selection and starts it.
func (c *Controller) Launch(ctx context.Context, ddID string, selected []string, rs pipeline.ReadabilityState, opts StartOptions) (api.StartResult, error) {
	if _, err := c.CreateRun(ctx, ddID, selected, rs, opts); err != nil {
		return api.StartResult{}, err
	}
	// The set was just checked; a re-run prompt here would ask twice.
	opts.ConfirmRerun = true
	return c.Start(ctx, opts)
}

// Pause pauses the current run.
func (c *Controller) Pause(ctx context.Context) error {
	return c.pauseAction(ctx, opPause, true)
}

// Resume resumes the current run.
func (c *Controller) Resume(ctx context.Context) error {
	return c.pauseAction(ctx, opResume, false)
}

// TogglePause pauses a processing run or resumes a paused one, judging by
// the effective paused state.
func (c *Controller) TogglePause(ctx context.Context, snap *pipeline.RunSnapshot) error {
	if snap != nil && snap.Status != pipeline.StatusProcessing && snap.Status != pipeline.StatusPaused {
		return c.reject(apierr.New(apierr.KindDomainConflict, opPause, apierr.CodeInvalidStateTransition, nil))
	}
	if c.Paused(snap) {
		return c.Resume(ctx)
	}
	return c.Pause(ctx)
}

func (c *Controller) pauseAction(ctx context.Context, op string, pause bool) error {
	ref := c.CurrentRun()
	if ref.RunID == "" {
		return c.reject(apierr.New(apierr.KindNotFound, op, apierr.CodeNoActiveRun, nil))
	}
	if err := c.begin(opPause); err != nil {
		return err
	}
	defer c.end(opPause)

	start := time.Now()
	var err error
	if pause {
		err = c.backend.Pause(ctx, ref.RunID)
	} else {
		err = c.backend.Resume(ctx, ref.RunID)
	}
	if err := c.result(op, ref, start, err); err != nil {
		return err
	}

	c.mu.Lock()
	if c.current.RunID == ref.RunID {
		c.optimistic = &pausedOverride{paused: pause}
	}
	c.mu.Unlock()
	return nil
}

// Paused returns the effective paused state: the local assumption after a
// pause or resume until a poll confirms it, otherwise the snapshot.
func (c *Controller) Paused(snap *pipeline.RunSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.optimistic != nil {
		return c.optimistic.paused
	}
	return snap != nil && snap.Status == pipeline.StatusPaused
}

// Cancel asks the backend to cancel the current run, or the project's
// active run when no run id is known. A second cancel while one is in
// flight is rejected.
func (c *Controller) Cancel(ctx context.Context) error {
	ref := c.CurrentRun()
	if ref.RunID == "" && ref.DDID == "" {
		return c.reject(apierr.New(apierr.KindNotFound, opCancel, apierr.CodeNoActiveRun, nil))
	}
	if err := c.begin(opCancel); err != nil {
		return err
	}
	defer c.end(opCancel)

	start := time.Now()
	err := c.backend.Cancel(ctx, ref.Target())
	return c.result(opCancel, ref, start, err)
}

// Cancelling reports whether a cancel is in flight.
func (c *Controller) Cancelling() bool {
	return c.Busy(opCancel)
}

// Restart resumes a stuck or unexpectedly failed run from its checkpoint.
// Whether it took effect is decided by the next observed snapshot.
func (c *Controller) Restart(ctx context.Context, snap *pipeline.RunSnapshot) (api.RestartResult, error) {
	ref := c.CurrentRun()
	runID := ref.RunID
	if runID == "" && snap != nil {
		runID = snap.RunID
	}
	if runID == "" {
		return api.RestartResult{}, c.reject(apierr.New(apierr.KindNotFound, opRestart, apierr.CodeNoActiveRun, nil))
	}
	if !phase.CanRestart(snap, c.clock.Now(), c.threshold) {
		return api.RestartResult{}, c.reject(apierr.Validation(opRestart, apierr.CodeRestartNotAllowed, ""))
	}
	if err := c.begin(opRestart); err != nil {
		return api.RestartResult{}, err
	}
	defer c.end(opRestart)

	start := time.Now()
	res, err := c.backend.Restart(ctx, runID)
	if err := c.result(opRestart, ref, start, err); err != nil {
		return api.RestartResult{}, err
	}
	c.mu.Lock()
	c.restarting = runID
	c.mu.Unlock()
	return res, nil
}

// Observe reconciles local assumptions with a freshly polled snapshot.
// It adopts a run discovered by project polling as the current run,
// expires the optimistic paused flag, records completed runs, and returns
// ErrRestartNotEffective when a restarted run still reports failed.
func (c *Controller) Observe(snap *pipeline.RunSnapshot) error {
	if snap == nil {
		return nil
	}
	c.mu.Lock()
	cur := c.current
	if cur.RunID != "" && snap.RunID != "" && snap.RunID != cur.RunID {
		c.mu.Unlock()
		return nil
	}

	var adopt *RunRef
	if cur.RunID == "" && snap.RunID != "" && (cur.DDID == "" || snap.DDID == "" || snap.DDID == cur.DDID) {
		ddID := cur.DDID
		if ddID == "" {
			ddID = snap.DDID
		}
		adopt = &RunRef{DDID: ddID, RunID: snap.RunID}
	}

	// The first snapshot after a pause or resume is authoritative.
	c.optimistic = nil

	var err error
	if c.restarting != "" && c.restarting == snap.RunID {
		switch snap.Status {
		case pipeline.StatusFailed:
			err = apierr.New(apierr.KindDomainConflict, opRestart, apierr.CodeRestartNotEffective, nil)
			c.restarting = ""
		case pipeline.StatusProcessing, pipeline.StatusPaused, pipeline.StatusCompleted:
			c.restarting = ""
		}
	}

	markCompleted := snap.Status == pipeline.StatusCompleted && snap.RunID != "" && !c.completed[snap.RunID]
	if markCompleted {
		c.completed[snap.RunID] = true
	}
	c.mu.Unlock()

	if markCompleted && c.store != nil {
		if err := c.store.MarkRunCompleted(snap.RunID); err != nil {
			c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "control", RunID: snap.RunID, Op: "mark_completed", Err: err.Error()})
		}
	}
	if err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindControlError, Comp: "control", Op: opRestart, RunID: snap.RunID, Err: "run still failed after restart"})
	}
	if adopt != nil {
		c.setCurrent(*adopt)
	}
	return err
}
