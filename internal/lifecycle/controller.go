// Package lifecycle owns the current-run register and every operation that
// changes a run: create, start, pause, resume, cancel and restart.
//
// The Controller is the only writer of the current run. Other components
// read it through CurrentRun or are told about changes via OnRunChange.
// Every error returned is a classified *apierr.Error.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Backend is the part of the API client the controller drives.
type Backend interface {
	CreateRun(ctx context.Context, ddID string, docIDs []string) (api.RunRef, error)
	Start(ctx context.Context, runID string, req api.StartRequest) (api.StartResult, error)
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Cancel(ctx context.Context, t pipeline.Target) error
	Restart(ctx context.Context, runID string) (api.RestartResult, error)
}

// RunStore persists run selections and completions. *store.Store
// satisfies it.
type RunStore interface {
	RecordRunSelection(ddID, runID string, docIDs []string) error
	RunSelection(runID string) ([]string, error)
	CompletedRunWithDocs(ddID string, docIDs []string) (string, error)
	MarkRunCompleted(runID string) error
	SetCurrentRun(ddID, runID string) error
}

// RunRef is the value of the current-run register.
type RunRef struct {
	DDID  string
	RunID string
	Name  string
}

// Target returns what pollers should observe for r.
func (r RunRef) Target() pipeline.Target {
	return pipeline.Target{RunID: r.RunID, DDID: r.DDID}
}

// StartOptions are the processing options plus the user's answers to
// confirmation prompts.
type StartOptions struct {
	IncludeTier3      bool
	UseClusteredPass3 bool
	ModelTier         string

	ConfirmRerun      bool // process a document set that already completed
	ConfirmUnreadable bool // drop documents that failed readability
}

// Config tunes a Controller.
type Config struct {
	StuckThreshold time.Duration
	ModelTier      string
	Clock          clock.Clock
	Logger         *otel.Logger
}

// Controller serializes run control for one dashboard.
type Controller struct {
	backend   Backend
	store     RunStore
	threshold time.Duration
	modelTier string
	clock     clock.Clock
	logger    *otel.Logger

	mu         sync.Mutex
	current    RunRef
	listeners  []func(RunRef)
	busy       map[string]bool
	optimistic *pausedOverride
	restarting string // run awaiting its first poll after restart
	completed  map[string]bool
}

// pausedOverride is the locally assumed paused state after a successful
// pause or resume. The next polled snapshot replaces it.
type pausedOverride struct {
	paused bool
}

// New creates a Controller. store may be nil.
func New(cfg Config, backend Backend, store RunStore) *Controller {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = phase.DefaultStuckThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Controller{
		backend:   backend,
		store:     store,
		threshold: cfg.StuckThreshold,
		modelTier: cfg.ModelTier,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		busy:      make(map[string]bool),
		completed: make(map[string]bool),
	}
}

// OnRunChange registers fn to be called after every change of the current
// run. Callbacks run on the goroutine that made the change, outside the
// controller's lock.
func (c *Controller) OnRunChange(fn func(RunRef)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// CurrentRun returns the current-run register.
func (c *Controller) CurrentRun() RunRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetProject points the register at a project and, optionally, a known run
// (e.g. restored from the store on mount).
func (c *Controller) SetProject(ddID, runID string) {
	c.setCurrent(RunRef{DDID: ddID, RunID: runID})
}

func (c *Controller) setCurrent(ref RunRef) {
	c.mu.Lock()
	if ref == c.current {
		c.mu.Unlock()
		return
	}
	c.current = ref
	c.optimistic = nil
	c.restarting = ""
	listeners := append([]func(RunRef){}, c.listeners...)
	c.mu.Unlock()

	if c.store != nil && ref.DDID != "" {
		if err := c.store.SetCurrentRun(ref.DDID, ref.RunID); err != nil {
			c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "control", DDID: ref.DDID, Op: "set_current_run", Err: err.Error()})
		}
	}
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindRunChange, Comp: "control", DDID: ref.DDID, RunID: ref.RunID})
	for _, fn := range listeners {
		fn(ref)
	}
}

// begin claims op. A second concurrent call of the same op is rejected
// with ErrBusy before any network call.
func (c *Controller) begin(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[op] {
		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindControlReject, Comp: "control", Op: op, Msg: "busy"})
		return apierr.New(apierr.KindDomainConflict, op, apierr.CodeBusy, nil)
	}
	c.busy[op] = true
	return nil
}

func (c *Controller) end(op string) {
	c.mu.Lock()
	delete(c.busy, op)
	c.mu.Unlock()
}

// Busy reports whether op is in progress.
func (c *Controller) Busy(op string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[op]
}

// result logs the outcome of a backend call and classifies its error.
func (c *Controller) result(op string, ref RunRef, start time.Time, err error) error {
	if err == nil {
		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindControlOK, Comp: "control", Op: op, DDID: ref.DDID, RunID: ref.RunID, Dur: time.Since(start)})
		return nil
	}
	ae := apierr.Classify(op, err)
	c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindControlError, Comp: "control", Op: op, DDID: ref.DDID, RunID: ref.RunID, Status: string(ae.Kind), Dur: time.Since(start), Err: err.Error()})
	return ae
}

func (c *Controller) reject(err *apierr.Error) error {
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindControlReject, Comp: "control", Op: err.Op, Msg: err.Code})
	return err
}
