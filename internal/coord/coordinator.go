// Package coord wires the background machinery of the dashboard together:
// the progress, organisation and document pollers, the live findings
// stream, the run controller and the event log. Results reach the UI as
// Bubble Tea messages.
package coord

import (
	"context"
	"errors"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/eventlog"
	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/poll"
	"github.com/abelbrown/ddwatch/internal/store"
	"github.com/abelbrown/ddwatch/internal/stream"
	"github.com/abelbrown/ddwatch/internal/ui"
)

// Sender delivers messages to the UI. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Backend is everything the coordinator needs from the API client.
type Backend interface {
	poll.ProgressFetcher
	poll.OrganisationFetcher
	ListDocuments(ctx context.Context, ddID string) ([]pipeline.Document, error)
	lifecycle.Backend
}

// Config tunes a Coordinator.
type Config struct {
	Poll          poll.Config
	OrgInterval   time.Duration
	Stream        stream.Config
	Lifecycle     lifecycle.Config
	MaxLogEntries int
	Clock         clock.Clock
	Logger        *otel.Logger
}

// Coordinator owns the pollers, the stream and the controller for one
// dashboard. Uses context cancellation as the only stop mechanism.
type Coordinator struct {
	backend Backend
	store   *store.Store // nil keeps state in memory
	clock   clock.Clock
	logger  *otel.Logger
	maxLog  int

	ctrl   *lifecycle.Controller
	runs   *poll.Poller[*pipeline.RunSnapshot]
	orgs   *poll.Poller[*pipeline.OrganisationProgress]
	docs   *poll.Poller[[]pipeline.Document]
	stream *stream.Client
	differ *eventlog.Differ

	// seq serializes poll handling so the differ sees snapshots in order.
	seq sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	program     Sender
	ddID        string
	log         *eventlog.Log
	run         *pipeline.RunSnapshot // merged, not normalized
	runErr      error
	org         *pipeline.OrganisationProgress
	documents   []pipeline.Document
	checked     bool
	sawChecking bool
	phase       pipeline.Phase

	group *errgroup.Group
}

// New builds a Coordinator. store may be nil.
func New(cfg Config, backend Backend, dialer stream.Dialer, s *store.Store) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	c := &Coordinator{
		backend: backend,
		store:   s,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		maxLog:  cfg.MaxLogEntries,
		differ:  eventlog.NewDiffer(),
		ctx:     context.Background(),
	}

	pc := cfg.Poll
	pc.Clock, pc.Logger = cfg.Clock, cfg.Logger
	pc.Name = "poll"
	c.runs = poll.NewRunPoller(pc, backend, c.onRun)

	oc := pc
	oc.Name = "org_poll"
	if cfg.OrgInterval > 0 {
		oc.SlowInterval = cfg.OrgInterval
	}
	c.orgs = poll.NewOrganisationPoller(oc, backend, c.onOrg)

	dc := oc
	dc.Name = "doc_poll"
	c.docs = poll.New[[]pipeline.Document](dc, func(ctx context.Context, t pipeline.Target) ([]pipeline.Document, error) {
		return backend.ListDocuments(ctx, t.DDID)
	}, documentCadence, c.onDocs)

	sc := cfg.Stream
	sc.Clock, sc.Logger = cfg.Clock, cfg.Logger
	c.stream = stream.New(sc, dialer, c.onStream)

	lc := cfg.Lifecycle
	lc.Clock, lc.Logger = cfg.Clock, cfg.Logger
	var rs lifecycle.RunStore
	if s != nil {
		rs = s
	}
	c.ctrl = lifecycle.New(lc, backend, rs)
	c.ctrl.OnRunChange(c.onRunChange)
	return c
}

// documentCadence polls quickly while a readability check is running.
func documentCadence(docs []pipeline.Document) poll.Cadence {
	if (pipeline.ReadabilityState{Documents: docs}).AnyChecking() {
		return poll.CadenceFast
	}
	return poll.CadenceSlow
}

// Controller returns the run controller.
func (c *Coordinator) Controller() *lifecycle.Controller { return c.ctrl }

// Start attaches the UI and stops everything when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context, program Sender) {
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.ctx = ctx
	c.program = program
	c.group = g
	c.mu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		c.shutdown()
		return nil
	})
}

// Wait blocks until the background goroutine exits.
// Call after canceling the context passed to Start.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

func (c *Coordinator) shutdown() {
	c.runs.Stop()
	c.orgs.Stop()
	c.docs.Stop()
	c.stream.Close()
}

// Open mounts a project, restoring its last known run from the store.
func (c *Coordinator) Open(ddID string) {
	runID := ""
	if c.store != nil && ddID != "" {
		id, err := c.store.CurrentRun(ddID)
		if err != nil {
			c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "coord", DDID: ddID, Op: "current_run", Err: err.Error()})
		}
		runID = id
	}
	c.ctrl.SetProject(ddID, runID)
}

func (c *Coordinator) send(msg tea.Msg) {
	c.mu.Lock()
	p := c.program
	c.mu.Unlock()
	// nil program is allowed for tests
	if p != nil {
		p.Send(msg)
	}
}

// onRunChange re-targets the pollers and the stream. A new project also
// gets a fresh event log and differ.
func (c *Coordinator) onRunChange(ref lifecycle.RunRef) {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	switched := ref.DDID != c.ddID
	var log *eventlog.Log
	if switched {
		c.ddID = ref.DDID
		c.log = eventlog.New(ref.DDID, c.persister(), c.maxLog, c.logger)
		c.log.SetClock(c.clock.Now)
		c.run, c.runErr, c.org = nil, nil, nil
		c.documents = nil
		c.sawChecking = false
		c.checked = c.readabilityFlag(ref.DDID)
		c.phase = ""
		c.differ.Reset()
		log = c.log
	} else if c.run != nil && c.run.RunID != ref.RunID {
		c.run, c.runErr = nil, nil
	}
	c.mu.Unlock()

	if switched {
		if log != nil {
			_ = log.Load()
			c.send(ui.LogMsg{Entries: log.Entries(), Reset: true})
		}
		project := pipeline.Target{DDID: ref.DDID}
		if ref.DDID == "" {
			project = pipeline.Target{}
		}
		c.orgs.Watch(project)
		c.docs.Watch(project)
		c.stream.Subscribe(ref.DDID)
	}
	c.runs.Watch(ref.Target())
	c.send(ui.RunChanged{Run: ref})
}

func (c *Coordinator) persister() eventlog.Persister {
	if c.store == nil {
		return nil
	}
	return c.store
}

func (c *Coordinator) readabilityFlag(ddID string) bool {
	if c.store == nil || ddID == "" {
		return false
	}
	ok, err := c.store.ReadabilityChecked(ddID)
	if err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "coord", DDID: ddID, Op: "readability_checked", Err: err.Error()})
	}
	return ok
}

// onRun folds a progress poll into the view. The controller observes the
// snapshot after seq is released, since adopting a run re-enters
// onRunChange.
func (c *Coordinator) onRun(u poll.Update[*pipeline.RunSnapshot]) {
	run, log, fresh := c.foldRun(u)
	if run == nil || !fresh {
		return
	}
	if err := c.ctrl.Observe(run); err != nil {
		c.appendLog(log, []eventlog.Draft{{Type: pipeline.LogWarning, Message: "Restart did not take effect"}})
		c.send(ui.ControlResult{Op: "restart", Err: err})
		c.publish()
	}
}

func (c *Coordinator) foldRun(u poll.Update[*pipeline.RunSnapshot]) (*pipeline.RunSnapshot, *eventlog.Log, bool) {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	if u.Target != c.ctrl.CurrentRun().Target() {
		c.mu.Unlock()
		return nil, nil, false
	}
	var raw *pipeline.RunSnapshot
	fresh := false
	switch {
	case errors.Is(u.Err, apierr.ErrNoActiveRun) && u.Target.RunID == "":
		// The project has no run yet; that is a state, not a failure.
		c.run, c.runErr = nil, nil
	case u.Err != nil:
		c.runErr = u.Err
	case u.Value != nil:
		raw = u.Value.Clone()
		raw.MergeMonotonic(c.run)
		c.run, c.runErr = raw, nil
		fresh = true
	}
	drafts := c.recomputeLocked(fresh)
	log := c.log
	run := c.run.Clone()
	c.mu.Unlock()

	c.appendLog(log, drafts)
	c.publish()
	return run, log, fresh
}

func (c *Coordinator) onOrg(u poll.Update[*pipeline.OrganisationProgress]) {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	if u.Target.DDID != c.ddID {
		c.mu.Unlock()
		return
	}
	if u.Value != nil {
		c.org = u.Value
	}
	c.recomputeLocked(false)
	c.mu.Unlock()
	c.publish()
}

// onDocs tracks readability. A check observed running and then finishing
// is recorded so the ready phase survives a restart of the dashboard.
func (c *Coordinator) onDocs(u poll.Update[[]pipeline.Document]) {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	if u.Target.DDID != c.ddID {
		c.mu.Unlock()
		return
	}
	persist := false
	if u.Err == nil {
		c.documents = u.Value
		rs := pipeline.ReadabilityState{Documents: u.Value}
		if rs.AnyChecking() {
			c.sawChecking = true
		}
		if c.sawChecking && rs.AllTerminal() && !c.checked {
			c.checked = true
			persist = true
		}
	}
	ddID := c.ddID
	drafts := c.recomputeLocked(false)
	log := c.log
	c.mu.Unlock()

	if persist {
		if c.store != nil {
			if err := c.store.SetReadabilityChecked(ddID, true); err != nil {
				c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "coord", DDID: ddID, Op: "set_readability_checked", Err: err.Error()})
			}
		}
		drafts = append(drafts, eventlog.Draft{Type: pipeline.LogSuccess, Message: "Readability check complete"})
	}
	c.appendLog(log, drafts)
	c.publish()
}

// recomputeLocked re-resolves the phase. With runChanged the differ is fed
// the merged snapshot before normalization, since normalization rewrites
// pass progress the differ needs to see.
func (c *Coordinator) recomputeLocked(runChanged bool) []eventlog.Draft {
	ph := phase.Resolve(c.run, c.org, c.readabilityLocked())
	if ph != c.phase {
		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPhaseChange, Comp: "coord", DDID: c.ddID, Msg: string(c.phase) + " -> " + string(ph)})
		c.phase = ph
	}
	if !runChanged || c.run == nil {
		return nil
	}
	return c.differ.Observe(c.run, ph)
}

func (c *Coordinator) readabilityLocked() pipeline.ReadabilityState {
	return pipeline.ReadabilityState{Documents: c.documents, Checked: c.checked}
}

func (c *Coordinator) appendLog(log *eventlog.Log, drafts []eventlog.Draft) {
	if log == nil || len(drafts) == 0 {
		return
	}
	added := log.AppendDrafts(drafts)
	c.send(ui.LogMsg{Entries: added})
}

// Snapshot returns the current reconciled view.
func (c *Coordinator) Snapshot() ui.Snapshot {
	c.mu.Lock()
	raw := c.run.Clone()
	snap := ui.Snapshot{
		DDID:        c.ddID,
		Org:         c.org,
		Readability: c.readabilityLocked(),
		Phase:       c.phase,
		PollErr:     c.runErr,
		At:          c.clock.Now(),
	}
	c.mu.Unlock()

	snap.RunID = c.ctrl.CurrentRun().RunID
	snap.Paused = c.ctrl.Paused(raw)
	if raw != nil {
		raw.Normalize()
		snap.Run = raw
	}
	return snap
}

func (c *Coordinator) publish() {
	c.send(ui.SnapshotMsg{Snapshot: c.Snapshot()})
}

func (c *Coordinator) onStream(st stream.Status) {
	c.send(ui.StreamMsg{Status: st})
}

// rawRun returns a copy of the merged, unnormalized run snapshot.
func (c *Coordinator) rawRun() *pipeline.RunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Clone()
}

func (c *Coordinator) baseCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
