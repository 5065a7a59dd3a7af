// Package poll keeps a snapshot of remote state fresh by fetching it on an
// adaptive interval.
//
// A Poller observes one target at a time. At most one fetch is in flight;
// a tick that arrives while a fetch is unresolved is skipped. Changing the
// target bumps a generation so results for the old target are dropped on
// arrival. Errors never escape: they are published on the Update and the
// poller keeps going.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Cadence is how eagerly to poll after a result.
type Cadence int

const (
	CadenceSlow Cadence = iota
	CadenceFast
	CadenceStop // terminal state reached; no further ticks
)

// FetchFunc retrieves the current value for a target.
type FetchFunc[T any] func(ctx context.Context, t pipeline.Target) (T, error)

// Update is published after every completed fetch for the current target.
// Value holds the last good value; Err is the latest failure, cleared by
// the next success.
type Update[T any] struct {
	Target pipeline.Target
	Gen    uint64
	Value  T
	Err    error
	At     time.Time
}

// Config tunes a Poller.
type Config struct {
	Name         string        // component name in events, e.g. "progress"
	FastInterval time.Duration // default 2s
	SlowInterval time.Duration // default 5s
	Timeout      time.Duration // per fetch, default 30s
	Clock        clock.Clock
	Logger       *otel.Logger
}

// Poller polls one target at a time. Safe for concurrent use.
type Poller[T any] struct {
	fetch   FetchFunc[T]
	cadence func(T) Cadence
	sink    func(Update[T])

	name   string
	fast   time.Duration
	slow   time.Duration
	tmo    time.Duration
	clock  clock.Clock
	logger *otel.Logger

	mu       sync.Mutex
	target   pipeline.Target
	gen      uint64
	timer    clock.Timer
	inFlight bool
	cancel   context.CancelFunc
	current  Cadence
	stopped  bool
	skipped  int
	fetches  int
	last     T
	lastErr  error
}

// New creates a Poller. cadence maps each fetched value to the next polling
// speed; sink receives every Update and must not block for long.
func New[T any](cfg Config, fetch FetchFunc[T], cadence func(T) Cadence, sink func(Update[T])) *Poller[T] {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 2 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Name == "" {
		cfg.Name = "poll"
	}
	if sink == nil {
		sink = func(Update[T]) {}
	}
	return &Poller[T]{
		fetch:   fetch,
		cadence: cadence,
		sink:    sink,
		name:    cfg.Name,
		fast:    cfg.FastInterval,
		slow:    cfg.SlowInterval,
		tmo:     cfg.Timeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Watch switches to target. Pending timers and in-flight results for the
// previous target are abandoned. A fetch fires immediately and the next tick
// is armed one interval later. A zero target stops polling.
func (p *Poller[T]) Watch(target pipeline.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.target = target
	var zero T
	p.last = zero
	p.lastErr = nil
	if target.IsZero() {
		return
	}
	p.current = CadenceFast
	p.startLocked()
}

// Restart resumes polling the current target after a terminal stop, keeping
// the last value.
func (p *Poller[T]) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target.IsZero() {
		return
	}
	p.resetLocked()
	p.current = CadenceFast
	p.startLocked()
}

// Refresh fetches now unless a fetch is already in flight or polling has
// stopped. The interval timer is not disturbed.
func (p *Poller[T]) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target.IsZero() || p.stopped {
		return
	}
	if p.inFlight {
		p.skipLocked()
		return
	}
	p.fetchLocked()
}

// Stop abandons the current target.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.target = pipeline.Target{}
}

// Target returns the target being polled.
func (p *Poller[T]) Target() pipeline.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Last returns the latest value and error for the current target.
func (p *Poller[T]) Last() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastErr
}

// Stopped reports whether polling stopped on a terminal value.
func (p *Poller[T]) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stats returns the number of fetches issued and ticks skipped because a
// fetch was still in flight.
func (p *Poller[T]) Stats() (fetches, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches, p.skipped
}

// resetLocked cancels the timer and any in-flight fetch and starts a new
// generation.
func (p *Poller[T]) resetLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.inFlight = false
	p.stopped = false
}

func (p *Poller[T]) startLocked() {
	p.fetchLocked()
	p.armLocked()
}

func (p *Poller[T]) intervalLocked() time.Duration {
	if p.current == CadenceFast {
		return p.fast
	}
	return p.slow
}

func (p *Poller[T]) armLocked() {
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.intervalLocked(), func() { p.tick(gen) })
}

func (p *Poller[T]) tick(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.stopped {
		return
	}
	if p.inFlight {
		p.skipLocked()
	} else {
		p.fetchLocked()
	}
	p.armLocked()
}

func (p *Poller[T]) skipLocked() {
	p.skipped++
	p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPollSkip, Comp: p.name, Count: p.skipped})
}

func (p *Poller[T]) fetchLocked() {
	gen, target := p.gen, p.target
	ctx, cancel := context.WithTimeout(context.Background(), p.tmo)
	p.cancel = cancel
	p.inFlight = true
	p.fetches++
	p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPollStart, Comp: p.name, RunID: target.RunID, DDID: target.DDID})

	go func() {
		start := time.Now()
		v, err := p.fetch(ctx, target)
		cancel()
		p.complete(gen, target, v, err, time.Since(start))
	}()
}

func (p *Poller[T]) complete(gen uint64, target pipeline.Target, v T, err error, dur time.Duration) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPollStale, Comp: p.name, RunID: target.RunID, DDID: target.DDID})
		return
	}
	p.inFlight = false
	p.cancel = nil

	if err != nil {
		p.lastErr = apierr.Classify(p.name, err)
		p.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindPollError, Comp: p.name, RunID: target.RunID, DDID: target.DDID, Dur: dur, Err: err.Error()})
	} else {
		p.last = v
		p.lastErr = nil
		p.current = p.cadence(v)
		p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPollComplete, Comp: p.name, RunID: target.RunID, DDID: target.DDID, Dur: dur})
		if p.current == CadenceStop {
			p.stopped = true
			if p.timer != nil {
				p.timer.Stop()
				p.timer = nil
			}
			p.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPollStop, Comp: p.name, RunID: target.RunID, DDID: target.DDID})
		}
	}
	u := Update[T]{Target: target, Gen: gen, Value: p.last, Err: p.lastErr, At: p.clock.Now()}
	p.mu.Unlock()

	p.sink(u)
}

// Gen returns the current generation. An Update whose Gen differs was
// produced for an abandoned target.
func (p *Poller[T]) Gen() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}
