// Package stream subscribes to the backend's live findings channel and
// keeps the most recent findings in a bounded buffer.
//
// The client is an explicit state machine:
//
//	idle -> connecting -> connected
//	connecting|connected --error--> backoff(n) --timer--> connecting
//	backoff(n > MaxAttempts) -> given_up   (only Reconnect leaves it)
//	any -> closed                          (Close)
//
// A successful connect resets the attempt counter. Errors are state; they
// never escape the client.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Conn is an open stream. Next blocks until an envelope arrives or the
// connection fails. Close unblocks Next.
type Conn interface {
	Next() (pipeline.WireEnvelope, error)
	Close() error
}

// Dialer opens a stream for a project.
type Dialer interface {
	Dial(ctx context.Context, ddID string) (Conn, error)
}

// Status is published on every state change and every new finding.
type Status struct {
	DDID     string
	State    State
	Attempt  int   // consecutive failed attempts, 0 when connected
	Err      error // classified; nil when connected
	Findings []pipeline.LiveFinding
	Received int // findings received since Subscribe
}

// Config tunes a Client.
type Config struct {
	Backoff    Backoff
	BufferSize int
	Clock      clock.Clock
	Logger     *otel.Logger
}

// Client maintains one live subscription. Safe for concurrent use.
type Client struct {
	dialer  Dialer
	backoff Backoff
	clock   clock.Clock
	logger  *otel.Logger
	sink    func(Status)
	buf     *FindingBuffer

	mu       sync.Mutex
	ddID     string
	gen      uint64
	state    State
	attempt  int
	err      error
	received int
	timer    clock.Timer
	conn     Conn
	cancel   context.CancelFunc
}

// New creates an idle Client. sink receives every Status.
func New(cfg Config, dialer Dialer, sink func(Status)) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if sink == nil {
		sink = func(Status) {}
	}
	return &Client{
		dialer:  dialer,
		backoff: cfg.Backoff.withDefaults(),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		sink:    sink,
		buf:     NewFindingBuffer(cfg.BufferSize),
		state:   StateIdle,
	}
}

// Subscribe switches the stream to ddID, dropping the previous
// subscription, its timers and its findings. An empty ddID closes.
func (c *Client) Subscribe(ddID string) {
	c.mu.Lock()
	if ddID == c.ddID && (c.state == StateConnecting || c.state == StateConnected || c.state == StateBackoff) {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.buf.Reset()
	c.ddID = ddID
	c.attempt = 0
	c.err = nil
	c.received = 0
	if ddID == "" {
		c.state = StateClosed
		st := c.statusLocked()
		c.mu.Unlock()
		c.sink(st)
		return
	}
	st := c.connectLocked()
	c.mu.Unlock()
	c.sink(st)
}

// Reconnect retries immediately with a fresh attempt budget. It is the only
// way out of given_up.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.ddID == "" || c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.attempt = 0
	st := c.connectLocked()
	c.mu.Unlock()
	c.sink(st)
}

// Close tears down the subscription. Pending reconnects are cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.state = StateClosed
	c.err = nil
	st := c.statusLocked()
	c.mu.Unlock()
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStreamClosed, Comp: "stream", DDID: st.DDID})
	c.sink(st)
}

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	return Status{
		DDID:     c.ddID,
		State:    c.state,
		Attempt:  c.attempt,
		Err:      c.err,
		Findings: c.buf.Items(),
		Received: c.received,
	}
}

// teardownLocked abandons the current generation: timer, dial and conn.
func (c *Client) teardownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) connectLocked() Status {
	c.state = StateConnecting
	gen, ddID := c.gen, c.ddID
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindStreamConnect, Comp: "stream", DDID: ddID, Attempt: c.attempt})

	go func() {
		conn, err := c.dialer.Dial(ctx, ddID)
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			st := c.failLocked(err)
			c.mu.Unlock()
			c.sink(st)
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.attempt = 0
		c.err = nil
		st := c.statusLocked()
		c.mu.Unlock()

		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStreamConnected, Comp: "stream", DDID: ddID})
		c.sink(st)
		c.read(gen, conn)
	}()
	return c.statusLocked()
}

// failLocked records a transport failure and schedules the next attempt,
// or gives up once the attempt budget is spent.
func (c *Client) failLocked(cause error) Status {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.attempt++
	if c.attempt > c.backoff.MaxAttempts {
		c.state = StateGivenUp
		c.err = apierr.New(apierr.KindTransport, "stream", apierr.CodeGiveUp, cause)
		c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStreamGiveUp, Comp: "stream", DDID: c.ddID, Attempt: c.attempt, Err: cause.Error()})
		return c.statusLocked()
	}

	c.state = StateBackoff
	c.err = transportError(cause)
	delay := c.backoff.Delay(c.attempt)
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateBackoff {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		st := c.connectLocked()
		c.mu.Unlock()
		c.sink(st)
	})
	c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindStreamBackoff, Comp: "stream", DDID: c.ddID, Attempt: c.attempt, Dur: delay, Err: cause.Error()})
	return c.statusLocked()
}

func (c *Client) read(gen uint64, conn Conn) {
	for {
		env, err := conn.Next()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindStreamError, Comp: "stream", DDID: c.ddID, Err: err.Error()})
			st := c.failLocked(err)
			c.mu.Unlock()
			c.sink(st)
			return
		}

		f, ok := c.decode(env)
		if !ok {
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.buf.Push(f)
		c.received++
		st := c.statusLocked()
		c.mu.Unlock()

		c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindStreamFinding, Comp: "stream", DDID: st.DDID, Count: st.Received})
		c.sink(st)
	}
}

// decode extracts a finding from an envelope. Other message types and
// malformed payloads are dropped.
func (c *Client) decode(env pipeline.WireEnvelope) (pipeline.LiveFinding, bool) {
	if env.Type != "finding" {
		return pipeline.LiveFinding{}, false
	}
	var w pipeline.WireFinding
	if err := json.Unmarshal(env.Data, &w); err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindStreamBadMessage, Comp: "stream", Err: err.Error()})
		return pipeline.LiveFinding{}, false
	}
	f := w.Finding(env.Timestamp)
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return f, true
}

// transportError keeps classified errors (auth stays auth) and treats any
// other stream failure as a retryable transport error.
func transportError(cause error) error {
	var ae *apierr.Error
	if errors.As(cause, &ae) {
		return ae
	}
	return apierr.New(apierr.KindTransport, "stream", "", cause)
}
