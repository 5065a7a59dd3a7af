package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

type fakeConn struct {
	envs      chan pipeline.WireEnvelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{envs: make(chan pipeline.WireEnvelope, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Next() (pipeline.WireEnvelope, error) {
	select {
	case env := <-c.envs:
		return env, nil
	case <-c.closed:
		return pipeline.WireEnvelope{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer fails the first fails dials, then hands out fresh conns.
type fakeDialer struct {
	fails int
	calls atomic.Int32
	mu    sync.Mutex
	conns []*fakeConn
	ddIDs []string
}

func (d *fakeDialer) Dial(ctx context.Context, ddID string) (Conn, error) {
	n := int(d.calls.Add(1))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ddIDs = append(d.ddIDs, ddID)
	if d.fails < 0 || n <= d.fails {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestClient(d Dialer) (*Client, *clock.Fake, chan Status) {
	clk := clock.NewFake(time.Unix(0, 0))
	ch := make(chan Status, 256)
	c := New(Config{Clock: clk}, d, func(s Status) { ch <- s })
	return c, clk, ch
}

func waitFor(t *testing.T, ch chan Status, pred func(Status) bool) Status {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if pred(s) {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for status")
			return Status{}
		}
	}
}

func inState(state State) func(Status) bool {
	return func(s Status) bool { return s.State == state }
}

func finding(i int) pipeline.LiveFinding {
	return pipeline.LiveFinding{ID: fmt.Sprintf("f%d", i)}
}

func TestFindingBufferBoundAndOrder(t *testing.T) {
	b := NewFindingBuffer(50)
	for i := 1; i <= 60; i++ {
		b.Push(finding(i))
	}
	items := b.Items()
	if len(items) != 50 {
		t.Fatalf("len = %d, want 50", len(items))
	}
	if items[0].ID != "f60" {
		t.Errorf("first = %s, want f60", items[0].ID)
	}
	if items[49].ID != "f11" {
		t.Errorf("last = %s, want f11", items[49].ID)
	}
}

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
}

func TestReconnectBackoffCapAndGiveUp(t *testing.T) {
	d := &fakeDialer{fails: -1}
	c, clk, ch := newTestClient(d)

	c.Subscribe("dd1")
	var delays []time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		s := waitFor(t, ch, inState(StateBackoff))
		if s.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", s.Attempt, attempt)
		}
		if apierr.KindOf(s.Err) != apierr.KindTransport {
			t.Errorf("err kind = %s", apierr.KindOf(s.Err))
		}
		delay, ok := clk.NextDeadline()
		if !ok {
			t.Fatalf("no reconnect scheduled after attempt %d", attempt)
		}
		delays = append(delays, delay)
		clk.Advance(delay)
	}

	s := waitFor(t, ch, inState(StateGivenUp))
	if !errors.Is(s.Err, &apierr.Error{Kind: apierr.KindTransport, Code: apierr.CodeGiveUp}) {
		t.Errorf("err = %v, want give-up", s.Err)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d after give-up", clk.Pending())
	}
	clk.Advance(time.Hour)
	if got := d.calls.Load(); got != 11 {
		t.Errorf("dial calls = %d, want 11", got)
	}

	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delays decreased: %v", delays)
		}
		if delays[i] > 30*time.Second {
			t.Errorf("delay %v above cap", delays[i])
		}
	}
}

func TestConnectResetsAttempts(t *testing.T) {
	d := &fakeDialer{fails: 2}
	c, clk, ch := newTestClient(d)

	c.Subscribe("dd1")
	waitFor(t, ch, func(s Status) bool { return s.State == StateBackoff && s.Attempt == 1 })
	clk.Advance(time.Second)
	waitFor(t, ch, func(s Status) bool { return s.State == StateBackoff && s.Attempt == 2 })
	clk.Advance(2 * time.Second)

	s := waitFor(t, ch, inState(StateConnected))
	if s.Attempt != 0 || s.Err != nil {
		t.Errorf("connected status = %+v", s)
	}

	// A later drop starts the budget over.
	d.lastConn().Close()
	s = waitFor(t, ch, inState(StateBackoff))
	if s.Attempt != 1 {
		t.Errorf("attempt after drop = %d, want 1", s.Attempt)
	}
}

// errDialer fails every dial with err.
type errDialer struct{ err error }

func (d errDialer) Dial(context.Context, string) (Conn, error) { return nil, d.err }

func TestStreamFailureKinds(t *testing.T) {
	auth := apierr.FromStatus("stream", 401, "token expired", "", "")
	tests := []struct {
		name      string
		err       error
		kind      apierr.Kind
		retryable bool
	}{
		{"closed by server", ErrClosedByServer, apierr.KindTransport, true},
		{"wrapped read error", fmt.Errorf("read stream: %w", errors.New("unexpected EOF")), apierr.KindTransport, true},
		{"plain dial error", errors.New("connection refused"), apierr.KindTransport, true},
		{"auth kept", auth, apierr.KindAuth, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, ch := newTestClient(errDialer{err: tt.err})
			defer c.Close()
			c.Subscribe("dd1")
			s := waitFor(t, ch, inState(StateBackoff))
			if got := apierr.KindOf(s.Err); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
			if got := apierr.Retryable(s.Err); got != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got, tt.retryable)
			}
			if tt.kind == apierr.KindTransport && apierr.UserMessage(s.Err) == apierr.GenericMessage {
				t.Errorf("transport failure shown as %q", apierr.UserMessage(s.Err))
			}
		})
	}
}

func TestFindingsDelivered(t *testing.T) {
	d := &fakeDialer{}
	c, _, ch := newTestClient(d)

	c.Subscribe("dd1")
	waitFor(t, ch, inState(StateConnected))
	conn := d.lastConn()

	conn.envs <- pipeline.WireEnvelope{Type: "heartbeat"}
	conn.envs <- pipeline.WireEnvelope{Type: "finding", Data: []byte(`{not json`)}
	conn.envs <- pipeline.WireEnvelope{Type: "finding", Timestamp: "2026-03-01T10:00:00Z",
		Data: []byte(`{"description": "Change of control clause", "severity": "HIGH", "pass": "pass2"}`)}
	conn.envs <- pipeline.WireEnvelope{Type: "finding",
		Data: []byte(`{"id": "f-2", "severity": "critical", "deal_impact": "deal_blocker", "financial_exposure": {"amount": 250000, "currency": "GBP"}}`)}

	s := waitFor(t, ch, func(s Status) bool { return s.Received == 2 })
	if len(s.Findings) != 2 {
		t.Fatalf("findings = %+v", s.Findings)
	}
	newest, older := s.Findings[0], s.Findings[1]
	if newest.ID != "f-2" || newest.Exposure == nil || newest.Exposure.Currency != "GBP" {
		t.Errorf("newest = %+v", newest)
	}
	if older.ID == "" {
		t.Error("missing id should be replaced by a synthetic one")
	}
	if older.Severity != pipeline.SeverityHigh || older.Pass != pipeline.PassAnalyze {
		t.Errorf("older = %+v", older)
	}
	if older.Timestamp.IsZero() {
		t.Error("envelope timestamp should be used")
	}
}

func TestSubscribeSwitchDropsOldSubscription(t *testing.T) {
	d := &fakeDialer{}
	c, clk, ch := newTestClient(d)

	c.Subscribe("dd1")
	waitFor(t, ch, inState(StateConnected))
	first := d.lastConn()
	first.envs <- pipeline.WireEnvelope{Type: "finding", Data: []byte(`{"id": "old"}`)}
	waitFor(t, ch, func(s Status) bool { return s.Received == 1 })

	c.Subscribe("dd2")
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("old connection not closed")
	}
	s := waitFor(t, ch, func(s Status) bool { return s.State == StateConnected && s.DDID == "dd2" })
	if len(s.Findings) != 0 {
		t.Errorf("findings carried across projects: %+v", s.Findings)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d", clk.Pending())
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{fails: -1}
	c, clk, ch := newTestClient(d)

	c.Subscribe("dd1")
	waitFor(t, ch, inState(StateBackoff))
	c.Close()
	if clk.Pending() != 0 {
		t.Errorf("pending = %d after Close", clk.Pending())
	}
	clk.Advance(time.Minute)
	if got := d.calls.Load(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	if c.Status().State != StateClosed {
		t.Errorf("state = %s", c.Status().State)
	}
}

func TestReconnectAfterGiveUp(t *testing.T) {
	d := &fakeDialer{fails: 2}
	clk := clock.NewFake(time.Unix(0, 0))
	ch := make(chan Status, 64)
	c := New(Config{Clock: clk, Backoff: Backoff{MaxAttempts: 1}}, d, func(s Status) { ch <- s })

	c.Subscribe("dd1")
	waitFor(t, ch, inState(StateBackoff))
	clk.Advance(time.Second)
	waitFor(t, ch, inState(StateGivenUp))

	c.Reconnect()
	s := waitFor(t, ch, inState(StateConnected))
	if s.Err != nil || s.Attempt != 0 {
		t.Errorf("status = %+v", s)
	}
}
