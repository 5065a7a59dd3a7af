package otel

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	raw := strings.TrimSpace(buf.String())
	if raw == "" {
		return nil
	}
	var out []map[string]any
	for i, line := range strings.Split(raw, "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %d: invalid JSON: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestEmitWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Kind: KindPollComplete, Level: LevelInfo, Comp: "poll", RunID: "r1", Status: "processing", Dur: 1500 * time.Millisecond})
	l.Close()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	ev := lines[0]
	if ev["kind"] != "poll.complete" || ev["comp"] != "poll" || ev["run_id"] != "r1" {
		t.Errorf("unexpected event: %v", ev)
	}
	if ev["dur_ms"] != float64(1500) {
		t.Errorf("dur_ms = %v, want 1500", ev["dur_ms"])
	}
	if sid, _ := ev["session_id"].(string); len(sid) != 16 {
		t.Errorf("session_id should be 16 hex chars, got %q", sid)
	}
}

func TestOmitempty(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()

	line := strings.TrimSpace(buf.String())
	for _, field := range []string{"dur_ms", "count", "dd_id", "run_id", "attempt", "err", "msg", "extra"} {
		if strings.Contains(line, `"`+field+`"`) {
			t.Errorf("expected %q omitted: %s", field, line)
		}
	}
}

func TestDebugGatedByTrace(t *testing.T) {
	orig := TraceEnabled()
	t.Cleanup(func() { SetTraceEnabled(orig) })

	var buf bytes.Buffer
	l := NewLogger(&buf)
	SetTraceEnabled(false)
	l.Debug(KindPollSkip, "poll", "in flight")
	SetTraceEnabled(true)
	l.Debug(KindPollSkip, "poll", "in flight")
	l.Close()

	if got := len(decodeLines(t, &buf)); got != 1 {
		t.Errorf("expected 1 debug line, got %d", got)
	}
}

func TestConvenienceHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Info(KindStartup, "main", "starting")
	l.Warn(KindStreamBackoff, "stream", "retrying")
	l.Error(KindControlError, "control", errors.New("409 conflict"))
	l.Close()

	lines := decodeLines(t, &buf)
	want := []struct{ level, kind, comp string }{
		{"info", "sys.startup", "main"},
		{"warn", "stream.backoff", "stream"},
		{"error", "control.error", "control"},
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i, w := range want {
		if lines[i]["level"] != w.level || lines[i]["kind"] != w.kind || lines[i]["comp"] != w.comp {
			t.Errorf("line %d = %v, want %+v", i, lines[i], w)
		}
	}
	if lines[2]["err"] != "409 conflict" {
		t.Errorf("err = %v", lines[2]["err"])
	}
}

func TestConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(Event{Kind: KindStreamFinding, Comp: "stream"})
		}()
	}
	wg.Wait()
	l.Close()

	if got := len(decodeLines(t, &buf)); got != 100 {
		t.Errorf("expected 100 lines, got %d", got)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info(KindStartup, "main", "x")
	l.Error(KindError, "main", nil)
	l.SetRingBuffer(NewRingBuffer(4))
	l.Close()
	if l.Dropped() != 0 || l.SessionID() != "" {
		t.Error("nil logger should report zero values")
	}
}

func TestCloseIsIdempotentAndDropsLateEmits(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()
	l.Close()
	l.Emit(Event{Kind: KindShutdown})
	if l.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", l.Dropped())
	}
}

type blockingWriter struct {
	started chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.started)
		<-w.block
	})
	return len(p), nil
}

func TestDropCounter(t *testing.T) {
	bw := &blockingWriter{started: make(chan struct{}), block: make(chan struct{})}
	l := NewLogger(bw)

	l.Emit(Event{Kind: KindPollStart})
	<-bw.started

	for i := 0; i < queueDepth+10; i++ {
		l.Emit(Event{Kind: KindPollStart})
	}
	if l.Dropped() == 0 {
		t.Error("expected drops when channel is full")
	}
	close(bw.block)
	l.Close()
}

func TestEmitFillsComponentFromKind(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStreamBackoff, Level: LevelWarn, DDID: "dd1", Attempt: 3})
	l.Emit(Event{Kind: KindPollError, Level: LevelWarn, Comp: "doc_poll"})
	l.Close()

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["comp"] != "stream" || lines[0]["dd_id"] != "dd1" || lines[0]["attempt"] != float64(3) {
		t.Errorf("line 0 = %v", lines[0])
	}
	if lines[1]["comp"] != "doc_poll" {
		t.Errorf("explicit comp overwritten: %v", lines[1])
	}
}

func TestEventKindSubsystem(t *testing.T) {
	for kind, want := range map[EventKind]string{
		KindControlReject: "control",
		KindStartup:       "sys",
		EventKind("bare"): "bare",
	} {
		if got := kind.Subsystem(); got != want {
			t.Errorf("%s.Subsystem() = %q, want %q", kind, got, want)
		}
	}
}
