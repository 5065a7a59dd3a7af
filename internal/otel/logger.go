package otel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// queueDepth bounds how many encoded events may wait for the writer. A burst
// of stream findings or poll errors beyond this is counted, not blocked on.
const queueDepth = 4096

// pending is one event on its way to the events file. The line is encoded on
// the emitting goroutine; the event itself goes to the ring with Dur intact.
type pending struct {
	line []byte
	ev   Event
}

// Logger appends ddwatch events to a JSONL file from a single writer
// goroutine and mirrors them into the debug overlay's ring, if one is set.
// A nil *Logger discards everything so pollers, the stream client and the
// run controller can be built without one.
type Logger struct {
	session string
	out     io.Writer
	queue   chan pending
	ring    atomic.Pointer[RingBuffer]
	dropped atomic.Uint64
	closed  atomic.Bool
	flushed chan struct{}
	once    sync.Once
}

// NewLogger starts a Logger writing to w. Close flushes it.
func NewLogger(w io.Writer) *Logger {
	l := &Logger{
		session: newSessionID(),
		out:     w,
		queue:   make(chan pending, queueDepth),
		flushed: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// NewNullLogger returns a Logger whose file output is discarded. The ring, if
// attached, still fills.
func NewNullLogger() *Logger {
	return NewLogger(io.Discard)
}

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// writeLoop owns l.out. A failed write still reaches the ring.
func (l *Logger) writeLoop() {
	defer close(l.flushed)
	for p := range l.queue {
		if _, err := l.out.Write(p.line); err != nil {
			l.dropped.Add(1)
		}
		if rb := l.ring.Load(); rb != nil {
			rb.Push(p.ev)
		}
	}
}

// Emit stamps the event with the session and, when unset, the time and the
// component named by its kind ("stream.backoff" is "stream"), then queues it.
// It never blocks: a full queue or a closed logger counts a drop. Debug
// events are skipped entirely unless tracing is on.
func (l *Logger) Emit(e Event) {
	if l == nil || (e.Level == LevelDebug && !TraceEnabled()) {
		return
	}
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}
	// Close may still win the race and close the queue under us.
	defer func() {
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Comp == "" {
		e.Comp = e.Kind.Subsystem()
	}
	e.SessionID = l.session

	line, err := json.Marshal(e)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- pending{line: append(line, '\n'), ev: e}:
	default:
		l.dropped.Add(1)
	}
}

// Info records a routine transition such as a run change or a stream connect.
func (l *Logger) Info(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelInfo, Kind: kind, Comp: comp, Msg: msg})
}

// Debug records per-poll and per-request detail, kept only under --trace.
func (l *Logger) Debug(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelDebug, Kind: kind, Comp: comp, Msg: msg})
}

// Warn records a recoverable failure: a poll error, a stream backoff.
func (l *Logger) Warn(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelWarn, Kind: kind, Comp: comp, Msg: msg})
}

// Error records err in the event's err field; a nil err leaves it empty.
func (l *Logger) Error(kind EventKind, comp string, err error) {
	e := Event{Level: LevelError, Kind: kind, Comp: comp}
	if err != nil {
		e.Err = err.Error()
	}
	l.Emit(e)
}

// SessionID identifies one ddwatch process in the events file. The debug
// status bar shows it so a screen can be matched to its log lines.
func (l *Logger) SessionID() string {
	if l == nil {
		return ""
	}
	return l.session
}

// SetRingBuffer mirrors subsequent events into rb for the debug overlay.
func (l *Logger) SetRingBuffer(rb *RingBuffer) {
	if l == nil {
		return
	}
	l.ring.Store(rb)
}

// Dropped counts events lost to a full queue, an encode or write failure, or
// an Emit after Close.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close drains the queue into the file and reports any drops on stderr. Later
// calls are no-ops and later Emits are dropped.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.queue)
		<-l.flushed
		if n := l.dropped.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "ddwatch: session %s dropped %d events\n", l.session, n)
		}
	})
}

// Subsystem is the part of the kind before the first dot.
func (k EventKind) Subsystem() string {
	s, _, _ := strings.Cut(string(k), ".")
	return s
}
