// Package otel provides structured observability for ddwatch.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional RingBuffer keeps recent events in memory for the debug overlay.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an observability event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Poller events
	KindPollStart    EventKind = "poll.start"
	KindPollComplete EventKind = "poll.complete"
	KindPollError    EventKind = "poll.error"
	KindPollSkip     EventKind = "poll.skip"
	KindPollStale    EventKind = "poll.stale"
	KindPollStop     EventKind = "poll.stop"

	// Stream events
	KindStreamConnect    EventKind = "stream.connect"
	KindStreamConnected  EventKind = "stream.connected"
	KindStreamFinding    EventKind = "stream.finding"
	KindStreamError      EventKind = "stream.error"
	KindStreamBackoff    EventKind = "stream.backoff"
	KindStreamGiveUp     EventKind = "stream.give_up"
	KindStreamClosed     EventKind = "stream.closed"
	KindStreamBadMessage EventKind = "stream.bad_message"

	// Control operations
	KindControlStart  EventKind = "control.start"
	KindControlOK     EventKind = "control.ok"
	KindControlError  EventKind = "control.error"
	KindControlReject EventKind = "control.reject"
	KindRunChange     EventKind = "control.run_change"

	// Backend HTTP requests (debug level)
	KindHTTPRequest EventKind = "http.request"

	// Store events
	KindStoreError EventKind = "store.error"

	// UI events
	KindKeyPress    EventKind = "ui.key"
	KindPhaseChange EventKind = "ui.phase"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is one line of the ddwatch events file. Kind is always set; the rest
// is filled as far as the emitter knows it.
type Event struct {
	Time      time.Time `json:"t"`
	Level     Level     `json:"level,omitempty"`
	Kind      EventKind `json:"kind"`
	// Comp names the emitter: poll, org_poll, doc_poll, stream, control,
	// coord, eventlog, api, ui, cli or main.
	Comp      string `json:"comp,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	DDID      string `json:"dd_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	// Op is a control operation (start, pause, resume, cancel, restart) or
	// the store call that failed.
	Op string `json:"op,omitempty"`
	// Status is the run status from a poll, or the error kind of a failed
	// control call.
	Status string `json:"status,omitempty"`
	// Pass is the analysis pass reported alongside a run, when known.
	Pass string `json:"pass,omitempty"`
	// Attempt is the stream reconnect attempt.
	Attempt int `json:"attempt,omitempty"`
	// Count is findings received, log entries appended or polls skipped.
	Count int `json:"count,omitempty"`
	// Dur is a poll, request or backoff duration; files carry it as dur_ms.
	Dur   time.Duration  `json:"-"`
	DurMs float64        `json:"dur_ms,omitempty"`
	Err   string         `json:"err,omitempty"`
	Msg   string         `json:"msg,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
