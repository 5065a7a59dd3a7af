package otel

import "sync"

// DefaultRingSize is how many recent events the debug overlay can page back
// through when no size is given.
const DefaultRingSize = 1024

// RingBuffer keeps the most recent events in memory for the debug overlay.
// Slot i holds the event pushed at sequence number seq where seq%len == i.
type RingBuffer struct {
	mu     sync.Mutex
	events []Event
	pushed uint64
}

// NewRingBuffer returns a ring holding up to size events, or DefaultRingSize
// when size is not positive.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingBuffer{events: make([]Event, size)}
}

// Push stores e over the oldest event once the ring is full. Extra is cloned
// so an emitter reusing its map does not rewrite history.
func (r *RingBuffer) Push(e Event) {
	if e.Extra != nil {
		extra := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			extra[k] = v
		}
		e.Extra = extra
	}
	r.mu.Lock()
	r.events[r.pushed%uint64(len(r.events))] = e
	r.pushed++
	r.mu.Unlock()
}

func (r *RingBuffer) held() int {
	if r.pushed < uint64(len(r.events)) {
		return int(r.pushed)
	}
	return len(r.events)
}

// Last returns up to n of the newest events, oldest first.
func (r *RingBuffer) Last(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if held := r.held(); n > held {
		n = held
	}
	if n <= 0 {
		return nil
	}
	out := make([]Event, 0, n)
	size := uint64(len(r.events))
	for seq := r.pushed - uint64(n); seq < r.pushed; seq++ {
		out = append(out, r.events[seq%size])
	}
	return out
}

// Snapshot returns every held event, oldest first.
func (r *RingBuffer) Snapshot() []Event {
	return r.Last(r.Cap())
}

// Len is the number of events held, at most Cap.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held()
}

// Cap is the ring's fixed size.
func (r *RingBuffer) Cap() int {
	return len(r.events)
}

// Total counts every event ever pushed, including those since overwritten.
func (r *RingBuffer) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed
}

// Stats tallies held events under "comp/level" keys such as "stream/warn",
// which the overlay reads per ddwatch subsystem.
func (r *RingBuffer) Stats() map[string]int {
	out := make(map[string]int)
	for _, e := range r.Snapshot() {
		out[e.Comp+"/"+string(e.Level)]++
	}
	return out
}
