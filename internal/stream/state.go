package stream

import (
	"math"
	"time"
)

// State is the connection state of the stream client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateGivenUp    State = "given_up"
	StateClosed     State = "closed"
)

// Backoff schedules reconnect attempts.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int // reconnects before giving up
}

// DefaultBackoff is 1s doubling to a 30s cap, giving up after 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second, MaxAttempts: 10}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(n-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
