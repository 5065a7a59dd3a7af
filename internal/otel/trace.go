package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled gates debug-level events. Set once from DDWATCH_TRACE at init.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("DDWATCH_TRACE") != "")
}

// TraceEnabled reports whether DDWATCH_TRACE is set.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// SetTraceEnabled overrides the trace flag (config and tests).
func SetTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
