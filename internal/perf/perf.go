// Package perf implements the named-checkpoint stopwatch the CLI's
// --debug perf category enables: each call to Print reports elapsed
// time since the previous checkpoint, labeled by the caller's message.
// Disabled by default -- it does nothing unless --debug names "perf".
package perf

import (
	"fmt"
	"io"
	"time"
)

// Stopwatch tracks elapsed time between named checkpoints.
type Stopwatch struct {
	enabled bool
	out     io.Writer
	last    time.Time
}

// New returns a Stopwatch. When enabled is false, Print is a no-op --
// callers do not need to guard every call with a debug-category check.
func New(enabled bool, out io.Writer) *Stopwatch {
	return &Stopwatch{enabled: enabled, out: out, last: time.Now()}
}

// Print reports elapsed time since the previous checkpoint (or since
// New, for the first call) under label, then resets the checkpoint.
func (s *Stopwatch) Print(label string) {
	if !s.enabled {
		return
	}
	now := time.Now()
	fmt.Fprintf(s.out, "%s: %s\n", label, now.Sub(s.last))
	s.last = now
}
