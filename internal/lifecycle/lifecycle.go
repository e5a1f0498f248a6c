// Package lifecycle holds the process-wide serving phase read by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Phase is the serving phase of the process.
type Phase int32

const (
	// PhaseServing accepts traffic. It is the zero value.
	PhaseServing Phase = iota
	// PhaseDraining reports shutting-down on /health so load balancers stop routing here
	// while in-flight lookups and history writes finish.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

var (
	phase        atomic.Int32
	drainStarted atomic.Int64
)

// BeginDrain switches to PhaseDraining. Call on SIGTERM/SIGINT before server shutdown.
// Repeated calls keep the first drain start time.
func BeginDrain(now time.Time) {
	if phase.Swap(int32(PhaseDraining)) != int32(PhaseDraining) {
		drainStarted.Store(now.UnixNano())
	}
}

// Reset returns to PhaseServing. Used by tests.
func Reset() {
	phase.Store(int32(PhaseServing))
	drainStarted.Store(0)
}

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}

// Draining reports whether the health endpoint should steer traffic away.
func Draining() bool {
	return Current() == PhaseDraining
}

// DrainStarted returns when draining began, or the zero time while serving.
func DrainStarted() time.Time {
	ns := drainStarted.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
