package netevent

import (
	"go.uber.org/atomic"
)

type engineStats struct {
	registered *atomic.Uint64
	fired      *atomic.Uint64
	timedOut   *atomic.Uint64
	cancelled  *atomic.Uint64
	superseded *atomic.Uint64
}

func newEngineStats() *engineStats {
	return &engineStats{
		registered: atomic.NewUint64(0),
		fired:      atomic.NewUint64(0),
		timedOut:   atomic.NewUint64(0),
		cancelled:  atomic.NewUint64(0),
		superseded: atomic.NewUint64(0),
	}
}

// EngineStats is a snapshot of the engine counters.
type EngineStats struct {
	Name string
	// Pending registrations waiting for readiness or a deadline.
	Pending    int
	Registered uint64
	Fired      uint64
	TimedOut   uint64
	Cancelled  uint64
	Superseded uint64
}
