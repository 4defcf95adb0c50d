package netevent

import (
	"time"
)

// NoTimeout makes a registration wait until the descriptor is ready.
const NoTimeout = time.Duration(-1)

type Interest uint8

const (
	Readable = Interest(1 << iota)
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	}
	return "none"
}

// Callback receives the outcome of a registration: nil when the descriptor is
// ready, ErrTimeout, ErrClosed or ErrEngineClosed otherwise.
type Callback func(err error)

type registration struct {
	fd       int
	interest Interest
	callback Callback
	deadline time.Time
	// position in the deadline heap, -1 when it has no deadline
	index int
}

func (r *registration) hasDeadline() bool {
	return !r.deadline.IsZero()
}
