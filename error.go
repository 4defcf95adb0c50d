package netevent

import (
	"errors"
	"fmt"
	"golang.org/x/sys/unix"
)

var ErrTimeout = errors.New("operation timed out")
var ErrClosed = errors.New("descriptor closed")
var ErrEngineClosed = errors.New("event engine closed")
var ErrShortHeader = errors.New("short file transfer header")
var ErrNoDescriptor = errors.New("no descriptor received")
var ErrUnsupportedNetwork = errors.New("unsupported network")

// NetError is an OS level failure of a socket operation.
type NetError struct {
	Op  string
	Fd  int
	Err error
}

func newNetError(op string, fd int, err error) error {
	return &NetError{Op: op, Fd: fd, Err: err}
}

func (e *NetError) Error() string {
	return fmt.Sprintf("%s [fd %d]: %v", e.Op, e.Fd, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// Code returns the errno behind the failure, or -1 when there is none.
func (e *NetError) Code() int {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	return -1
}

func (e *NetError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
