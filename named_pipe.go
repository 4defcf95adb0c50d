package netevent

import (
	"time"
)

// NamedPipe is a unix domain stream socket bound to a filesystem path. Besides
// plain bytes it carries open descriptors, see SendFile and ReceiveFile.
type NamedPipe struct {
	*Socket
	path string
}

// ListenNamedPipe binds path. A stale socket file left at path is not removed.
func ListenNamedPipe(engine *Engine, path string) (*NamedPipe, error) {
	s, err := Listen(engine, "unix", path)
	if err != nil {
		return nil, err
	}
	return &NamedPipe{Socket: s, path: path}, nil
}

// ConnectNamedPipe dials the pipe at path. When the listener's backlog is full
// the connect fails at once with EAGAIN, whatever the timeout; the caller may
// retry later.
func ConnectNamedPipe(engine *Engine, path string, timeout time.Duration, callback func(*NamedPipe, error)) {
	Connect(engine, "unix", path, timeout, func(s *Socket, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		callback(&NamedPipe{Socket: s, path: path}, nil)
	})
}

func (p *NamedPipe) Path() string {
	return p.path
}

// Accept waits for one client of the pipe.
func (p *NamedPipe) Accept(timeout time.Duration, callback func(*NamedPipe, error)) {
	p.Socket.Accept(timeout, func(s *Socket, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		callback(&NamedPipe{Socket: s, path: p.path}, nil)
	})
}
