package netevent

import (
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"io"
	"net"
	"sync"
	"time"
)

// Socket is a non-blocking stream socket. Every operation returns at once and
// completes through its callback on the engine's callback queue.
type Socket struct {
	engine *Engine
	fd     int
	domain int
	local  net.Addr
	remote net.Addr
	closed *atomic.Bool
	// readers hold it around syscalls and registrations, Close takes it
	// exclusively so the fd number is never reused underneath them
	lock sync.RWMutex
}

func newSocket(engine *Engine, fd int, domain int) *Socket {
	s := &Socket{
		engine: engine,
		fd:     fd,
		domain: domain,
		closed: atomic.NewBool(false),
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		s.local = sockaddrToAddr(sa)
	}
	return s
}

func newConnectedSocket(engine *Engine, fd int, domain int, remote unix.Sockaddr) *Socket {
	setSocketOptions(fd, domain, engine.config.Socket)
	s := newSocket(engine, fd, domain)
	if remote == nil {
		remote, _ = unix.Getpeername(fd)
	}
	if remote != nil {
		s.remote = sockaddrToAddr(remote)
	}
	return s
}

// Listen binds address and marks the socket passive. network is "tcp",
// "tcp4", "tcp6" or "unix".
func Listen(engine *Engine, network, address string) (*Socket, error) {
	if err := engine.Initialize(); err != nil {
		return nil, err
	}
	addr, err := engine.resolver.resolve(network, address)
	if err != nil {
		return nil, newNetError("listen", -1, err)
	}
	fd, err := unix.Socket(addr.domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newNetError("socket", -1, err)
	}
	if err = setListenerOptions(fd, addr.domain); err != nil {
		_ = unix.Close(fd)
		return nil, newNetError("setsockopt", fd, err)
	}
	if err = unix.Bind(fd, addr.sockaddr); err != nil {
		_ = unix.Close(fd)
		return nil, newNetError("bind", fd, err)
	}
	if err = unix.Listen(fd, engine.config.Socket.backlog()); err != nil {
		_ = unix.Close(fd)
		return nil, newNetError("listen", fd, err)
	}
	s := newSocket(engine, fd, addr.domain)
	log.Info().Msgf("[%d] listening on %s %s", fd, network, s.local)
	return s, nil
}

// Connect dials address. The callback receives the connected socket, or nil
// and the failure; timeouts satisfy IsTimeout. A unix socket whose listener
// backlog is full fails at once with EAGAIN instead of waiting.
func Connect(engine *Engine, network, address string, timeout time.Duration, callback func(*Socket, error)) {
	fail := func(err error) {
		engine.deliver(func() {
			callback(nil, err)
		})
	}
	if err := engine.Initialize(); err != nil {
		fail(err)
		return
	}
	addr, err := engine.resolver.resolve(network, address)
	if err != nil {
		fail(newNetError("connect", -1, err))
		return
	}
	fd, err := unix.Socket(addr.domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		fail(newNetError("socket", -1, err))
		return
	}
	err = unix.Connect(fd, addr.sockaddr)
	switch err {
	case nil:
		s := newConnectedSocket(engine, fd, addr.domain, addr.sockaddr)
		engine.dispatchOr(func() {
			callback(s, nil)
		}, func(err error) {
			_ = s.Close()
			callback(nil, newNetError("connect", fd, err))
		})
	case unix.EINPROGRESS, unix.EINTR:
		err = engine.Register(fd, Writable, timeout, func(err error) {
			if err == nil {
				var soErr int
				soErr, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
				if err == nil && soErr != 0 {
					err = unix.Errno(soErr)
				}
			}
			if err != nil {
				_ = unix.Close(fd)
				callback(nil, newNetError("connect", fd, err))
				return
			}
			callback(newConnectedSocket(engine, fd, addr.domain, addr.sockaddr), nil)
		})
		if err != nil {
			_ = unix.Close(fd)
			fail(err)
		}
	default:
		_ = unix.Close(fd)
		fail(newNetError("connect", fd, err))
	}
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Network() string {
	return networkOf(s.domain)
}

func (s *Socket) LocalAddr() net.Addr {
	return s.local
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.remote
}

func (s *Socket) IsOpen() bool {
	return !s.closed.Load()
}

// Accept waits for one incoming connection. Call it again for the next one.
func (s *Socket) Accept(timeout time.Duration, callback func(*Socket, error)) {
	s.accept(timeout, func(fd int, remote unix.Sockaddr, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		callback(newConnectedSocket(s.engine, fd, s.domain, remote), nil)
	})
}

func (s *Socket) accept(timeout time.Duration, callback func(fd int, remote unix.Sockaddr, err error)) {
	deadline := deadlineFor(timeout)
	var attempt func()
	attempt = func() {
		s.lock.RLock()
		if s.closed.Load() {
			s.lock.RUnlock()
			callback(-1, nil, newNetError("accept", s.fd, ErrClosed))
			return
		}
		fd, remote, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			s.lock.RUnlock()
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] accepted connection: %d", s.fd, fd)
			}
			callback(fd, remote, nil)
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
			err = s.await(Readable, deadline, "accept", attempt, func(err error) {
				callback(-1, nil, err)
			})
			s.lock.RUnlock()
			if err != nil {
				callback(-1, nil, err)
			}
		default:
			s.lock.RUnlock()
			callback(-1, nil, newNetError("accept", s.fd, err))
		}
	}
	s.engine.dispatchOr(attempt, func(err error) {
		callback(-1, nil, newNetError("accept", s.fd, err))
	})
}

// Read delivers the bytes of one successful read of up to maxBytes, or
// io.EOF once the peer closed its side.
func (s *Socket) Read(maxBytes int, callback func([]byte, error)) {
	s.ReadTimeout(maxBytes, NoTimeout, callback)
}

func (s *Socket) ReadTimeout(maxBytes int, timeout time.Duration, callback func([]byte, error)) {
	s.read(maxBytes, deadlineFor(timeout), callback)
}

func (s *Socket) read(maxBytes int, deadline time.Time, callback func([]byte, error)) {
	if maxBytes < 0 {
		err := newNetError("read", s.fd, unix.EINVAL)
		s.engine.deliver(func() {
			callback(nil, err)
		})
		return
	}
	buffer := make([]byte, maxBytes)
	var attempt func()
	attempt = func() {
		s.lock.RLock()
		if s.closed.Load() {
			s.lock.RUnlock()
			callback(nil, newNetError("read", s.fd, ErrClosed))
			return
		}
		n, err := unix.Read(s.fd, buffer)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			err = s.await(Readable, deadline, "read", attempt, func(err error) {
				callback(nil, err)
			})
			s.lock.RUnlock()
			if err != nil {
				callback(nil, err)
			}
		case err != nil:
			s.lock.RUnlock()
			callback(nil, newNetError("read", s.fd, err))
		case n == 0 && maxBytes > 0:
			s.lock.RUnlock()
			callback(nil, io.EOF)
		default:
			s.lock.RUnlock()
			callback(buffer[:n], nil)
		}
	}
	s.engine.dispatchOr(attempt, func(err error) {
		callback(nil, newNetError("read", s.fd, err))
	})
}

// ReadFully keeps reading until exactly n bytes arrived. The timeout covers
// the whole exchange.
func (s *Socket) ReadFully(n int, timeout time.Duration, callback func([]byte, error)) {
	if n < 0 {
		err := newNetError("read", s.fd, unix.EINVAL)
		s.engine.deliver(func() {
			callback(nil, err)
		})
		return
	}
	deadline := deadlineFor(timeout)
	data := make([]byte, 0, n)
	var next func()
	next = func() {
		s.read(n-len(data), deadline, func(chunk []byte, err error) {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if err != nil {
				callback(nil, err)
				return
			}
			data = append(data, chunk...)
			if len(data) < n {
				next()
				return
			}
			callback(data, nil)
		})
	}
	if n == 0 {
		s.engine.deliver(func() {
			callback(data, nil)
		})
		return
	}
	next()
}

// Write delivers the byte count of one successful write of data.
func (s *Socket) Write(data []byte, callback func(int, error)) {
	s.write(data, noDeadline, callback)
}

func (s *Socket) write(data []byte, deadline time.Time, callback func(int, error)) {
	var attempt func()
	attempt = func() {
		s.lock.RLock()
		if s.closed.Load() {
			s.lock.RUnlock()
			callback(0, newNetError("write", s.fd, ErrClosed))
			return
		}
		if len(data) == 0 {
			s.lock.RUnlock()
			callback(0, nil)
			return
		}
		n, err := unix.Write(s.fd, data)
		switch err {
		case nil:
			s.lock.RUnlock()
			callback(n, nil)
		case unix.EAGAIN, unix.EINTR:
			err = s.await(Writable, deadline, "write", attempt, func(err error) {
				callback(0, err)
			})
			s.lock.RUnlock()
			if err != nil {
				callback(0, err)
			}
		default:
			s.lock.RUnlock()
			callback(0, newNetError("write", s.fd, err))
		}
	}
	s.engine.dispatchOr(attempt, func(err error) {
		callback(0, newNetError("write", s.fd, err))
	})
}

// WriteFully keeps writing until all of data is sent.
func (s *Socket) WriteFully(data []byte, callback func(error)) {
	var next func(rest []byte)
	next = func(rest []byte) {
		s.write(rest, noDeadline, func(n int, err error) {
			if err != nil {
				callback(err)
				return
			}
			if n < len(rest) {
				next(rest[n:])
				return
			}
			callback(nil)
		})
	}
	next(data)
}

// await registers retry for when the socket becomes ready. Caller holds s.lock.
func (s *Socket) await(interest Interest, deadline time.Time, op string, retry func(), fail func(error)) error {
	fd := s.fd
	return s.engine.Register(fd, interest, remaining(deadline), func(err error) {
		if err != nil {
			fail(newNetError(op, fd, err))
			return
		}
		retry()
	})
}

// Close releases the descriptor. Operations waiting on it complete with
// ErrClosed. Closing twice is a no-op.
func (s *Socket) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.engine.Unregister(s.fd)
	if err := unix.Close(s.fd); err != nil {
		log.Error().Msgf("[%d] got error while closing socket: %+v", s.fd, err)
		return newNetError("close", s.fd, err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] closed socket: %s <-> %s", s.fd, s.local, s.remote)
	}
	return nil
}

// noDeadline is the zero deadline, meaning wait forever.
var noDeadline = time.Time{}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return noDeadline
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return NoTimeout
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	return left
}
