package netevent

import (
	"encoding/binary"
	"fmt"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"io"
	"os"
)

const (
	fileHeaderSize = 8
	// the receiver accepts room for more than one descriptor so that extra
	// ones are seen and closed instead of truncated
	maxPassedDescriptors = 8
)

// ReceivedFile is a file whose descriptor arrived over a NamedPipe.
type ReceivedFile struct {
	*os.File
	size int64
}

// Size is the length announced by the sender.
func (f *ReceivedFile) Size() int64 {
	return f.size
}

// SendFile rewinds f and passes its descriptor to the peer, preceded by an
// 8-byte big-endian length header. f may be closed once SendFile returns.
func (p *NamedPipe) SendFile(f *os.File, callback func(error)) {
	fail := func(err error) {
		p.engine.deliver(func() {
			callback(err)
		})
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		fail(fmt.Errorf("send file %s: %w", f.Name(), err))
		return
	}
	info, err := f.Stat()
	if err != nil {
		fail(fmt.Errorf("send file %s: %w", f.Name(), err))
		return
	}
	fd, err := dupFile(f)
	if err != nil {
		fail(fmt.Errorf("send file %s: %w", f.Name(), err))
		return
	}
	header := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint64(header, uint64(info.Size()))
	p.WriteFully(header, func(err error) {
		if err != nil {
			_ = unix.Close(fd)
			callback(err)
			return
		}
		p.sendDescriptor(fd, func(err error) {
			_ = unix.Close(fd)
			if err == nil && log.Debug().Enabled() {
				log.Debug().Msgf("[%d] sent file %s: %d bytes", p.fd, f.Name(), info.Size())
			}
			callback(err)
		})
	})
}

// ReceiveFile reads the length header and takes over the passed descriptor.
// The returned file is positioned at its start. A header cut short fails with
// ErrShortHeader, a message without exactly one descriptor with ErrNoDescriptor.
func (p *NamedPipe) ReceiveFile(callback func(*ReceivedFile, error)) {
	p.ReadFully(fileHeaderSize, NoTimeout, func(header []byte, err error) {
		if err == io.ErrUnexpectedEOF {
			err = newNetError("receive file", p.fd, ErrShortHeader)
		}
		if err != nil {
			callback(nil, err)
			return
		}
		size := int64(binary.BigEndian.Uint64(header))
		p.receiveDescriptor(func(fd int, err error) {
			if err != nil {
				callback(nil, err)
				return
			}
			f := os.NewFile(uintptr(fd), fmt.Sprintf("pipe:[%d]/%d", p.fd, fd))
			if _, err = f.Seek(0, io.SeekStart); err != nil {
				_ = f.Close()
				callback(nil, fmt.Errorf("receive file: %w", err))
				return
			}
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] received file descriptor %d: %d bytes", p.fd, fd, size)
			}
			callback(&ReceivedFile{File: f, size: size}, nil)
		})
	})
}

// SendDescriptor passes a duplicate of fd to the peer. The caller keeps fd.
func (p *NamedPipe) SendDescriptor(fd int, callback func(error)) {
	p.sendDescriptor(fd, callback)
}

// ReceiveDescriptor takes over one descriptor passed by the peer. The callback
// owns and must close it.
func (p *NamedPipe) ReceiveDescriptor(callback func(int, error)) {
	p.receiveDescriptor(callback)
}

func (p *NamedPipe) sendDescriptor(fd int, callback func(error)) {
	rights := unix.UnixRights(fd)
	payload := []byte{0}
	var attempt func()
	attempt = func() {
		p.lock.RLock()
		if p.closed.Load() {
			p.lock.RUnlock()
			callback(newNetError("sendmsg", p.fd, ErrClosed))
			return
		}
		err := unix.Sendmsg(p.fd, payload, rights, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			p.lock.RUnlock()
			callback(nil)
		case unix.EAGAIN, unix.EINTR:
			err = p.await(Writable, noDeadline, "sendmsg", attempt, callback)
			p.lock.RUnlock()
			if err != nil {
				callback(err)
			}
		default:
			p.lock.RUnlock()
			callback(newNetError("sendmsg", p.fd, err))
		}
	}
	p.engine.dispatchOr(attempt, func(err error) {
		callback(newNetError("sendmsg", p.fd, err))
	})
}

func (p *NamedPipe) receiveDescriptor(callback func(int, error)) {
	payload := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(maxPassedDescriptors*4))
	var attempt func()
	attempt = func() {
		p.lock.RLock()
		if p.closed.Load() {
			p.lock.RUnlock()
			callback(-1, newNetError("recvmsg", p.fd, ErrClosed))
			return
		}
		n, oobn, flags, _, err := unix.Recvmsg(p.fd, payload, oob, unix.MSG_CMSG_CLOEXEC)
		switch err {
		case nil:
			p.lock.RUnlock()
			fds, err := parseRights(oob[:oobn])
			if err == nil && (n == 0 || len(fds) != 1 || flags&unix.MSG_CTRUNC != 0) {
				err = ErrNoDescriptor
			}
			if err != nil {
				for _, fd := range fds {
					_ = unix.Close(fd)
				}
				callback(-1, newNetError("recvmsg", p.fd, err))
				return
			}
			callback(fds[0], nil)
		case unix.EAGAIN, unix.EINTR:
			err = p.await(Readable, noDeadline, "recvmsg", attempt, func(err error) {
				callback(-1, err)
			})
			p.lock.RUnlock()
			if err != nil {
				callback(-1, err)
			}
		default:
			p.lock.RUnlock()
			callback(-1, newNetError("recvmsg", p.fd, err))
		}
	}
	p.engine.dispatchOr(attempt, func(err error) {
		callback(-1, newNetError("recvmsg", p.fd, err))
	})
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range messages {
		rights, err := unix.ParseUnixRights(&messages[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// dupFile duplicates the descriptor of f without switching it to blocking mode.
func dupFile(f *os.File) (int, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	err = raw.Control(func(sysFd uintptr) {
		fd, dupErr = unix.FcntlInt(sysFd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return -1, err
	}
	return fd, dupErr
}
