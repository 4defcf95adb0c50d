package netevent

import (
	"encoding/binary"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"os"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

const defEventsBufferSize = 128

type poller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
}

func openPoller(eventsBufferSize int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Fd: int32(wakeFd), Events: unix.EPOLLIN})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	if eventsBufferSize < defEventsBufferSize {
		eventsBufferSize = defEventsBufferSize
	}
	return &poller{
		fd:     fd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, eventsBufferSize),
	}, nil
}

func (p *poller) close() {
	err := os.NewSyscallError("close", unix.Close(p.wakeFd))
	if err != nil {
		log.Error().Msgf("got error while closing eventfd: %+v", err)
	}
	err = os.NewSyscallError("close", unix.Close(p.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
	}
}

// waitForEvents blocks up to msec milliseconds (-1 forever) and reports every
// ready descriptor except the wakeup eventfd.
func (p *poller) waitForEvents(msec int, callback func(fd int, events uint32)) (int, error) {
	evCount, err := unix.EpollWait(p.fd, p.events, msec)
	if err == unix.EINTR {
		return 0, nil
	} else if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeFd {
			p.drainWakeup()
			continue
		}
		callback(fd, event.Events)
	}
	return evCount, nil
}

// control makes the kernel interest set for fd match interest.
func (p *poller) control(fd int, interest Interest, attached bool) error {
	var events uint32
	if interest&Readable != 0 {
		events |= readEvents
	}
	if interest&Writable != 0 {
		events |= writeEvents
	}
	switch {
	case events == 0 && attached:
		if log.Debug().Enabled() {
			log.Debug().Msgf("delete epoll for fd: %d", fd)
		}
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
		if err != nil {
			return os.NewSyscallError("epoll_ctl del", err)
		}
	case events == 0:
	case attached:
		if log.Debug().Enabled() {
			log.Debug().Msgf("modify epoll for fd: %d %s", fd, interest)
		}
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
		if err != nil {
			return os.NewSyscallError("epoll_ctl mod", err)
		}
	default:
		if log.Debug().Enabled() {
			log.Debug().Msgf("add epoll for fd: %d %s", fd, interest)
		}
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
		if err != nil {
			return os.NewSyscallError("epoll_ctl add", err)
		}
	}
	return nil
}

func (p *poller) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		log.Error().Msgf("got error while waking up poller: %+v", err)
	}
}

func (p *poller) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func interestFromEvents(events uint32) Interest {
	var interest Interest
	if events&(readEvents|errorEvents) != 0 {
		interest |= Readable
	}
	if events&(writeEvents|errorEvents) != 0 {
		interest |= Writable
	}
	return interest
}
