package netevent

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defBacklog = 128

type SocketConfig struct {
	// RcvBufSize and SndBufSize set SO_RCVBUF/SO_SNDBUF when positive.
	RcvBufSize int  `yaml:"rcv_buf_size" toml:"rcv_buf_size"`
	SndBufSize int  `yaml:"snd_buf_size" toml:"snd_buf_size"`
	NoDelay    bool `yaml:"no_delay" toml:"no_delay"`
	Backlog    int  `yaml:"backlog" toml:"backlog"`
}

func (c SocketConfig) backlog() int {
	if c.Backlog <= 0 {
		return defBacklog
	}
	return c.Backlog
}

// setSocketOptions configures a connected socket. Failures are logged, the
// socket stays usable with kernel defaults.
func setSocketOptions(fd int, domain int, config SocketConfig) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		log.Error().Msgf("got error while setting socket options O_NONBLOCK: %+v", err)
	}
	if config.RcvBufSize > 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.RcvBufSize)
		if err != nil {
			log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
		}
	}
	if config.SndBufSize > 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, config.SndBufSize)
		if err != nil {
			log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
		}
	}
	if domain != unix.AF_UNIX && config.NoDelay {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.Error().Msgf("got error while setting socket options TCP_NODELAY: %+v", err)
		}
	}
}

func setListenerOptions(fd int, domain int) error {
	if domain == unix.AF_UNIX {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
