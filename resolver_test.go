package netevent

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"testing"
)

func TestResolver_Unix(t *testing.T) {
	r, err := newResolver(ResolverConfig{})
	require.NoError(t, err)
	defer r.close()

	addr, err := r.resolve("unix", "/tmp/netevent.sock")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_UNIX, addr.domain)
	assert.Equal(t, "/tmp/netevent.sock", addr.sockaddr.(*unix.SockaddrUnix).Name)
}

func TestResolver_TcpWithCache(t *testing.T) {
	r, err := newResolver(ResolverConfig{CacheSize: 16, TTLSec: 1})
	require.NoError(t, err)
	defer r.close()

	for i := 0; i < 3; i++ {
		addr, err := r.resolve("tcp", "127.0.0.1:8080")
		require.NoError(t, err)
		assert.Equal(t, unix.AF_INET, addr.domain)
		sa := addr.sockaddr.(*unix.SockaddrInet4)
		assert.Equal(t, 8080, sa.Port)
		assert.Equal(t, [4]byte{127, 0, 0, 1}, sa.Addr)
	}

	addr, err := r.resolve("tcp6", "[::1]:9090")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET6, addr.domain)
	assert.Equal(t, 9090, addr.sockaddr.(*unix.SockaddrInet6).Port)
}

func TestResolver_Errors(t *testing.T) {
	r, err := newResolver(ResolverConfig{CacheSize: 16})
	require.NoError(t, err)
	defer r.close()

	_, err = r.resolve("udp", "127.0.0.1:53")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	_, err = r.resolve("tcp", "127.0.0.1")
	assert.Error(t, err)
}
