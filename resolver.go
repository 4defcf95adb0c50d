package netevent

import (
	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"net"
	"time"
)

const defResolverTTL = 60 * time.Second

type ResolverConfig struct {
	// CacheSize is the number of resolved tcp addresses kept. Caching is off
	// unless it is positive; LoadConfig turns 0 into 1024 and keeps -1.
	CacheSize int64 `yaml:"cache_size" toml:"cache_size"`
	TTLSec    int   `yaml:"ttl_sec" toml:"ttl_sec"`
}

type resolvedAddr struct {
	domain   int
	sockaddr unix.Sockaddr
}

// resolver turns network addresses into sockaddrs, caching tcp lookups.
type resolver struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newResolver(config ResolverConfig) (*resolver, error) {
	if config.CacheSize <= 0 {
		return &resolver{}, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.CacheSize * 10,
		MaxCost:     config.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(config.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = defResolverTTL
	}
	return &resolver{cache: cache, ttl: ttl}, nil
}

func (r *resolver) resolve(network, address string) (resolvedAddr, error) {
	switch network {
	case "unix":
		return resolvedAddr{domain: unix.AF_UNIX, sockaddr: &unix.SockaddrUnix{Name: address}}, nil
	case "tcp", "tcp4", "tcp6":
	default:
		return resolvedAddr{}, ErrUnsupportedNetwork
	}
	key := network + "|" + address
	if r.cache != nil {
		if value, ok := r.cache.Get(key); ok {
			return value.(resolvedAddr), nil
		}
	}
	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return resolvedAddr{}, err
	}
	resolved, err := tcpSockaddr(network, tcpAddr)
	if err != nil {
		return resolvedAddr{}, err
	}
	if r.cache != nil {
		r.cache.SetWithTTL(key, resolved, 1, r.ttl)
		if log.Debug().Enabled() {
			log.Debug().Msgf("resolved %s %s -> %s", network, address, tcpAddr)
		}
	}
	return resolved, nil
}

func (r *resolver) close() {
	if r != nil && r.cache != nil {
		r.cache.Close()
	}
}
