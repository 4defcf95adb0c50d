package netevent

import (
	"golang.org/x/sys/unix"
	"net"
)

func tcpSockaddr(network string, addr *net.TCPAddr) (resolvedAddr, error) {
	if ip4 := addr.IP.To4(); network != "tcp6" && (ip4 != nil || addr.IP == nil) {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return resolvedAddr{domain: unix.AF_INET, sockaddr: sa}, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To16())
	}
	if addr.Zone != "" {
		iface, err := net.InterfaceByName(addr.Zone)
		if err != nil {
			return resolvedAddr{}, err
		}
		sa.ZoneId = uint32(iface.Index)
	}
	return resolvedAddr{domain: unix.AF_INET6, sockaddr: sa}, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = iface.Name
			}
		}
		return addr
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	}
	return nil
}

func networkOf(domain int) string {
	if domain == unix.AF_UNIX {
		return "unix"
	}
	return "tcp"
}
