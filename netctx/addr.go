package netctx

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ipv4Addr resolves ip:port into a unix.SockaddrInet4, accepting both
// dotted-quad addresses and hostnames (resolved via the stdlib resolver,
// matching the C original's use of getaddrinfo).
func ipv4Addr(ip string, port uint16) (unix.Sockaddr, error) {
	ipAddr := net.ParseIP(ip)
	if ipAddr == nil {
		ips, err := net.LookupIP(ip)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("netctx: cannot resolve %q: %w", ip, err)
		}
		ipAddr = ips[0]
	}
	v4 := ipAddr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("netctx: %q is not an IPv4 address", ip)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// sockaddrIP renders the peer address of an accepted connection as a
// dotted-quad string for logging and connection-gate callbacks.
func sockaddrIP(sa unix.Sockaddr) string {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "?"
	}
	return net.IP(v4.Addr[:]).String()
}
