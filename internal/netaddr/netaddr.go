// Package netaddr provides the IPv4 endpoint value used by the socket and
// server layers, converting between textual host:port form and the raw
// sockaddr passed to the kernel.
package netaddr

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// IPv4 is a resolved IPv4 endpoint.
type IPv4 struct {
	ip   [4]byte
	port uint16
}

// New builds an endpoint from a 4-byte address and port.
func New(ip [4]byte, port uint16) *IPv4 {
	return &IPv4{ip: ip, port: port}
}

// Any returns the wildcard endpoint 0.0.0.0:port.
func Any(port uint16) *IPv4 { return &IPv4{port: port} }

// Loopback returns 127.0.0.1:port.
func Loopback(port uint16) *IPv4 {
	return &IPv4{ip: [4]byte{127, 0, 0, 1}, port: port}
}

// Resolve parses "host:port", looking the host up through DNS when it is
// not a literal address. The first IPv4 result wins.
func Resolve(hostport string) (*IPv4, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("netaddr: parse %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("netaddr: port %q: %w", portStr, err)
	}

	if host == "" {
		return Any(uint16(port)), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("netaddr: %q is not an IPv4 address", host)
		}
		return New([4]byte(v4), uint16(port)), nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("netaddr: resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return New([4]byte(v4), uint16(port)), nil
		}
	}
	return nil, fmt.Errorf("netaddr: %q has no IPv4 address", host)
}

// FromSockaddr converts a kernel sockaddr, as returned by accept or
// getpeername, into an endpoint. Non-IPv4 sockaddrs yield nil.
func FromSockaddr(sa unix.Sockaddr) *IPv4 {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	return New(in4.Addr, uint16(in4.Port))
}

// Sockaddr converts the endpoint for bind/connect.
func (a *IPv4) Sockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(a.port), Addr: a.ip}
}

// IP returns the address bytes.
func (a *IPv4) IP() [4]byte { return a.ip }

// Port returns the port.
func (a *IPv4) Port() uint16 { return a.port }

// WithPort returns a copy of the endpoint with a different port.
func (a *IPv4) WithPort(port uint16) *IPv4 { return &IPv4{ip: a.ip, port: port} }

func (a *IPv4) String() string {
	return net.JoinHostPort(net.IP(a.ip[:]).String(), strconv.Itoa(int(a.port)))
}
