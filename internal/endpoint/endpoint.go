package endpoint

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

var ErrInvalidAddress = errors.New("invalid address")

type Family int

const (
	Unspecified Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unspecified"
	}
}

// Endpoint is a resolved address. The zero value is not a valid endpoint.
type Endpoint struct {
	addr    netip.Addr
	port    uint16
	hasPort bool
}

// New builds an endpoint from addr. IPv4-mapped IPv6 addresses are unmapped so
// that the family reflects the socket that will carry the traffic.
func New(addr netip.Addr) Endpoint {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return Endpoint{addr: addr}
}

func NewWithPort(addr netip.Addr, port uint16) Endpoint {
	ep := New(addr)
	ep.port = port
	ep.hasPort = true
	return ep
}

// Parse accepts "ip", "ip%zone", "ip:port" and "[ip6]:port".
func Parse(s string) (Endpoint, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return New(addr), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return NewWithPort(ap.Addr(), ap.Port()), nil
}

func (e Endpoint) Addr() netip.Addr {
	return e.addr
}

func (e Endpoint) Port() (uint16, bool) {
	return e.port, e.hasPort
}

func (e Endpoint) Family() Family {
	switch {
	case !e.addr.IsValid():
		return Unspecified
	case e.addr.Is4():
		return IPv4
	default:
		return IPv6
	}
}

func (e Endpoint) IsValid() bool {
	return e.addr.IsValid() && !e.addr.IsUnspecified()
}

func (e Endpoint) String() string {
	if !e.addr.IsValid() {
		return ""
	}
	if e.hasPort {
		return netip.AddrPortFrom(e.addr, e.port).String()
	}
	return e.addr.String()
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// PortString returns the port in decimal, or "" when the endpoint has none.
func (e Endpoint) PortString() string {
	if !e.hasPort {
		return ""
	}
	return strconv.Itoa(int(e.port))
}
