package socket

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"go.uber.org/zap"
)

var (
	ErrSocketCreate = errors.New("socket create failed")
	ErrConnect      = errors.New("socket connect failed")
)

// Conn is an ICMP socket connected to a single target. Reads and writes are
// implicitly addressed to that target.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	// HeaderIncluded reports whether IPv4 datagrams are read with their IP header.
	HeaderIncluded() bool
	// Ident returns the echo identifier the kernel stamps on outgoing requests,
	// when the socket type rewrites it.
	Ident() (uint16, bool)
}

type Dialer interface {
	Dial(ctx context.Context, target endpoint.Endpoint) (Conn, error)
}

type Options struct {
	// Privileged selects raw sockets instead of ICMP datagram sockets.
	Privileged bool
	// TTL sets the IPv4 TTL or IPv6 hop limit when non-zero.
	TTL    int
	Logger *zap.Logger
}

// NetDialer opens real ICMP sockets.
type NetDialer struct {
	opts Options
}

func NewDialer(opts Options) *NetDialer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &NetDialer{opts: opts}
}

type conn struct {
	net.Conn
	headerIncluded bool
	ident          uint16
	hasIdent       bool
}

func (c *conn) HeaderIncluded() bool {
	return c.headerIncluded
}

func (c *conn) Ident() (uint16, bool) {
	return c.ident, c.hasIdent
}
