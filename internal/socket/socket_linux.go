//go:build linux

package socket

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Dial creates an ICMP socket for the target's family, connects it, and hands
// the descriptor to the runtime poller.
func (d *NetDialer) Dial(ctx context.Context, target endpoint.Endpoint) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}

	domain, proto, sa, err := sockaddrFor(target)
	if err != nil {
		return nil, err
	}
	typ := unix.SOCK_DGRAM
	if d.opts.Privileged {
		typ = unix.SOCK_RAW
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSocketCreate, target.Family(), err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, target, err)
	}

	c := &conn{headerIncluded: d.opts.Privileged && target.Family() == endpoint.IPv4}
	if !d.opts.Privileged {
		// datagram ICMP sockets replace the echo identifier with the local port
		if local, err := unix.Getsockname(fd); err == nil {
			switch local := local.(type) {
			case *unix.SockaddrInet4:
				c.ident, c.hasIdent = uint16(local.Port), true
			case *unix.SockaddrInet6:
				c.ident, c.hasIdent = uint16(local.Port), true
			}
		}
	}

	f := os.NewFile(uintptr(fd), "icmp:"+target.String())
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}
	c.Conn = nc

	if err := d.configure(c, target); err != nil {
		nc.Close()
		return nil, err
	}

	d.opts.Logger.Debug("icmp socket connected",
		zap.String("target", target.String()),
		zap.Bool("privileged", d.opts.Privileged),
		zap.Bool("kernel_ident", c.hasIdent),
	)
	return c, nil
}

func (d *NetDialer) configure(c *conn, target endpoint.Endpoint) error {
	switch target.Family() {
	case endpoint.IPv4:
		if d.opts.TTL > 0 {
			if err := ipv4.NewConn(c.Conn).SetTTL(d.opts.TTL); err != nil {
				return fmt.Errorf("%w: set ttl: %w", ErrSocketCreate, err)
			}
		}
		if pc, ok := c.Conn.(net.PacketConn); ok && d.opts.Privileged {
			var filter ipv4.ICMPFilter
			filter.SetAll(true)
			filter.Accept(ipv4.ICMPTypeEchoReply)
			if err := ipv4.NewPacketConn(pc).SetICMPFilter(&filter); err != nil {
				d.opts.Logger.Debug("icmp filter not applied", zap.Error(err))
			}
		}
	case endpoint.IPv6:
		if d.opts.TTL > 0 {
			if err := ipv6.NewConn(c.Conn).SetHopLimit(d.opts.TTL); err != nil {
				return fmt.Errorf("%w: set hop limit: %w", ErrSocketCreate, err)
			}
		}
		if pc, ok := c.Conn.(net.PacketConn); ok && d.opts.Privileged {
			var filter ipv6.ICMPFilter
			filter.SetAll(true)
			filter.Accept(ipv6.ICMPTypeEchoReply)
			if err := ipv6.NewPacketConn(pc).SetICMPFilter(&filter); err != nil {
				d.opts.Logger.Debug("icmpv6 filter not applied", zap.Error(err))
			}
		}
	}
	return nil
}

func sockaddrFor(target endpoint.Endpoint) (int, int, unix.Sockaddr, error) {
	addr := target.Addr()
	switch target.Family() {
	case endpoint.IPv4:
		return unix.AF_INET, unix.IPPROTO_ICMP, &unix.SockaddrInet4{Addr: addr.As4()}, nil
	case endpoint.IPv6:
		sa := &unix.SockaddrInet6{Addr: addr.As16()}
		if zone := addr.Zone(); zone != "" {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return 0, 0, nil, fmt.Errorf("%w: zone %s: %w", ErrConnect, zone, err)
			}
			sa.ZoneId = uint32(ifi.Index)
		}
		return unix.AF_INET6, unix.IPPROTO_ICMPV6, sa, nil
	default:
		return 0, 0, nil, fmt.Errorf("%w: unsupported family %s", ErrSocketCreate, target.Family())
	}
}
