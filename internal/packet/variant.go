package packet

import (
	"fmt"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Variant captures everything that differs between ICMPv4 and ICMPv6 echo.
// Sessions select one when they start and never branch on the family again.
type Variant interface {
	Family() endpoint.Family
	// BuildHeader returns an echo request header with a zero checksum.
	BuildHeader(id, seq uint16) EchoHeader
	// Finalize fills in the checksum of an encoded request, if the family
	// requires it from userspace.
	Finalize(msg []byte)
	// StripOuterHeader returns the ICMP message inside a received datagram.
	StripOuterHeader(b []byte) ([]byte, error)
	// ValidateReply checks an ICMP message and returns its header.
	ValidateReply(msg []byte) (EchoHeader, error)
	// Decode is StripOuterHeader followed by ValidateReply.
	Decode(b []byte) (EchoHeader, error)
}

// VariantFor returns the variant for family. ipHeaderIncluded reports whether
// IPv4 datagrams arrive with their IP header; it is ignored for IPv6, where the
// kernel never delivers one.
func VariantFor(family endpoint.Family, ipHeaderIncluded bool) (Variant, error) {
	switch family {
	case endpoint.IPv4:
		return v4{ipHeaderIncluded: ipHeaderIncluded}, nil
	case endpoint.IPv6:
		return v6{}, nil
	default:
		return nil, fmt.Errorf("unsupported address family: %s", family)
	}
}

type v4 struct {
	ipHeaderIncluded bool
}

func (v4) Family() endpoint.Family { return endpoint.IPv4 }

func (v4) BuildHeader(id, seq uint16) EchoHeader {
	return EchoHeader{Type: uint8(ipv4.ICMPTypeEcho), Identifier: id, Sequence: seq}
}

func (v4) Finalize(msg []byte) {
	msg[offChecksum] = 0
	msg[offChecksum+1] = 0
	sum := Checksum(msg)
	msg[offChecksum] = byte(sum >> 8)
	msg[offChecksum+1] = byte(sum)
}

func (v v4) StripOuterHeader(b []byte) ([]byte, error) {
	if !v.ipHeaderIncluded {
		return b, nil
	}
	offset, err := ipv4HeaderLength(b)
	if err != nil {
		return nil, err
	}
	return b[offset:], nil
}

func (v4) ValidateReply(msg []byte) (EchoHeader, error) {
	h, err := parseEchoHeader(msg)
	if err != nil {
		return EchoHeader{}, err
	}
	if received, computed := verifyChecksum(msg); received != computed {
		return EchoHeader{}, fmt.Errorf("%w: received %#04x, computed %#04x", ErrChecksumMismatch, received, computed)
	}
	if h.Type != uint8(ipv4.ICMPTypeEchoReply) {
		return EchoHeader{}, fmt.Errorf("%w: %d", ErrUnexpectedType, h.Type)
	}
	if h.Code != 0 {
		return EchoHeader{}, fmt.Errorf("%w: %d", ErrUnexpectedCode, h.Code)
	}
	return h, nil
}

func (v v4) Decode(b []byte) (EchoHeader, error) {
	msg, err := v.StripOuterHeader(b)
	if err != nil {
		return EchoHeader{}, err
	}
	return v.ValidateReply(msg)
}

// ipv4HeaderLength verifies the leading IPv4 header and returns its length.
// Only the version nibble and the protocol byte are checked.
func ipv4HeaderLength(b []byte) (int, error) {
	if len(b) < ipv4.HeaderLen+HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is too short for ipv4+icmp", ErrMalformedPacket, len(b))
	}
	if b[0]>>4 != ipv4.Version {
		return 0, fmt.Errorf("%w: ip version %d", ErrMalformedPacket, b[0]>>4)
	}
	if proto := int(b[9]); proto != ipv4.ICMPTypeEcho.Protocol() {
		return 0, fmt.Errorf("%w: ip protocol %d", ErrMalformedPacket, proto)
	}
	hlen := int(b[0]&0x0f) * 4
	if hlen < ipv4.HeaderLen {
		return 0, fmt.Errorf("%w: ip header length %d", ErrMalformedPacket, hlen)
	}
	if len(b) < hlen+HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes after %d byte ip header", ErrMalformedPacket, len(b)-hlen, hlen)
	}
	return hlen, nil
}

type v6 struct{}

func (v6) Family() endpoint.Family { return endpoint.IPv6 }

func (v6) BuildHeader(id, seq uint16) EchoHeader {
	return EchoHeader{Type: uint8(ipv6.ICMPTypeEchoRequest), Identifier: id, Sequence: seq}
}

// Finalize leaves the checksum to the kernel: ICMPv6 sockets always compute it
// over the pseudo-header, which userspace does not see.
func (v6) Finalize([]byte) {}

func (v6) StripOuterHeader(b []byte) ([]byte, error) {
	return b, nil
}

func (v6) ValidateReply(msg []byte) (EchoHeader, error) {
	h, err := parseEchoHeader(msg)
	if err != nil {
		return EchoHeader{}, err
	}
	if h.Type != uint8(ipv6.ICMPTypeEchoReply) {
		return EchoHeader{}, fmt.Errorf("%w: %d", ErrUnexpectedType, h.Type)
	}
	if h.Code != 0 {
		return EchoHeader{}, fmt.Errorf("%w: %d", ErrUnexpectedCode, h.Code)
	}
	return h, nil
}

func (v v6) Decode(b []byte) (EchoHeader, error) {
	msg, err := v.StripOuterHeader(b)
	if err != nil {
		return EchoHeader{}, err
	}
	return v.ValidateReply(msg)
}
