package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Encode builds an echo request of payloadSize bytes (header included) with
// an unpredictable payload.
func Encode(payloadSize int, id, seq uint16, family endpoint.Family) ([]byte, error) {
	v, err := VariantFor(family, false)
	if err != nil {
		return nil, err
	}
	return EncodeWith(v, payloadSize, id, seq)
}

func EncodeWith(v Variant, payloadSize int, id, seq uint16) ([]byte, error) {
	if payloadSize < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrPayloadSize, payloadSize)
	}
	msg := make([]byte, payloadSize)
	if _, err := rand.Read(msg[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("generate payload: %w", err)
	}
	v.BuildHeader(id, seq).Marshal(msg)
	v.Finalize(msg)
	return msg, nil
}

// Decode validates a received datagram. IPv4 datagrams must carry their IP
// header, as delivered by raw sockets.
func Decode(b []byte, family endpoint.Family) (EchoHeader, error) {
	v, err := VariantFor(family, true)
	if err != nil {
		return EchoHeader{}, err
	}
	return v.Decode(b)
}

// EchoReplyFor turns an encoded echo request into the reply a responsive host
// would send. For IPv4 with withIPHeader set, a minimal 20 byte IP header is
// prepended, matching what raw sockets deliver.
func EchoReplyFor(request []byte, family endpoint.Family, withIPHeader bool) ([]byte, error) {
	if len(request) < HeaderSize {
		return nil, fmt.Errorf("%w: request of %d bytes", ErrMalformedPacket, len(request))
	}
	msg := make([]byte, len(request))
	copy(msg, request)
	switch family {
	case endpoint.IPv4:
		msg[offType] = uint8(ipv4.ICMPTypeEchoReply)
		v4{}.Finalize(msg)
		if !withIPHeader {
			return msg, nil
		}
		return append(syntheticIPv4Header(len(msg)), msg...), nil
	case endpoint.IPv6:
		msg[offType] = uint8(ipv6.ICMPTypeEchoReply)
		return msg, nil
	default:
		return nil, fmt.Errorf("unsupported address family: %s", family)
	}
}

func syntheticIPv4Header(payloadLen int) []byte {
	h := make([]byte, ipv4.HeaderLen)
	h[0] = ipv4.Version<<4 | ipv4.HeaderLen/4
	binary.BigEndian.PutUint16(h[2:], uint16(ipv4.HeaderLen+payloadLen))
	h[8] = 64
	h[9] = byte(ipv4.ICMPTypeEcho.Protocol())
	binary.BigEndian.PutUint16(h[10:], Checksum(h))
	return h
}
