package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of an ICMP echo header on the wire.
const HeaderSize = 8

const (
	offType       = 0
	offCode       = 1
	offChecksum   = 2
	offIdentifier = 4
	offSequence   = 6
)

var (
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrUnexpectedType   = errors.New("unexpected icmp type")
	ErrUnexpectedCode   = errors.New("unexpected icmp code")
	ErrPayloadSize      = errors.New("payload size smaller than echo header")
)

// EchoHeader holds the decoded echo header in host byte order.
type EchoHeader struct {
	Type       uint8
	Code       uint8
	Checksum   uint16
	Identifier uint16
	Sequence   uint16
}

// Marshal writes the header into the first HeaderSize bytes of b.
func (h EchoHeader) Marshal(b []byte) {
	_ = b[HeaderSize-1]
	b[offType] = h.Type
	b[offCode] = h.Code
	binary.BigEndian.PutUint16(b[offChecksum:], h.Checksum)
	binary.BigEndian.PutUint16(b[offIdentifier:], h.Identifier)
	binary.BigEndian.PutUint16(b[offSequence:], h.Sequence)
}

func parseEchoHeader(b []byte) (EchoHeader, error) {
	if len(b) < HeaderSize {
		return EchoHeader{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedPacket, len(b), HeaderSize)
	}
	return EchoHeader{
		Type:       b[offType],
		Code:       b[offCode],
		Checksum:   binary.BigEndian.Uint16(b[offChecksum:]),
		Identifier: binary.BigEndian.Uint16(b[offIdentifier:]),
		Sequence:   binary.BigEndian.Uint16(b[offSequence:]),
	}, nil
}

// Checksum computes the RFC 1071 Internet checksum of b. A trailing odd byte
// is treated as the high byte of a zero-padded word.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// verifyChecksum recomputes the checksum of an ICMP message with its checksum
// field zeroed. The message is not modified.
func verifyChecksum(msg []byte) (received, computed uint16) {
	received = binary.BigEndian.Uint16(msg[offChecksum:])
	scratch := make([]byte, len(msg))
	copy(scratch, msg)
	scratch[offChecksum] = 0
	scratch[offChecksum+1] = 0
	return received, Checksum(scratch)
}
