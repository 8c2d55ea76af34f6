package tcpwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// IPv4 header layout, RFC 791. This module never emits options: the header
// is always exactly ipv4HeaderLen bytes (IHL = 5). Received options are
// tolerated: the header length is read from IHL and the option bytes are
// skipped, never interpreted.
const (
	ipv4HeaderLen = 20
	ipv4Version   = 4
	ipv4TTL       = 64
	protocolTCP   = 6
)

var (
	// ErrNotIPv4 is returned by ParseIPv4 when the version nibble isn't 4.
	ErrNotIPv4 = errors.New("not an IPv4 datagram")
	// ErrNotTCP is returned when the IPv4 protocol field isn't 6 (TCP).
	ErrNotTCP = errors.New("not a TCP datagram")
	// ErrTruncated is returned when a frame is shorter than its own header claims.
	ErrTruncated = errors.New("truncated datagram")
)

// IPv4Header is the subset of RFC 791 fields this module reads or writes.
type IPv4Header struct {
	TotalLen uint16
	Protocol uint8
	SrcIP    [4]byte
	DstIP    [4]byte
	// HeaderLen is the actual header length in bytes, including any options
	// that were present and skipped on parse.
	HeaderLen int
}

// parseIPv4 parses the IPv4 header prefix of buf and returns the header plus
// the offset at which the IP payload (the TCP segment) begins.
func parseIPv4(buf []byte) (IPv4Header, int, error) {
	if len(buf) < ipv4HeaderLen {
		return IPv4Header{}, 0, errors.WithStack(ErrTruncated)
	}
	version := buf[0] >> 4
	if version != ipv4Version {
		return IPv4Header{}, 0, errors.WithStack(ErrNotIPv4)
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(buf) < ihl {
		return IPv4Header{}, 0, errors.WithStack(ErrTruncated)
	}
	h := IPv4Header{
		TotalLen:  binary.BigEndian.Uint16(buf[2:4]),
		Protocol:  buf[9],
		HeaderLen: ihl,
	}
	copy(h.SrcIP[:], buf[12:16])
	copy(h.DstIP[:], buf[16:20])
	if h.Protocol != protocolTCP {
		return h, ihl, errors.WithStack(ErrNotTCP)
	}
	if int(h.TotalLen) > len(buf) {
		return h, ihl, errors.WithStack(ErrTruncated)
	}
	return h, ihl, nil
}

// buildIPv4 writes a bare (no-options) IPv4 header for a TCP payload of
// length payloadLen into buf[:ipv4HeaderLen]. The checksum is computed over
// the header alone, per RFC 791.
func buildIPv4(buf []byte, src, dst [4]byte, payloadLen int, id uint16) {
	total := ipv4HeaderLen + payloadLen
	buf[0] = ipv4Version<<4 | (ipv4HeaderLen / 4)
	buf[1] = 0 // TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = ipv4TTL
	buf[9] = protocolTCP
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum, filled below
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], ipChecksum(buf[:ipv4HeaderLen]))
}

// ipChecksum is the standard one's-complement-of-one's-complement-sum
// checksum used by both the IPv4 header and, via the pseudo-header, TCP.
func ipChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
