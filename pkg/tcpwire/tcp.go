package tcpwire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tuntcp/tuntcp/pkg/seq"
)

// TCP header layout, RFC 793 §3.1. This module never emits options (data
// offset is always 5 words / 20 bytes); received options are skipped using
// the data-offset field, never parsed.
const (
	tcpHeaderLen = 20

	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagPSH = 1 << 3
	flagACK = 1 << 4
)

// Segment is a fully parsed inbound TCP segment together with the IPv4
// header fields needed to route and re-answer it.
type Segment struct {
	Quad    Quad
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
	Payload []byte
}

// SeqLen is the number of sequence numbers this segment consumes: payload
// bytes plus one each for a present SYN or FIN (the "virtual octets").
func (s Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags.SYN {
		n++
	}
	if s.Flags.FIN {
		n++
	}
	return n
}

// Parse decodes an inbound IPv4 datagram into a Segment. Non-TCP datagrams,
// malformed headers, and checksum failures are reported as errors; the
// caller (the packet worker) drops the frame in every such case without any
// change to connection state.
func Parse(frame []byte) (Segment, error) {
	ipHdr, ipPayloadOff, err := parseIPv4(frame)
	if err != nil {
		return Segment{}, err
	}
	if int(ipHdr.TotalLen) < ipPayloadOff+tcpHeaderLen {
		return Segment{}, errors.WithStack(ErrTruncated)
	}
	tcpBuf := frame[ipPayloadOff:ipHdr.TotalLen]
	dataOffset := int(tcpBuf[12]>>4) * 4
	if dataOffset < tcpHeaderLen || dataOffset > len(tcpBuf) {
		return Segment{}, errors.WithStack(ErrTruncated)
	}
	if !verifyTCPChecksum(ipHdr.SrcIP, ipHdr.DstIP, tcpBuf) {
		return Segment{}, errors.New("tcp checksum mismatch")
	}
	flagByte := tcpBuf[13]
	seg := Segment{
		Quad: Quad{
			RemoteIP:   ipHdr.SrcIP,
			RemotePort: binary.BigEndian.Uint16(tcpBuf[0:2]),
			LocalIP:    ipHdr.DstIP,
			LocalPort:  binary.BigEndian.Uint16(tcpBuf[2:4]),
		},
		Seq: binary.BigEndian.Uint32(tcpBuf[4:8]),
		Ack: binary.BigEndian.Uint32(tcpBuf[8:12]),
		Flags: Flags{
			FIN: flagByte&flagFIN != 0,
			SYN: flagByte&flagSYN != 0,
			RST: flagByte&flagRST != 0,
			PSH: flagByte&flagPSH != 0,
			ACK: flagByte&flagACK != 0,
		},
		Window:  binary.BigEndian.Uint16(tcpBuf[14:16]),
		Payload: append([]byte(nil), tcpBuf[dataOffset:]...),
	}
	return seg, nil
}

// Build emits a complete IPv4+TCP frame into a freshly allocated buffer. The
// TCP header is written last so the checksum reflects the exact bytes that
// will be transmitted.
func Build(tmpl Template, seqNum, ackNum uint32, flags Flags, window uint16, payload []byte) []byte {
	total := ipv4HeaderLen + tcpHeaderLen + len(payload)
	buf := make([]byte, total)

	copy(buf[ipv4HeaderLen+tcpHeaderLen:], payload)

	buildIPv4(buf, tmpl.Quad.LocalIP, tmpl.Quad.RemoteIP, tcpHeaderLen+len(payload), 0)

	tcpBuf := buf[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcpBuf[0:2], tmpl.Quad.LocalPort)
	binary.BigEndian.PutUint16(tcpBuf[2:4], tmpl.Quad.RemotePort)
	binary.BigEndian.PutUint32(tcpBuf[4:8], seqNum)
	binary.BigEndian.PutUint32(tcpBuf[8:12], ackNum)
	tcpBuf[12] = byte(tcpHeaderLen/4) << 4
	var flagByte byte
	if flags.FIN {
		flagByte |= flagFIN
	}
	if flags.SYN {
		flagByte |= flagSYN
	}
	if flags.RST {
		flagByte |= flagRST
	}
	if flags.PSH {
		flagByte |= flagPSH
	}
	if flags.ACK {
		flagByte |= flagACK
	}
	tcpBuf[13] = flagByte
	binary.BigEndian.PutUint16(tcpBuf[14:16], window)
	binary.BigEndian.PutUint16(tcpBuf[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(tcpBuf[18:20], 0) // urgent pointer, unused

	cs := tcpChecksum(tmpl.Quad.LocalIP, tmpl.Quad.RemoteIP, tcpBuf)
	binary.BigEndian.PutUint16(tcpBuf[16:18], cs)

	return buf
}

// BuildAck is the narrow case used throughout the state machine: a bare
// segment with just the ACK bit and no payload.
func BuildAck(tmpl Template, seqNum, ackNum uint32, window uint16) []byte {
	return Build(tmpl, seqNum, ackNum, Flags{ACK: true}, window, nil)
}

// tcpChecksum computes the RFC 793 checksum over the pseudo-header, the TCP
// header, and the payload as one contiguous span.
func tcpChecksum(src, dst [4]byte, tcpSegment []byte) uint16 {
	pseudo := make([]byte, 12+len(tcpSegment))
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[8] = 0
	pseudo[9] = protocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSegment)))
	copy(pseudo[12:], tcpSegment)
	return ipChecksum(pseudo)
}

func verifyTCPChecksum(src, dst [4]byte, tcpSegment []byte) bool {
	// The checksum field itself must be zeroed for the recompute to match;
	// operate on a copy so the caller's buffer (and its returned Payload
	// slice) are untouched.
	cp := append([]byte(nil), tcpSegment...)
	binary.BigEndian.PutUint16(cp[16:18], 0)
	want := binary.BigEndian.Uint16(tcpSegment[16:18])
	return tcpChecksum(src, dst, cp) == want
}

// AcceptanceTest implements the RFC 793 §3.3 segment acceptance test for a
// segment whose consumed sequence length is segLen, against a receiver
// expecting rcvNxt with advertised window rcvWnd.
func AcceptanceTest(rcvNxt, rcvWnd uint32, segSeq, segLen uint32) bool {
	wndEnd := rcvNxt + rcvWnd
	switch {
	case segLen == 0 && rcvWnd == 0:
		return segSeq == rcvNxt
	case segLen == 0 && rcvWnd > 0:
		return seq.Between(rcvNxt-1, segSeq, wndEnd)
	case segLen > 0 && rcvWnd == 0:
		return false
	default:
		return seq.Between(rcvNxt-1, segSeq, wndEnd) ||
			seq.Between(rcvNxt-1, segSeq+segLen-1, wndEnd)
	}
}
