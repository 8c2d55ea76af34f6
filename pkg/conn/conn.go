// Package conn implements the per-connection TCP state machine: state
// transitions, the segment acceptance test, ACK accounting, and outbound
// segment construction. A Conn is mutated only by the packet worker or by
// the stream that owns it, always under the connection manager's lock;
// nothing in this package takes its own lock.
package conn

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tuntcp/tuntcp/pkg/rto"
	"github.com/tuntcp/tuntcp/pkg/seq"
	"github.com/tuntcp/tuntcp/pkg/segment"
	"github.com/tuntcp/tuntcp/pkg/tcpwire"
)

// State is one of the six states this implementation tracks. Listen is
// represented elsewhere (membership in the connection manager's pending
// list).
type State int

const (
	StateSynReceived State = iota
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateTimeWait
	// StateClosed is a terminal state this rewrite adds beyond the usual
	// named states, so the 2*MSL TIME-WAIT dwell has somewhere to land
	// once it expires and the connection becomes eligible for removal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	// SendQueueCap bounds how much unacknowledged application data a
	// connection will buffer before Write starts returning ErrWouldBlock.
	SendQueueCap = 1024
	// DefaultRecvWindow is the window this endpoint advertises on a fresh
	// connection.
	DefaultRecvWindow = 1024
	// MaxSegmentPayload bounds a single emitted segment's payload so the
	// resulting frame fits within a 1500-byte emission buffer.
	MaxSegmentPayload = 1500 - 20 - 20

	msl    = 30 * time.Second
	twoMSL = 2 * msl
)

var (
	// ErrWouldBlock is returned by Write/Flush when they cannot proceed
	// without blocking.
	ErrWouldBlock = errors.New("would block")
	// ErrNotConnected is returned by Shutdown from a state that does not
	// admit a local FIN.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Write once the application has already
	// called Shutdown, following the ordinary net.Conn convention of
	// rejecting writes after a half-close.
	ErrClosed = errors.New("write after shutdown")
)

// Avail reports which manager-wide condition variables should be broadcast
// after the packet handler runs.
type Avail struct {
	Read bool
}

// Conn is one active connection-table record.
type Conn struct {
	ID   uuid.UUID
	Quad tcpwire.Quad

	State State

	Send segment.Send
	Recv segment.Recv

	Template tcpwire.Template

	Outbound []byte
	Inbound  []byte

	Closed      bool
	ClosedAt    uint32
	HasClosedAt bool

	// PeerClosed is set once the peer's FIN has been accepted. It is
	// distinct from State because this reduced state machine has no
	// CLOSE-WAIT: a passive FIN arriving in ESTABLISHED leaves the
	// connection in ESTABLISHED with its read side marked closed (Stream
	// read then returns 0 once Inbound drains), rather than adding a new
	// named state. See DESIGN.md.
	PeerClosed bool

	RTO *rto.Table

	timeWaitSince time.Time
	// now is substitutable so Tick's TIME-WAIT dwell is testable without a
	// wall clock, the same reasoning as pkg/rto's clock field.
	now func() time.Time
}

// Accept creates a new connection record in SYN-RECEIVED in response to an
// inbound SYN, and returns the SYN+ACK wire frame to emit. iss is this
// endpoint's initial send sequence number (fixed at zero in production use;
// tests may supply any value to exercise wraparound).
func Accept(id uuid.UUID, quad tcpwire.Quad, tmpl tcpwire.Template, peerSeq uint32, peerWindow uint16, iss uint32) (*Conn, []byte) {
	c := &Conn{
		ID:       id,
		Quad:     quad,
		Template: tmpl,
		State:    StateSynReceived,
		Send: segment.Send{
			ISS: iss,
			UNA: iss,
			NXT: iss,
			WND: uint32(peerWindow),
			WL1: peerSeq,
		},
		Recv: segment.Recv{
			IRS: peerSeq,
			NXT: peerSeq + 1,
			WND: DefaultRecvWindow,
		},
		RTO: rto.New(),
		now: time.Now,
	}
	wire := c.sendSynAck()
	return c, wire
}

// SetClock overrides the wall clock used for the TIME-WAIT dwell; intended
// for tests only.
func (c *Conn) SetClock(now func() time.Time) {
	c.now = now
	c.RTO.SetClock(now)
}

func (c *Conn) sendSynAck() []byte {
	flags := tcpwire.Flags{SYN: true, ACK: true}
	wire := tcpwire.Build(c.Template, c.Send.ISS, c.Recv.NXT, flags, uint16(c.Recv.WND), nil)
	c.RTO.Record(c.Send.ISS)
	c.Send.NXT = seq.Max(c.Send.NXT, c.Send.ISS+1)
	return wire
}

// dataBase is the sequence number of the first byte of Outbound. It is
// UNA, except while our SYN is still unacknowledged (UNA == ISS), in which
// case UNA itself is the virtual SYN octet and the first data byte is one
// past it.
func (c *Conn) dataBase() uint32 {
	base := c.Send.UNA
	if c.Send.UNA == c.Send.ISS {
		base++
	}
	return base
}

// dataEnd is the sequence number one past the last byte currently in
// Outbound.
func (c *Conn) dataEnd() uint32 {
	return c.dataBase() + uint32(len(c.Outbound))
}

// Write appends up to SendQueueCap-|Outbound| bytes of p to the outbound
// queue.
func (c *Conn) Write(p []byte) (int, error) {
	if c.Closed {
		return 0, ErrClosed
	}
	room := SendQueueCap - len(c.Outbound)
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if n > room {
		n = room
	}
	c.Outbound = append(c.Outbound, p[:n]...)
	return n, nil
}

// Flush reports whether Outbound has fully drained.
func (c *Conn) Flush() error {
	if len(c.Outbound) > 0 {
		return ErrWouldBlock
	}
	return nil
}

// Shutdown marks the connection for a local FIN and moves it to
// FIN-WAIT-1. Only valid from ESTABLISHED, per the transition table; any
// other state returns ErrNotConnected.
func (c *Conn) Shutdown() error {
	if c.State != StateEstablished {
		return ErrNotConnected
	}
	c.Closed = true
	c.ClosedAt = c.dataEnd()
	c.State = StateFinWait1
	c.HasClosedAt = true
	return nil
}

// advanceUNA processes an ACK that moves UNA forward to ackn: it drains the
// real data bytes from the front of Outbound (excluding any SYN/FIN virtual
// octet the advance also covers) and updates the RTO table.
func (c *Conn) advanceUNA(ackn uint32) {
	delta := ackn - c.Send.UNA
	if delta == 0 {
		c.RTO.AckAdvance(c.Send.UNA, ackn)
		return
	}

	var virtual uint32
	if c.Send.UNA == c.Send.ISS {
		virtual++
	}
	if c.HasClosedAt && (c.Send.UNA == c.ClosedAt || seq.Between(c.Send.UNA-1, c.ClosedAt, ackn)) {
		virtual++
	}
	if virtual > delta {
		virtual = delta
	}
	dataDelta := int(delta - virtual)
	if dataDelta > len(c.Outbound) {
		dataDelta = len(c.Outbound)
	}
	if dataDelta > 0 {
		c.Outbound = c.Outbound[dataDelta:]
	}

	c.RTO.AckAdvance(c.Send.UNA, ackn)
	c.Send.UNA = ackn
}

// buildPayload slices Outbound starting at seqStart, bounded by limit, and
// reports whether the local FIN should be attached.
func (c *Conn) buildPayload(seqStart uint32, limit int) (payload []byte, fin bool) {
	base := c.dataBase()
	offset := int(seqStart - base)
	if offset < 0 {
		offset = 0
	}
	if offset > len(c.Outbound) {
		offset = len(c.Outbound)
	}
	n := len(c.Outbound) - offset
	if limit >= 0 && n > limit {
		n = limit
	}
	if n < 0 {
		n = 0
	}
	payload = c.Outbound[offset : offset+n]
	if c.Closed && c.HasClosedAt && seqStart+uint32(n) == c.ClosedAt {
		fin = true
	}
	return payload, fin
}

// transmit builds and emits one segment starting at seqStart, records it in
// the RTO table if it consumes sequence space, and advances NXT.
func (c *Conn) transmit(seqStart uint32, limit int) []byte {
	if limit > MaxSegmentPayload {
		limit = MaxSegmentPayload
	}
	payload, fin := c.buildPayload(seqStart, limit)
	flags := tcpwire.Flags{ACK: true, FIN: fin}
	if len(payload) > 0 {
		flags.PSH = true
	}
	wire := tcpwire.Build(c.Template, seqStart, c.Recv.NXT, flags, uint16(c.Recv.WND), payload)

	segLen := uint32(len(payload))
	if fin {
		segLen++
	}
	if segLen > 0 {
		c.RTO.Record(seqStart)
		c.Send.NXT = seq.Max(c.Send.NXT, seqStart+segLen)
	}
	return wire
}

// bareAck builds a zero-payload ACK reflecting the current NXT/NXT.
func (c *Conn) bareAck() []byte {
	return tcpwire.BuildAck(c.Template, c.Send.NXT, c.Recv.NXT, uint16(c.Recv.WND))
}

// HandlePacket processes one inbound segment against the current state and
// returns any wire frame to emit immediately plus availability flags.
func (c *Conn) HandlePacket(seg tcpwire.Segment) (wire []byte, avail Avail) {
	segLen := seg.SeqLen()
	if !tcpwire.AcceptanceTest(c.Recv.NXT, c.Recv.WND, seg.Seq, segLen) {
		return c.bareAck(), Avail{}
	}

	var ackAdvanced bool
	if seg.Flags.ACK {
		ackn := seg.Ack
		// An ACK outside (UNA-1, NXT+1) is dropped silently: UNA stays put
		// and no RST is sent.
		if seq.Between(c.Send.UNA-1, ackn, c.Send.NXT+1) {
			c.advanceUNA(ackn)
			ackAdvanced = true
		}
		// RFC 793 window update: take the peer's advertised window from any
		// segment not older than the last one that updated it.
		if seq.LessThan(c.Send.WL1, seg.Seq) ||
			(c.Send.WL1 == seg.Seq && seq.LessThanEqual(c.Send.WL2, ackn)) {
			c.Send.WND = uint32(seg.Window)
			c.Send.WL1 = seg.Seq
			c.Send.WL2 = ackn
		}
	}

	dataAppended := false
	if len(seg.Payload) > 0 && seg.Seq == c.Recv.NXT {
		c.Inbound = append(c.Inbound, seg.Payload...)
		c.Recv.NXT += uint32(len(seg.Payload))
		dataAppended = true
	}

	finReceived := false
	if seg.Flags.FIN && seg.Seq+uint32(len(seg.Payload)) == c.Recv.NXT {
		c.Recv.NXT++
		c.PeerClosed = true
		finReceived = true
	}

	// Rows 3 and 5 of the transition table share one guard: our FIN has
	// been fully acknowledged. Merge them rather than duplicate the guard.
	if ackAdvanced && c.HasClosedAt && c.Send.UNA == c.ClosedAt+1 {
		if c.State == StateEstablished || c.State == StateFinWait1 {
			c.State = StateFinWait2
		}
	}

	if finReceived && c.State == StateFinWait2 {
		c.State = StateTimeWait
		c.timeWaitSince = c.clock()()
	}

	if c.State == StateSynReceived && ackAdvanced {
		c.State = StateEstablished
	}

	if dataAppended || finReceived {
		wire = c.bareAck()
		avail.Read = true
	}
	return wire, avail
}

func (c *Conn) clock() func() time.Time {
	if c.now != nil {
		return c.now
	}
	return time.Now
}

// hasUnsentWork reports whether there is new (never transmitted) data or a
// pending local FIN that Tick should send.
func (c *Conn) hasUnsentWork() bool {
	if seq.LessThan(c.Send.NXT, c.dataEnd()) {
		return true
	}
	if c.Closed && c.HasClosedAt && seq.LessThan(c.Send.NXT, c.ClosedAt+1) {
		return true
	}
	return false
}

// windowRoom is the number of new bytes still permitted by the peer's
// advertised window, after accounting for what's already in flight.
func (c *Conn) windowRoom() int {
	inFlight := int64(c.Send.NXT - c.Send.UNA)
	room := int64(c.Send.WND) - inFlight
	if room < 0 {
		room = 0
	}
	return int(room)
}

// Tick drives retransmission and new-data sending, and the TIME-WAIT 2*MSL
// dwell. terminated reports that the connection has reached CLOSED and
// should be removed from the connection table.
func (c *Conn) Tick() (wire []byte, terminated bool) {
	switch c.State {
	case StateClosed:
		return nil, true
	case StateTimeWait:
		if c.clock()().Sub(c.timeWaitSince) >= twoMSL {
			c.State = StateClosed
			return nil, true
		}
		return nil, false
	}

	if c.RTO.ShouldRetransmit(c.Send.UNA) {
		if c.Send.UNA == c.Send.ISS {
			// Our SYN+ACK itself is what's outstanding; retransmitting from
			// UNA must carry the SYN flag again, not a data segment.
			return c.sendSynAck(), false
		}
		return c.transmit(c.Send.UNA, int(c.Send.WND)), false
	}
	if c.hasUnsentWork() {
		return c.transmit(c.Send.NXT, c.windowRoom()), false
	}
	return nil, false
}
