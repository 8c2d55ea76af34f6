package tcpwire

import "fmt"

// Quad identifies a connection by its four-tuple. Remote is the peer that
// dialed in; Local is this endpoint, as seen on the tunnel interface.
type Quad struct {
	RemoteIP   [4]byte
	RemotePort uint16
	LocalIP    [4]byte
	LocalPort  uint16
}

func (q Quad) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d -> %d.%d.%d.%d:%d",
		q.RemoteIP[0], q.RemoteIP[1], q.RemoteIP[2], q.RemoteIP[3], q.RemotePort,
		q.LocalIP[0], q.LocalIP[1], q.LocalIP[2], q.LocalIP[3], q.LocalPort)
}

// Template carries the parts of a Quad's header pair that never change
// across the lifetime of a connection: addresses and ports. Per-segment
// fields (sequence, ack, flags, window, checksum, length) are filled in at
// emission time by Build.
type Template struct {
	Quad Quad
}

// Flags is the set of TCP control bits this module cares about. Urgent and
// the option-carrying bits (window scale, SACK, timestamps) are out of
// scope and not represented here.
type Flags struct {
	SYN bool
	ACK bool
	FIN bool
	PSH bool
	RST bool
}

func (f Flags) String() string {
	s := ""
	if f.SYN {
		s += "S"
	}
	if f.ACK {
		s += "A"
	}
	if f.FIN {
		s += "F"
	}
	if f.PSH {
		s += "P"
	}
	if f.RST {
		s += "R"
	}
	if s == "" {
		return "-"
	}
	return s
}
