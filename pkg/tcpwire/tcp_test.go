package tcpwire_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tuntcp/tuntcp/pkg/tcpwire"
)

func testTemplate() tcpwire.Template {
	return tcpwire.Template{
		Quad: tcpwire.Quad{
			RemoteIP:   [4]byte{10, 0, 0, 2},
			RemotePort: 5555,
			LocalIP:    [4]byte{10, 0, 0, 1},
			LocalPort:  80,
		},
	}
}

func TestBuildThenParseRoundTrips(t *testing.T) {
	tmpl := testTemplate()
	payload := []byte("hello")
	frame := tcpwire.Build(tmpl, 1000, 2000, tcpwire.Flags{ACK: true, PSH: true}, 512, payload)

	seg, err := tcpwire.Parse(frame)
	require.NoError(t, err)

	require.Equal(t, uint32(1000), seg.Seq)
	require.Equal(t, uint32(2000), seg.Ack)
	require.Equal(t, uint16(512), seg.Window)
	require.Equal(t, tcpwire.Flags{ACK: true, PSH: true}, seg.Flags)
	require.Empty(t, cmp.Diff(payload, seg.Payload))

	// The parsed Quad is from the peer's point of view: remote is whoever
	// sent the frame, so Build's Local becomes Parse's Remote.
	require.Equal(t, tmpl.Quad.LocalIP, seg.Quad.RemoteIP)
	require.Equal(t, tmpl.Quad.LocalPort, seg.Quad.RemotePort)
	require.Equal(t, tmpl.Quad.RemoteIP, seg.Quad.LocalIP)
	require.Equal(t, tmpl.Quad.RemotePort, seg.Quad.LocalPort)
}

func TestParseRejectsBadChecksum(t *testing.T) {
	tmpl := testTemplate()
	frame := tcpwire.Build(tmpl, 1, 2, tcpwire.Flags{ACK: true}, 100, []byte("x"))
	frame[len(frame)-1] ^= 0xff // corrupt payload after checksum computed

	_, err := tcpwire.Parse(frame)
	require.Error(t, err)
}

func TestAcceptanceTestZeroWindow(t *testing.T) {
	require.True(t, tcpwire.AcceptanceTest(5000, 0, 5000, 0))
	require.False(t, tcpwire.AcceptanceTest(5000, 0, 4999, 0))
	require.False(t, tcpwire.AcceptanceTest(5000, 0, 5000, 1))
}

func TestAcceptanceTestNonZeroWindow(t *testing.T) {
	require.True(t, tcpwire.AcceptanceTest(5000, 512, 5000, 0))
	require.True(t, tcpwire.AcceptanceTest(5000, 512, 5400, 10))
	require.False(t, tcpwire.AcceptanceTest(5000, 512, 6000, 10))
	require.False(t, tcpwire.AcceptanceTest(5000, 512, 4990, 10))
}
