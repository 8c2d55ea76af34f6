package tuntcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/stretchr/testify/require"

	"github.com/tuntcp/tuntcp/pkg/tcpwire"
	"github.com/tuntcp/tuntcp/pkg/tun"
	"github.com/tuntcp/tuntcp/pkg/tuntcp"
)

func TestServeEchoesData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := tun.NewFakeDevice(1500, 16)
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})

	iface, err := tuntcp.New(ctx, g, tuntcp.Config{
		Device:  dev,
		LocalIP: [4]byte{10, 0, 0, 1},
		MTU:     1500,
	})
	require.NoError(t, err)

	ln, err := iface.Bind(80)
	require.NoError(t, err)

	// The peer's side of the connection: Build sends from Local to Remote.
	tmpl := tcpwire.Template{Quad: tcpwire.Quad{
		RemoteIP:   [4]byte{10, 0, 0, 1},
		RemotePort: 80,
		LocalIP:    [4]byte{10, 0, 0, 2},
		LocalPort:  5555,
	}}

	syn := tcpwire.Build(tmpl, 1000, 0, tcpwire.Flags{SYN: true}, 512, nil)
	dev.Inject(syn)

	synAck := recvFrame(t, dev)
	seg, err := tcpwire.Parse(synAck)
	require.NoError(t, err)
	require.True(t, seg.Flags.SYN && seg.Flags.ACK)

	ack := tcpwire.Build(tmpl, 1001, seg.Seq+1, tcpwire.Flags{ACK: true}, 512, nil)
	dev.Inject(ack)

	acceptCtx, acceptCancel := context.WithTimeout(ctx, time.Second)
	defer acceptCancel()
	go func() {
		st, err := ln.Accept(acceptCtx)
		require.NoError(t, err)
		buf := make([]byte, 64)
		for {
			n, err := st.Read(acceptCtx, buf)
			if err != nil || n == 0 {
				return
			}
			_, _ = st.Write(buf[:n])
		}
	}()

	data := tcpwire.Build(tmpl, 1001, seg.Seq+1, tcpwire.Flags{ACK: true, PSH: true}, 512, []byte("ping"))
	dev.Inject(data)

	for {
		frame := recvFrame(t, dev)
		echoed, err := tcpwire.Parse(frame)
		require.NoError(t, err)
		if len(echoed.Payload) > 0 {
			require.Equal(t, "ping", string(echoed.Payload))
			break
		}
	}
}

// TestCloseTerminatesWorkerIndependentOfContext uses a context that is
// never cancelled, so the only thing that can stop the packet-worker
// goroutine is Interface.Close setting the connection manager's terminate
// flag.
func TestCloseTerminatesWorkerIndependentOfContext(t *testing.T) {
	ctx := context.Background()

	dev := tun.NewFakeDevice(1500, 16)
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})

	iface, err := tuntcp.New(ctx, g, tuntcp.Config{
		Device:  dev,
		LocalIP: [4]byte{10, 0, 0, 1},
		MTU:     1500,
	})
	require.NoError(t, err)

	require.NoError(t, iface.Close())

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("packet-worker goroutine never stopped after Interface.Close")
	}
}

func recvFrame(t *testing.T, dev *tun.FakeDevice) []byte {
	t.Helper()
	select {
	case f := <-dev.Written:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return nil
	}
}
