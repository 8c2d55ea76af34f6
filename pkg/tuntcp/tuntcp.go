// Package tuntcp is the public entry point: it wires the tunnel device, the
// connection manager, and the packet worker together and exposes the
// Listener/Stream API from pkg/stream.
package tuntcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/pkg/errors"

	"github.com/tuntcp/tuntcp/pkg/conn"
	"github.com/tuntcp/tuntcp/pkg/connmgr"
	"github.com/tuntcp/tuntcp/pkg/segment"
	"github.com/tuntcp/tuntcp/pkg/stream"
	"github.com/tuntcp/tuntcp/pkg/tun"
	"github.com/tuntcp/tuntcp/pkg/worker"
)

// Re-exported error sentinels, so callers never need to import the
// implementation packages directly.
var (
	ErrAddrInUse         = connmgr.ErrAddrInUse
	ErrConnectionAborted = connmgr.ErrConnectionAborted
	ErrNotListening      = connmgr.ErrNotListening
	ErrWouldBlock        = conn.ErrWouldBlock
	ErrNotConnected      = conn.ErrNotConnected
)

// Interface is one tunnel endpoint: a device plus the connection table and
// packet worker serving it.
type Interface struct {
	dev tun.Device
	mgr *connmgr.Manager
}

// Config configures a new Interface.
type Config struct {
	// Device is the already-opened tunnel device. Use tun.Open for a real
	// platform TUN, or tun.NewFakeDevice for tests.
	Device tun.Device
	// LocalIP is this endpoint's address on the tunnel.
	LocalIP [4]byte
	// MTU bounds the frames the worker reads from Device.
	MTU int
	// PollInterval bounds the worker's device poll and paces its
	// retransmission/send tick. Zero falls back to worker.DefaultTickInterval.
	PollInterval time.Duration
	// ISSSource supplies each new connection's initial send sequence
	// number. Pass segment.ZeroISS{} in production; tests may supply a
	// fixed value to exercise wraparound.
	ISSSource segment.ISSSource
}

// New wires a Config into a running Interface. g supervises the packet
// worker goroutine; the caller is responsible for running g.
func New(ctx context.Context, g *dgroup.Group, cfg Config) (*Interface, error) {
	if cfg.Device == nil {
		return nil, errors.New("tuntcp: Config.Device is required")
	}
	iss := cfg.ISSSource
	if iss == nil {
		iss = segment.ZeroISS{}
	}

	mgr := connmgr.New(iss)
	w := worker.New(cfg.Device, mgr, cfg.LocalIP, cfg.MTU, cfg.PollInterval)

	g.Go("packet-worker", w.Run)

	return &Interface{dev: cfg.Device, mgr: mgr}, nil
}

// Bind opens a listener on port.
func (i *Interface) Bind(port uint16) (*stream.Listener, error) {
	return stream.Listen(i.mgr, port)
}

// Close requests the packet worker to stop (it exits after its current
// iteration) and releases the underlying tunnel device. It does
// not wait for in-flight connections to finish their TIME-WAIT dwell;
// callers that want a graceful drain should stop accepting new connections
// and wait on their own streams before calling Close.
func (i *Interface) Close() error {
	i.mgr.Terminate()
	return i.dev.Close()
}
