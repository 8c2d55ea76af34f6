// Package worker runs the single packet-processing loop: poll the tunnel
// device with a bounded deadline, parse and dispatch inbound frames, and
// drive every connection's retransmission/send tick on each deadline-fired
// iteration. It is started as one goroutine under a dgroup.Group, following
// the same supervised-goroutine style used throughout this module.
package worker

import (
	"context"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/pkg/errors"

	"github.com/tuntcp/tuntcp/pkg/connmgr"
	"github.com/tuntcp/tuntcp/pkg/tcpwire"
	"github.com/tuntcp/tuntcp/pkg/tun"
)

// DefaultTickInterval is the poll/tick period used when the caller does not
// configure one: a bounded wait on the device read, followed, when no frame
// arrived, by one retransmission/send pass over every connection.
const DefaultTickInterval = 10 * time.Millisecond

// Worker owns the tunnel device and the connection table it feeds.
type Worker struct {
	dev   tun.Device
	mgr   *connmgr.Manager
	local [4]byte
	mtu   int
	tick  time.Duration
}

// New returns a Worker that reads frames from dev addressed to localIP and
// dispatches them into mgr. tickInterval bounds the device poll and paces
// the retransmission/send tick; a zero value falls back to
// DefaultTickInterval.
func New(dev tun.Device, mgr *connmgr.Manager, localIP [4]byte, mtu int, tickInterval time.Duration) *Worker {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Worker{dev: dev, mgr: mgr, local: localIP, mtu: mtu, tick: tickInterval}
}

// Run is the goroutine body: pass it to a dgroup.Group under the name
// "packet-worker". It returns when ctx is cancelled or the manager is
// explicitly terminated.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Errorf(ctx, "packet worker panicked: %+v", perr)
			err = perr
		}
	}()

	buf := make([]byte, w.mtu)
	for ctx.Err() == nil && !w.mgr.Terminated() {
		n, rerr := w.dev.ReadFrame(buf, w.tick)
		switch {
		case rerr == nil:
			frame := append([]byte(nil), buf[:n]...)
			if err := w.handleFrame(ctx, frame); err != nil {
				dlog.Errorf(ctx, "packet worker: %v", err)
				return err
			}
		case errors.Is(rerr, tun.ErrTimeout):
			// Expected: no frame arrived within the poll window. This is
			// the only branch that drives a retransmission/send tick, per
			// the read-frame-or-tick loop structure.
			if err := w.runTick(ctx); err != nil {
				dlog.Errorf(ctx, "packet worker: %v", err)
				return err
			}
		default:
			dlog.Errorf(ctx, "tun read: %v", rerr)
			dtime.SleepWithContext(ctx, w.tick)
		}
	}
	return nil
}

func (w *Worker) handleFrame(ctx context.Context, frame []byte) error {
	seg, err := tcpwire.Parse(frame)
	if err != nil {
		dlog.Tracef(ctx, "dropping unparseable frame: %v", err)
		return nil
	}
	if seg.Quad.LocalIP != w.local {
		dlog.Tracef(ctx, "dropping frame not addressed to %v", w.local)
		return nil
	}

	tmpl := tcpwire.Template{Quad: seg.Quad}
	wire := w.mgr.Dispatch(ctx, seg, tmpl)
	if wire == nil {
		return nil
	}
	return w.emit(ctx, wire)
}

func (w *Worker) runTick(ctx context.Context) error {
	for _, wire := range w.mgr.Tick(ctx) {
		if err := w.emit(ctx, wire); err != nil {
			return err
		}
	}
	return nil
}

// emit writes one frame to the tunnel device. A write failure propagates
// out of handleFrame/runTick and out of Run itself: the worker loop
// terminates rather than swallowing the error and continuing to run
// against a device that may no longer be usable.
func (w *Worker) emit(ctx context.Context, wire []byte) error {
	if err := w.dev.WriteFrame(wire); err != nil {
		return errors.Wrap(err, "tun write")
	}
	return nil
}
