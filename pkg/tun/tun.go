// Package tun adapts a real layer-3 TUN device to the Frame{Reader,Writer}
// interface the rest of this module consumes, so the packet worker
// (pkg/worker) never imports a platform-specific device package directly.
package tun

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// offset is the leading space wireguard-go's tun.Device reserves before the
// IP packet in every read/write buffer.
const offset = 4

// ErrTimeout is returned by ReadFrame when no frame arrives before the
// requested deadline elapses.
var ErrTimeout = errors.New("tun: read timed out")

// FrameReader reads one IPv4 datagram per call, waiting at most timeout
// before returning ErrTimeout, bounding the device poll.
type FrameReader interface {
	ReadFrame(buf []byte, timeout time.Duration) (int, error)
}

// FrameWriter writes one IPv4 datagram per call.
type FrameWriter interface {
	WriteFrame(buf []byte) error
}

// Device is a bidirectional tunnel endpoint.
type Device interface {
	FrameReader
	FrameWriter
	MTU() (int, error)
	Close() error
}

// wgDevice adapts golang.zx2c4.com/wireguard/tun.Device, which reserves a
// platform header in front of every buffer, to the plain frame-in/frame-out
// contract the rest of this module expects. Reads are bounded with
// unix.Poll on the device's underlying file descriptor, since tun.Device's
// own Read has no deadline of its own.
type wgDevice struct {
	dev wgtun.Device
	fd  int
	buf []byte
}

// Open creates (or attaches to) the named TUN interface with the given MTU.
// On Linux/macOS this requires CAP_NET_ADMIN or root.
func Open(name string, mtu int) (Device, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, errors.Wrapf(err, "creating tun device %q", name)
	}
	return &wgDevice{dev: dev, fd: int(dev.File().Fd()), buf: make([]byte, offset+mtu)}, nil
}

func (w *wgDevice) ReadFrame(buf []byte, timeout time.Duration) (int, error) {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, errors.Wrap(err, "polling tun device")
	}
	if n == 0 {
		return 0, ErrTimeout
	}

	got, err := w.dev.Read(w.buf, offset)
	if err != nil {
		return 0, err
	}
	if got > len(buf) {
		return 0, errors.New("tun: frame larger than caller buffer")
	}
	copy(buf, w.buf[offset:offset+got])
	return got, nil
}

func (w *wgDevice) WriteFrame(frame []byte) error {
	buf := make([]byte, offset+len(frame))
	copy(buf[offset:], frame)
	_, err := w.dev.Write(buf, offset)
	return err
}

func (w *wgDevice) MTU() (int, error) { return w.dev.MTU() }
func (w *wgDevice) Close() error      { return w.dev.Close() }

// FakeDevice is an in-memory Device backed by a channel, for tests and for
// running the worker loop without CAP_NET_ADMIN. Frames written with Inject
// are delivered to ReadFrame; frames passed to WriteFrame are delivered to
// Written.
type FakeDevice struct {
	inbound chan []byte
	Written chan []byte
	mtu     int
	closed  chan struct{}
}

// NewFakeDevice returns a FakeDevice with the given MTU and an inbound/outbound
// queue depth of depth.
func NewFakeDevice(mtu, depth int) *FakeDevice {
	return &FakeDevice{
		inbound: make(chan []byte, depth),
		Written: make(chan []byte, depth),
		mtu:     mtu,
		closed:  make(chan struct{}),
	}
}

// Inject enqueues a frame to be returned by a future ReadFrame call.
func (f *FakeDevice) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case f.inbound <- cp:
	case <-f.closed:
	}
}

func (f *FakeDevice) ReadFrame(buf []byte, timeout time.Duration) (int, error) {
	select {
	case frame := <-f.inbound:
		return copy(buf, frame), nil
	case <-f.closed:
		return 0, errors.New("tun: fake device closed")
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}

func (f *FakeDevice) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case f.Written <- cp:
		return nil
	case <-f.closed:
		return errors.New("tun: fake device closed")
	}
}

func (f *FakeDevice) MTU() (int, error) { return f.mtu, nil }

func (f *FakeDevice) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
