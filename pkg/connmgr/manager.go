// Package connmgr implements the shared connection table, per-port pending
// listener queues, and the wake coordination between the packet worker and
// every blocked stream. A single mutex guards all of it; two condition
// variables signal "a new connection is pending acceptance" and "new data
// is readable on some connection".
package connmgr

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tuntcp/tuntcp/pkg/conn"
	"github.com/tuntcp/tuntcp/pkg/segment"
	"github.com/tuntcp/tuntcp/pkg/tcpwire"
)

var (
	// ErrAddrInUse is returned by Bind on a port that already has a
	// pending list.
	ErrAddrInUse = errors.New("address already in use")
	// ErrConnectionAborted is returned to a stream operation when its
	// connection was removed from the table while the operation was in
	// flight.
	ErrConnectionAborted = errors.New("connection aborted")
	// ErrNotListening is returned by Accept on a port that was never
	// bound, or whose listener was closed.
	ErrNotListening = errors.New("not listening")
)

// Manager is the process-wide connection table.
type Manager struct {
	mu           sync.Mutex
	pendingCond  *sync.Cond
	readableCond *sync.Cond

	connections map[tcpwire.Quad]*conn.Conn
	pending     map[uint16][]tcpwire.Quad
	listening   map[uint16]bool
	terminate   bool

	issSource segment.ISSSource
}

// New returns an empty Manager. issSource supplies each new connection's
// initial send sequence number; production callers pass segment.ZeroISS{};
// tests pass a fixed value to exercise wraparound.
func New(issSource segment.ISSSource) *Manager {
	m := &Manager{
		connections: make(map[tcpwire.Quad]*conn.Conn),
		pending:     make(map[uint16][]tcpwire.Quad),
		listening:   make(map[uint16]bool),
		issSource:   issSource,
	}
	m.pendingCond = sync.NewCond(&m.mu)
	m.readableCond = sync.NewCond(&m.mu)
	return m
}

// Bind registers port as accepting inbound SYNs. It fails if a pending list
// for the port already exists.
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listening[port] {
		return ErrAddrInUse
	}
	m.listening[port] = true
	m.pending[port] = nil
	return nil
}

// Unbind stops accepting new connections on port and reaps whatever is
// still sitting in its pending queue, silently rather than aborting with
// RST; see DESIGN.md.
func (m *Manager) Unbind(ctx context.Context, port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.pending[port] {
		dlog.Debugf(ctx, "listener on port %d closing, reaping pending connection %s", port, q)
		delete(m.connections, q)
	}
	delete(m.pending, port)
	delete(m.listening, port)
}

// Accept blocks until a connection is waiting on port's pending queue, then
// pops and returns it.
func (m *Manager) Accept(ctx context.Context, port uint16) (*conn.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if !m.listening[port] {
			return nil, ErrNotListening
		}
		if q := m.pending[port]; len(q) > 0 {
			m.pending[port] = q[1:]
			c := m.connections[q[0]]
			return c, nil
		}
		if m.terminate {
			return nil, ErrNotListening
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.waitOnPending(ctx)
	}
}

// waitOnPending waits on pendingCond, but also wakes on ctx cancellation by
// running a one-shot goroutine that broadcasts when ctx is done. This keeps
// sync.Cond usable with a context deadline without polling.
func (m *Manager) waitOnPending(ctx context.Context) {
	m.condWaitCancellable(ctx, m.pendingCond)
}

func (m *Manager) condWaitCancellable(ctx context.Context, cond *sync.Cond) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders this broadcast after the caller's
			// cond.Wait has released it, so the wakeup cannot be missed.
			m.mu.Lock()
			cond.Broadcast()
			m.mu.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	// Not waited on: if the goroutine already entered the ctx.Done branch it
	// will broadcast once more after we release the lock, which waiters
	// tolerate as a spurious wakeup.
	close(stop)
}

// Lookup returns the connection for quad, if any.
func (m *Manager) Lookup(quad tcpwire.Quad) (*conn.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LookupLocked(quad)
}

// LookupLocked is Lookup for callers that already hold the manager's lock
// (pkg/stream's read-modify-wait sequences).
func (m *Manager) LookupLocked(quad tcpwire.Quad) (*conn.Conn, bool) {
	c, ok := m.connections[quad]
	return c, ok
}

// Dispatch delivers one parsed inbound segment to the table: if its Quad
// has an active connection, hands the segment to that connection's packet
// handler; otherwise, if the destination port has a pending listener and
// the segment is a SYN, creates a new connection.
func (m *Manager) Dispatch(ctx context.Context, seg tcpwire.Segment, tmpl tcpwire.Template) (wire []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connections[seg.Quad]; ok {
		wire, avail := c.HandlePacket(seg)
		if avail.Read {
			m.readableCond.Broadcast()
		}
		return wire
	}

	port := seg.Quad.LocalPort
	if !m.listening[port] {
		dlog.Debugf(ctx, "dropping segment for unbound port %d", port)
		return nil
	}
	if !seg.Flags.SYN {
		dlog.Debugf(ctx, "dropping non-SYN segment for listening port %d with no connection", port)
		return nil
	}

	id := uuid.New()
	c, synAck := conn.Accept(id, seg.Quad, tmpl, seg.Seq, seg.Window, m.issSource.ISS())
	m.connections[seg.Quad] = c
	m.pending[port] = append(m.pending[port], seg.Quad)
	m.pendingCond.Broadcast()
	dlog.Debugf(ctx, "accepted new connection %s id=%s", seg.Quad, id)
	return synAck
}

// Tick runs every connection's retransmission/send logic once and returns
// the wire frames to emit. Connections that reach CLOSED are removed from
// the table.
func (m *Manager) Tick(ctx context.Context) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frames [][]byte
	for quad, c := range m.connections {
		wire, terminated := c.Tick()
		if wire != nil {
			frames = append(frames, wire)
		}
		if terminated {
			dlog.Debugf(ctx, "connection %s reaped after 2*MSL in TIME-WAIT", quad)
			delete(m.connections, quad)
		}
	}
	return frames
}

// Remove deletes a connection from the table immediately, rather than
// waiting for the state machine to reach CLOSED. Stream.Drop does not use
// it; it schedules a local FIN instead.
func (m *Manager) Remove(quad tcpwire.Quad) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, quad)
}

// Lock/Unlock expose the manager's mutex directly so pkg/stream can
// serialize a read-modify-wait sequence against a specific connection's
// fields without the manager needing to know about Stream's read/write
// semantics.
func (m *Manager) Lock()   { m.mu.Lock() }
func (m *Manager) Unlock() { m.mu.Unlock() }

// WaitReadable waits on the readable condition, waking early if ctx is
// done. Caller must hold the lock.
func (m *Manager) WaitReadable(ctx context.Context) {
	m.condWaitCancellable(ctx, m.readableCond)
}

// BroadcastReadable wakes every blocked reader. Caller must hold the lock.
func (m *Manager) BroadcastReadable() { m.readableCond.Broadcast() }

// Terminate requests the packet worker to stop after its current iteration.
func (m *Manager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminate = true
	m.pendingCond.Broadcast()
	m.readableCond.Broadcast()
}

// Terminated reports whether Terminate has been called.
func (m *Manager) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminate
}

// TerminatedLocked is Terminated for callers that already hold the lock.
func (m *Manager) TerminatedLocked() bool { return m.terminate }

// Connections returns a snapshot of the live connection set, for
// diagnostics and shutdown teardown.
func (m *Manager) Connections() []*conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*conn.Conn, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}
