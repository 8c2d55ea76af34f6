// Package stream implements the blocking application-facing API: Listener
// and Stream wrap the connection manager's table with Accept/Read/Write/
// Shutdown/Drop operations, translating condition-variable waits into an
// ordinary blocking call shape.
package stream

import (
	"context"

	"github.com/google/uuid"

	"github.com/tuntcp/tuntcp/pkg/conn"
	"github.com/tuntcp/tuntcp/pkg/connmgr"
	"github.com/tuntcp/tuntcp/pkg/tcpwire"
)

// Listener accepts inbound connections on one bound port.
type Listener struct {
	mgr  *connmgr.Manager
	port uint16
}

// Listen binds port on mgr and returns a Listener for it.
func Listen(mgr *connmgr.Manager, port uint16) (*Listener, error) {
	if err := mgr.Bind(port); err != nil {
		return nil, err
	}
	return &Listener{mgr: mgr, port: port}, nil
}

// Accept blocks until a connection is pending on this listener's port, or
// ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	c, err := l.mgr.Accept(ctx, l.port)
	if err != nil {
		return nil, err
	}
	return &Stream{mgr: l.mgr, quad: c.Quad, connID: c.ID}, nil
}

// Close stops accepting new connections and reaps anything still pending.
func (l *Listener) Close(ctx context.Context) {
	l.mgr.Unbind(ctx, l.port)
}

// Stream is one accepted TCP connection's application-facing handle. All of
// its operations lock the manager's table for the duration of the
// read-modify-wait they perform; nothing here holds the lock across a
// blocking wait without releasing it via the manager's condition variable.
type Stream struct {
	mgr    *connmgr.Manager
	quad   tcpwire.Quad
	connID uuid.UUID
}

// lookup re-resolves the live *conn.Conn for this stream, returning
// connmgr.ErrConnectionAborted if it was removed from the table (e.g. after
// its TIME-WAIT dwell elapsed) since the Stream was created. Caller must
// hold mgr's lock.
func (s *Stream) lookup() (*conn.Conn, error) {
	c, ok := s.mgr.LookupLocked(s.quad)
	if !ok || c.ID != s.connID {
		return nil, connmgr.ErrConnectionAborted
	}
	return c, nil
}

// Read blocks until at least one byte has arrived, the peer's FIN has been
// processed (returning 0, nil), or ctx is done.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.mgr.Lock()
	defer s.mgr.Unlock()

	for {
		c, err := s.lookup()
		if err != nil {
			return 0, err
		}
		if len(c.Inbound) > 0 {
			n := copy(p, c.Inbound)
			c.Inbound = c.Inbound[n:]
			return n, nil
		}
		if c.PeerClosed {
			return 0, nil
		}
		if s.mgr.TerminatedLocked() {
			return 0, connmgr.ErrConnectionAborted
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.mgr.WaitReadable(ctx)
	}
}

// Write enqueues p on the connection's outbound queue, returning
// conn.ErrWouldBlock if the queue is full rather than blocking. Write is
// explicitly non-blocking; the packet worker drains the queue on its own
// tick.
func (s *Stream) Write(p []byte) (int, error) {
	s.mgr.Lock()
	defer s.mgr.Unlock()

	c, err := s.lookup()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

// Flush reports conn.ErrWouldBlock until the outbound queue has fully
// drained to the wire.
func (s *Stream) Flush() error {
	s.mgr.Lock()
	defer s.mgr.Unlock()

	c, err := s.lookup()
	if err != nil {
		return err
	}
	return c.Flush()
}

// Shutdown sends a local FIN. The connection is not removed from the
// table; it progresses through FIN-WAIT-1/2 and TIME-WAIT on its own via
// the packet worker's ticks.
func (s *Stream) Shutdown() error {
	s.mgr.Lock()
	defer s.mgr.Unlock()

	c, err := s.lookup()
	if err != nil {
		return err
	}
	return c.Shutdown()
}

// Drop schedules a local FIN the same way Shutdown does, for callers that
// abandon a Stream without an explicit graceful close (e.g. a defer at the
// end of a connection handler). It is a best-effort convenience: unlike
// Shutdown, a Drop on a connection that cannot admit a local FIN (already
// shut down, or torn down from under it) is silently ignored rather than
// reported, since there is no caller left to hand an error to.
func (s *Stream) Drop() {
	s.mgr.Lock()
	defer s.mgr.Unlock()

	c, err := s.lookup()
	if err != nil {
		return
	}
	_ = c.Shutdown()
}
