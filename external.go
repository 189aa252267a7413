package embhttp

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/embhttp/embhttp/internal/obs"
)

// ExternalConn is a connection driven by the embedder's own event loop
// in ModeExternal. The embedder accepts the transport itself, attaches
// it, and then calls ServiceRead when the transport is readable and
// ServiceWrite when it is writable and WantsWrite reports pending
// output. All calls for one server must come from a single driving
// thread; none of them block beyond a bounded I/O attempt.
type ExternalConn struct {
	c   *conn
	buf []byte
}

// Attach hands an accepted transport to the engine and returns its
// driving handle. The connection counts against MaxConns; when the cap
// is hit the transport is closed and ErrTooManyConns returned, so the
// refusal is visible to the embedder.
func (s *Server) Attach(nc net.Conn) (*ExternalConn, error) {
	if s.Mode != ModeExternal {
		return nil, ErrNotExternalMode
	}
	c := newConn(s, nc)
	if !s.addConn(c) {
		_ = nc.Close()
		s.meter().Counter(obs.ConnsRefused, 1)
		if s.shuttingDown() {
			return nil, ErrServerClosed
		}
		s.logger().Warn("connection refused", "remote", c.remote, "err", ErrTooManyConns)
		return nil, ErrTooManyConns
	}
	s.meter().Counter(obs.ConnsAccepted, 1)
	return &ExternalConn{c: c, buf: make([]byte, 8<<10)}, nil
}

// ServiceRead performs one bounded read and advances the engine. It
// returns nil when the connection remains usable, ErrConnClosed once it
// is finished, or the transport error that killed it. A read that finds
// no bytes before the internal deadline is not an error.
func (x *ExternalConn) ServiceRead() error {
	c := x.c
	if c.closed {
		return ErrConnClosed
	}
	// Buffered pipelined input first; those bytes need no readiness.
	if !c.wantsWrite() && len(c.in) > 0 {
		c.advance()
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(nonblockSlice))
	n, err := c.nc.Read(x.buf)
	if n > 0 {
		c.meter.Counter(obs.BytesRead, float64(n))
		c.lastActive = time.Now()
		c.in = append(c.in, x.buf[:n]...)
		c.advance()
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if errors.Is(err, io.EOF) && (c.wantsWrite() || len(c.in) > 0) {
			c.readGone = true
			return nil
		}
		c.readFailed(err)
		c.teardown()
		return ErrConnClosed
	}
	return nil
}

// ServiceWrite pushes queued output with one bounded attempt. Once the
// queue drains it parses any pipelined input already buffered, so the
// next response is observable through WantsWrite. It returns nil while
// the connection remains usable (check WantsWrite for leftover output),
// ErrConnClosed once the connection is finished.
func (x *ExternalConn) ServiceWrite() error {
	c := x.c
	if c.closed {
		return ErrConnClosed
	}
	done, err := c.tryFlush()
	if err != nil {
		if err != errConnDone {
			c.log.Debug("write failed", "err", err)
		}
		c.teardown()
		return ErrConnClosed
	}
	if done && len(c.in) > 0 {
		c.advance()
	}
	if c.readGone && !c.wantsWrite() && len(c.in) == 0 {
		c.teardown()
		return ErrConnClosed
	}
	return nil
}

// WantsWrite reports whether the engine has output waiting for a
// writable transport.
func (x *ExternalConn) WantsWrite() bool { return !x.c.closed && x.c.wantsWrite() }

// ID returns the engine's identifier for this connection, as used in
// its logs.
func (x *ExternalConn) ID() string { return x.c.id }

// Done reports whether the connection has been torn down. A done
// connection accepts no further service calls.
func (x *ExternalConn) Done() bool { return x.c.closed }

// Expired reports whether the connection has overrun a read budget and
// should be closed: idle past IdleTimeout, or stuck mid-head past
// ReadHeaderTimeout.
func (x *ExternalConn) Expired(now time.Time) bool {
	c := x.c
	return !c.closed && (c.idleExpired(now) || c.headExpired(now))
}

// Close tears the connection down. Safe to call more than once.
func (x *ExternalConn) Close() error {
	x.c.teardown()
	return nil
}

// SweepIdle closes attached connections that have overrun a read budget,
// idle or mid-head, and returns how many were closed. Call it from the
// driving thread on a timer.
func (s *Server) SweepIdle(now time.Time) int {
	s.mu.Lock()
	cs := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		cs = append(cs, c)
	}
	s.mu.Unlock()
	n := 0
	for _, c := range cs {
		if c.idleExpired(now) || c.headExpired(now) {
			c.log.Debug("read budget exceeded", "state", c.parser.State().String())
			c.teardown()
			n++
		}
	}
	return n
}
