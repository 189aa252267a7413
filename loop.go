package embhttp

import (
	"sync"
	"time"

	"github.com/embhttp/embhttp/internal/obs"
)

// ModeSingleLoop keeps all protocol work and every handler call on one
// goroutine. A reader pump per connection blocks on the transport and
// forwards bytes as events; the loop parses, dispatches and writes. The
// event channel is bounded, so pumps stall rather than queue unbounded
// input when the loop falls behind.

type loopEventKind uint8

const (
	evAttach loopEventKind = iota
	evData
	evReadDone
)

type loopEvent struct {
	kind loopEventKind
	c    *conn
	data []byte
	err  error
}

type serviceLoop struct {
	srv      *Server
	ch       chan loopEvent
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// conns is touched only by the loop goroutine.
	conns map[*conn]struct{}
}

func newServiceLoop(srv *Server) *serviceLoop {
	return &serviceLoop{
		srv:   srv,
		ch:    make(chan loopEvent, 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		conns: make(map[*conn]struct{}),
	}
}

// attach hands an accepted connection to the loop.
func (l *serviceLoop) attach(c *conn) {
	select {
	case l.ch <- loopEvent{kind: evAttach, c: c}:
	case <-l.quit:
		c.teardown()
	}
}

// stop ends the loop; connections it still holds are closed. Safe to
// call more than once.
func (l *serviceLoop) stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
}

// readPump blocks on the transport so the loop never has to. Payload
// slices are freshly allocated per read because ownership moves to the
// loop goroutine with the event.
func (l *serviceLoop) readPump(c *conn) {
	for {
		if d := l.srv.ReadTimeout; d > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(d))
		}
		buf := make([]byte, 8<<10)
		n, err := c.nc.Read(buf)
		if n > 0 {
			select {
			case l.ch <- loopEvent{kind: evData, c: c, data: buf[:n]}:
			case <-l.quit:
				return
			}
		}
		if err != nil {
			select {
			case l.ch <- loopEvent{kind: evReadDone, c: c, err: err}:
			case <-l.quit:
			}
			return
		}
	}
}

func (l *serviceLoop) run() {
	defer close(l.done)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	lastSweep := time.Now()
	for {
		select {
		case ev := <-l.ch:
			switch ev.kind {
			case evAttach:
				l.conns[ev.c] = struct{}{}
				go l.readPump(ev.c)
			case evData:
				ev.c.meter.Counter(obs.BytesRead, float64(len(ev.data)))
				ev.c.in = append(ev.c.in, ev.data...)
				ev.c.lastActive = time.Now()
				l.service(ev.c)
			case evReadDone:
				l.readEnded(ev.c, ev.err)
			}
		case now := <-tick.C:
			for c := range l.conns {
				if c.wantsWrite() {
					l.service(c)
				}
			}
			if now.Sub(lastSweep) >= time.Second {
				lastSweep = now
				for c := range l.conns {
					if c.idleExpired(now) || c.headExpired(now) {
						c.log.Debug("read budget exceeded", "state", c.parser.State().String())
						l.drop(c)
					}
				}
			}
		case <-l.quit:
			for c := range l.conns {
				c.teardown()
			}
			l.conns = nil
			return
		}
	}
}

// service makes as much progress as one connection allows without
// blocking: flush queued output, then parse and dispatch buffered input.
func (l *serviceLoop) service(c *conn) {
	if c.closed {
		return
	}
	for {
		done, err := c.tryFlush()
		if err != nil {
			if err != errConnDone {
				c.log.Debug("write failed", "err", err)
			}
			l.drop(c)
			return
		}
		if !done {
			return // transport not writable; the tick retries
		}
		if len(c.in) > 0 {
			c.advance()
			continue
		}
		if c.readGone {
			l.drop(c)
		}
		return
	}
}

// readEnded handles the pump finishing. EOF with output still queued is
// a half-close: the response is flushed before the connection goes.
func (l *serviceLoop) readEnded(c *conn, err error) {
	if c.closed {
		delete(l.conns, c)
		return
	}
	if c.wantsWrite() || len(c.in) > 0 {
		c.readGone = true
		c.readFailed(err)
		l.service(c)
		return
	}
	c.readFailed(err)
	l.drop(c)
}

func (l *serviceLoop) drop(c *conn) {
	c.teardown()
	delete(l.conns, c)
}
