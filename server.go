package embhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embhttp/embhttp/internal/obs"
)

// Mode selects how the server schedules connection work.
type Mode uint8

const (
	// ModeConnGoroutine serves each connection on its own goroutine.
	// This is the default and the right choice for almost everyone.
	ModeConnGoroutine Mode = iota

	// ModeSingleLoop multiplexes every connection onto one service
	// goroutine. Handlers run on that goroutine, so one slow handler
	// stalls all connections; it exists for embedders that need all
	// application code on a single thread.
	ModeSingleLoop

	// ModeExternal performs no I/O scheduling at all. The embedder
	// accepts connections itself, hands them over with Attach, and
	// drives each one with ServiceRead and ServiceWrite from its own
	// event loop.
	ModeExternal
)

func (m Mode) String() string {
	switch m {
	case ModeConnGoroutine:
		return "conn-goroutine"
	case ModeSingleLoop:
		return "single-loop"
	case ModeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name, as produced by Mode.String, back to its
// Mode value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "conn-goroutine":
		return ModeConnGoroutine, nil
	case "single-loop":
		return ModeSingleLoop, nil
	case "external":
		return ModeExternal, nil
	}
	return 0, fmt.Errorf("invalid mode: %s (valid modes: conn-goroutine, single-loop, external)", s)
}

// Server is an embeddable HTTP/1.x server engine. The zero value is
// usable; set Handler and call ListenAndServe, or configure Mode for the
// other scheduling styles.
type Server struct {
	Addr    string
	Handler Handler
	Mode    Mode

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// MaxLineBytes bounds a single request or header line, and
	// MaxHeaderBytes the whole head section. MaxBodyBytes bounds the
	// buffered request body for handlers that do not implement
	// BodySink: zero means DefaultMaxBodyBytes, negative means no cap.
	MaxLineBytes   int
	MaxHeaderBytes int
	MaxBodyBytes   int64

	// MaxConns caps concurrently served connections; above it new
	// connections are closed on arrival, with the refusal logged and
	// counted. Zero means no cap.
	MaxConns int

	Logger *slog.Logger
	Meter  obs.Meter

	mu         sync.Mutex
	ln         net.Listener
	conns      map[*conn]struct{}
	loop       *serviceLoop
	closed     bool
	inShutdown atomic.Bool
}

const DefaultMaxBodyBytes = 8 << 20

// ListenAndServe listens on Addr (":8080" when empty) and serves.
func (s *Server) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until the listener fails or the server
// shuts down. In ModeExternal it returns ErrExternalMode immediately:
// accepting is the embedder's job there.
func (s *Server) Serve(l net.Listener) error {
	if s.Mode == ModeExternal {
		return ErrExternalMode
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.ln = l
	if s.Mode == ModeSingleLoop && s.loop == nil {
		s.loop = newServiceLoop(s)
		go s.loop.run()
	}
	loop := s.loop
	s.mu.Unlock()

	defer l.Close()
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		c := newConn(s, nc)
		if !s.addConn(c) {
			s.meter().Counter(obs.ConnsRefused, 1)
			s.logger().Warn("connection refused", "remote", c.remote, "err", ErrTooManyConns)
			_ = nc.Close()
			continue
		}
		s.meter().Counter(obs.ConnsAccepted, 1)
		if s.Mode == ModeSingleLoop {
			loop.attach(c)
		} else {
			go c.serve()
		}
	}
}

// Shutdown stops accepting, closes idle connections and waits for active
// ones to finish, up to ctx. On ctx expiry the stragglers are left alone
// and ctx.Err() is returned; use Close to cut them off.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	loop := s.loop
	s.mu.Unlock()

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if s.closeIdleConns() == 0 {
			if loop != nil {
				loop.stop()
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close stops accepting and tears every connection down immediately.
func (s *Server) Close() error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	loop := s.loop
	cs := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		cs = append(cs, c)
	}
	s.mu.Unlock()

	for _, c := range cs {
		_ = c.nc.Close()
	}
	if loop != nil {
		loop.stop()
	}
	return err
}

// closeIdleConns closes connections idle between requests and returns
// how many connections remain.
func (s *Server) closeIdleConns() int {
	s.mu.Lock()
	cs := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		cs = append(cs, c)
	}
	s.mu.Unlock()
	for _, c := range cs {
		if !c.active.Load() {
			_ = c.nc.Close()
		}
	}
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return n
}

func (s *Server) addConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.MaxConns > 0 && len(s.conns) >= s.MaxConns {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[*conn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return obs.NopLogger()
}

func (s *Server) meter() obs.Meter {
	if s.Meter != nil {
		return s.Meter
	}
	return obs.NopMeter{}
}

var defaultHandler = HandlerFunc(func(req *Request) (*Response, error) {
	resp := NewResponse(404, errorPage(404))
	_ = resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	return resp, nil
})

func (s *Server) handlerOrDefault() Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return defaultHandler
}

// maxBody returns the effective buffered-body cap, 0 meaning uncapped.
func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes < 0 {
		return 0
	}
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}
