package embhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embhttp/embhttp/internal/http1"
	"github.com/embhttp/embhttp/internal/obs"
)

// nonblockSlice is the deadline window used for the write and read
// attempts of the non-blocking dispatch modes. Long enough for the
// syscall to move available bytes, short enough not to stall the loop.
const nonblockSlice = 2 * time.Millisecond

const streamScratchSize = 16 << 10

// writePhase tracks the cursor through a queued response.
type writePhase uint8

const (
	wrHead writePhase = iota
	wrBody
	wrStream
	wrDone
)

// writeState is the one in-flight response of a connection. The cursor
// (phase, off) survives partial writes so transmission resumes exactly
// where the transport stopped.
type writeState struct {
	resp       *Response
	started    time.Time
	closeAfter bool
	suppress   bool
	chunked    bool

	head  []byte
	body  []byte
	phase writePhase
	off   int

	stream       io.Reader
	streamRemain int64 // declared bytes left to read; -1 when unsized
	staged       []byte
	streamEOF    bool
}

// conn carries the per-connection parse and write state. All methods are
// driven by exactly one goroutine at a time: the connection's own
// goroutine, the shared service loop, or the embedder's thread in
// external mode. Only teardown is safe to reach from elsewhere.
type conn struct {
	srv    *Server
	nc     net.Conn
	id     string
	remote string
	log    *slog.Logger
	meter  obs.Meter

	parser *http1.Parser

	// in holds bytes read from the transport but not yet consumed by the
	// parser. While a response is in flight, pipelined bytes accumulate
	// here and are not parsed until the response is fully written.
	in []byte

	// preWrite holds interim bytes (100 Continue) that go out ahead of
	// the queued response.
	preWrite      []byte
	preWriteStart time.Time
	wr            *writeState

	// request under assembly
	method   string
	target   string
	proto    string
	reqHdr   Header
	req      *Request
	sink     BodySink
	bodyBuf  []byte
	reqStart time.Time

	// headStart is the arrival time of the current request's first byte,
	// zero between requests. The head read budget is measured from it.
	headStart time.Time

	persistent bool
	reqs       int64
	lastActive time.Time

	// readGone notes a peer half-close: the read side returned EOF while
	// output was still queued, so the response is finished before the
	// connection is torn down.
	readGone bool

	// active flips on at the first request-line byte and off between
	// requests; Shutdown closes connections that are not active.
	active atomic.Bool

	streamScratch []byte

	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	started time.Time
}

func newConn(srv *Server, nc net.Conn) *conn {
	c := &conn{
		srv:        srv,
		nc:         nc,
		id:         uuid.NewString(),
		remote:     nc.RemoteAddr().String(),
		meter:      srv.meter(),
		parser:     http1.NewParser(),
		started:    time.Now(),
		lastActive: time.Now(),
	}
	c.log = srv.logger().With("conn", c.id, "remote", c.remote)
	c.parser.MaxLineBytes = srv.MaxLineBytes
	c.parser.MaxHeaderBytes = srv.MaxHeaderBytes
	c.parser.OnRequestLine = c.onRequestLine
	c.parser.OnHeader = c.onHeader
	c.parser.OnHeadComplete = c.onHeadComplete
	c.parser.OnBody = c.onBody
	c.ctx, c.cancel = context.WithCancel(WithConnID(context.Background(), c.id))
	return c
}

// serve is the connection loop for ModeConnGoroutine: read, parse,
// dispatch, write, repeat until the connection is done.
func (c *conn) serve() {
	defer c.teardown()
	buf := make([]byte, 16<<10)
	for {
		if !c.drainBlocking() {
			return
		}
		if len(c.in) > 0 {
			if !c.advance() {
				continue // synthesized response queued
			}
			if c.wr != nil || len(c.preWrite) > 0 {
				continue
			}
		}
		c.setReadDeadline()
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.meter.Counter(obs.BytesRead, float64(n))
			c.in = append(c.in, buf[:n]...)
			c.advance()
			continue
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// drainBlocking writes everything queued, blocking until done. It
// returns false when the connection is finished (write error, or the
// completed response demanded close).
func (c *conn) drainBlocking() bool {
	for len(c.preWrite) > 0 || c.wr != nil {
		c.setWriteDeadline()
		done, err := c.writeStep()
		if err != nil {
			c.log.Debug("write failed", "err", err)
			return false
		}
		if done {
			if !c.finishResponse() {
				return false
			}
		}
	}
	return true
}

// setReadDeadline picks the deadline for the next blocking read from the
// parser phase: idle between requests, header, then body. The header
// budget is anchored at the first byte of the request rather than at the
// latest read, so a drip-fed head cannot stretch it.
func (c *conn) setReadDeadline() {
	var d time.Duration
	anchor := time.Now()
	switch c.parser.State() {
	case http1.StateStart:
		d = c.srv.IdleTimeout
		if d <= 0 {
			d = c.srv.ReadTimeout
		}
	case http1.StateRequestLine, http1.StateHeaders:
		d = c.srv.ReadHeaderTimeout
		if d <= 0 {
			d = c.srv.ReadTimeout
		}
		if !c.headStart.IsZero() {
			anchor = c.headStart
		}
	default:
		d = c.srv.ReadTimeout
	}
	if d > 0 {
		_ = c.nc.SetReadDeadline(anchor.Add(d))
	} else {
		_ = c.nc.SetReadDeadline(time.Time{})
	}
}

// setWriteDeadline budgets WriteTimeout across the whole response,
// interim bytes included, so a drip-fed peer cannot stretch one response
// forever.
func (c *conn) setWriteDeadline() {
	d := c.srv.WriteTimeout
	if d <= 0 {
		_ = c.nc.SetWriteDeadline(time.Time{})
		return
	}
	dl := time.Now().Add(d)
	switch {
	case len(c.preWrite) > 0 && !c.preWriteStart.IsZero():
		dl = c.preWriteStart.Add(d)
	case c.wr != nil:
		dl = c.wr.started.Add(d)
	}
	_ = c.nc.SetWriteDeadline(dl)
}

// readFailed logs the end of the read side. A timeout or EOF between
// requests is the normal end of a persistent connection; mid-request it
// is worth a debug line. No response is synthesized: there is nothing to
// answer until a request has arrived in full.
func (c *conn) readFailed(err error) {
	if errors.Is(err, io.EOF) && c.parser.State() == http1.StateStart {
		return
	}
	c.log.Debug("read ended", "err", err, "state", c.parser.State().String())
}

// advance runs the parser over the buffered input. It stops as soon as a
// response is queued (the queue is depth one) or more bytes are needed.
// It returns false when a protocol or handler failure produced a
// synthesized response, true otherwise.
func (c *conn) advance() bool {
	for {
		if c.wr != nil || len(c.in) == 0 {
			return true
		}
		n, err := c.parser.Feed(c.in)
		c.in = c.in[n:]
		if c.headStart.IsZero() && c.parser.State() != http1.StateStart {
			c.headStart = time.Now()
		}
		if err != nil {
			c.failRequest(err)
			return false
		}
		if c.parser.Done() {
			c.dispatch()
			continue
		}
		if n == 0 {
			return true
		}
	}
}

// onRequestLine starts a fresh request.
func (c *conn) onRequestLine(method, target, proto string) error {
	c.reqStart = time.Now()
	c.lastActive = c.reqStart
	c.active.Store(true)
	c.method = method
	c.target = target
	c.proto = proto
	c.reqHdr.reset()
	c.bodyBuf = c.bodyBuf[:0]
	return nil
}

func (c *conn) onHeader(name, value string) error {
	c.reqHdr.addRaw(name, value)
	return nil
}

// onHeadComplete builds the Request, settles persistence and delivers
// the 100 Continue interim if the client asked for one.
func (c *conn) onHeadComplete(f http1.Framing) error {
	u, err := parseTarget(c.method, c.target)
	if err != nil {
		return &ProtocolError{Status: 400, Reason: "invalid request target"}
	}
	hosts := c.reqHdr.Values("Host")
	if len(hosts) > 1 {
		return &ProtocolError{Status: 400, Reason: "multiple Host headers"}
	}
	host := ""
	if len(hosts) == 1 {
		host = hosts[0]
	}
	if u.Host != "" {
		host = u.Host
	}
	if c.proto == "HTTP/1.1" && host == "" {
		return &ProtocolError{Status: 400, Reason: "missing Host header"}
	}

	c.persistent = c.proto == "HTTP/1.1"
	if c.reqHdr.connectionWants("close") {
		c.persistent = false
	} else if c.proto == "HTTP/1.0" && c.reqHdr.connectionWants("keep-alive") {
		c.persistent = true
	}

	length := int64(0)
	switch f.Kind {
	case http1.BodyFixed:
		length = f.ContentLength
	case http1.BodyChunked:
		length = -1
	}

	id := uuid.NewString()
	c.req = &Request{
		Method:        c.method,
		RequestURI:    c.target,
		URL:           u,
		Proto:         c.proto,
		Header:        &c.reqHdr,
		Host:          host,
		ContentLength: length,
		RemoteAddr:    c.remote,
		RequestID:     id,
		ctx:           WithRequestID(c.ctx, id),
	}
	c.meter.Counter(obs.Requests, 1)

	if s, ok := c.srv.handlerOrDefault().(BodySink); ok {
		c.sink = s
	} else if max := c.srv.maxBody(); max > 0 && length > max {
		return &ProtocolError{Status: 413, Reason: "request body too large", Err: ErrBodyTooLarge}
	}

	if f.Kind != http1.BodyNone && c.req.wantsContinue() {
		c.preWriteStart = time.Now()
		c.preWrite = http1.AppendContinue(c.preWrite)
	}
	return nil
}

// onBody hands a payload slice to the handler's sink, or buffers it.
func (c *conn) onBody(p []byte) error {
	c.lastActive = time.Now()
	if c.sink != nil {
		if err := c.safeBodyChunk(p); err != nil {
			return &HandlerError{Err: err}
		}
		return nil
	}
	if max := c.srv.maxBody(); max > 0 && int64(len(c.bodyBuf))+int64(len(p)) > max {
		return &ProtocolError{Status: 413, Reason: "request body too large", Err: ErrBodyTooLarge}
	}
	c.bodyBuf = append(c.bodyBuf, p...)
	return nil
}

func (c *conn) safeBodyChunk(p []byte) (err error) {
	defer func() {
		if v := recover(); v != nil {
			c.log.Error("handler panic", "panic", v, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return c.sink.BodyChunk(c.req, p)
}

// dispatch runs the handler for the completed request and queues its
// response.
func (c *conn) dispatch() {
	req := c.req
	if c.sink == nil {
		req.Body = c.bodyBuf
	}
	resp, err := c.callHandler(req)
	if err != nil {
		c.failRequest(&HandlerError{Err: err})
		return
	}
	if resp == nil {
		c.failRequest(&HandlerError{})
		return
	}
	c.queueResponse(resp, false)
}

func (c *conn) callHandler(req *Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			c.log.Error("handler panic", "panic", v, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("panic: %v", v)
		}
	}()
	return c.srv.handlerOrDefault().ServeRequest(req)
}

// failRequest answers a failed request with a synthesized response and
// marks the connection for close. A failure is never a silent drop: the
// peer always learns the fate of its request.
func (c *conn) failRequest(err error) {
	status := 500
	var parseErr *http1.ParseError
	var protoErr *ProtocolError
	var handlerErr *HandlerError
	switch {
	case errors.As(err, &parseErr):
		status = parseErr.Status
		c.meter.Counter(obs.ProtocolErrors, 1)
		c.log.Debug("protocol error", "err", err)
	case errors.As(err, &protoErr):
		status = protoErr.Status
		c.meter.Counter(obs.ProtocolErrors, 1)
		c.log.Debug("protocol error", "err", err)
	case errors.As(err, &handlerErr):
		c.meter.Counter(obs.HandlerErrors, 1)
		c.log.Error("handler failed", "err", err)
	default:
		c.log.Error("request failed", "err", err)
	}
	resp := NewResponse(status, errorPage(status))
	resp.header.addRaw("Content-Type", "text/html; charset=utf-8")
	c.queueResponse(resp, true)
}

// queueResponse seals resp, finalizes its framing headers, serializes
// the head and installs it as the connection's in-flight response.
func (c *conn) queueResponse(resp *Response, forceClose bool) {
	if !validStatus(resp.status) {
		c.log.Error("handler returned invalid status", "status", resp.status)
		resp.release()
		c.failRequest(&HandlerError{Err: fmt.Errorf("invalid status %d", resp.status)})
		return
	}
	resp.seal()

	proto := c.proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	w := &writeState{resp: resp, started: time.Now()}
	w.suppress = (c.req != nil && c.req.Method == "HEAD") || bodylessStatus(resp.status)
	w.closeAfter = forceClose || !c.persistent || resp.header.connectionWants("close")

	size := resp.bodyLen()
	if resp.src == bodyStream && size < 0 {
		if proto == "HTTP/1.1" {
			w.chunked = true
		} else {
			// HTTP/1.0 cannot frame an unsized body; it runs to close.
			w.closeAfter = true
		}
	}

	if size >= 0 && !bodylessStatus(resp.status) && !resp.header.Has("Content-Length") {
		resp.header.addRaw("Content-Length", strconv.FormatInt(size, 10))
	}
	if w.chunked && !resp.header.Has("Transfer-Encoding") {
		resp.header.addRaw("Transfer-Encoding", "chunked")
	}
	if w.closeAfter {
		if !resp.header.connectionWants("close") {
			resp.header.Del("Connection")
			resp.header.addRaw("Connection", "close")
		}
	} else if proto == "HTTP/1.0" {
		resp.header.Del("Connection")
		resp.header.addRaw("Connection", "keep-alive")
	}

	head := http1.AppendStatusLine(nil, proto, resp.status, "")
	head = resp.header.appendWire(head)
	w.head = http1.AppendBlankLine(head)

	if !w.suppress {
		if resp.src == bodyStream {
			w.stream = resp.stream
			w.streamRemain = size
		} else {
			w.body = resp.bodyBytes()
		}
	}
	c.wr = w
}

// writeStep performs one transport write against the queued output,
// interim bytes first. It reports done=true once the in-flight response
// has been fully handed to the transport.
func (c *conn) writeStep() (bool, error) {
	if len(c.preWrite) > 0 {
		n, err := c.nc.Write(c.preWrite)
		if n > 0 {
			c.meter.Counter(obs.BytesWritten, float64(n))
			c.preWrite = c.preWrite[n:]
			if len(c.preWrite) == 0 {
				c.preWrite = nil
				c.preWriteStart = time.Time{}
			}
		}
		return false, err
	}
	w := c.wr
	if w == nil {
		return false, nil
	}
	switch w.phase {
	case wrHead:
		n, err := c.nc.Write(w.head[w.off:])
		if n > 0 {
			c.meter.Counter(obs.BytesWritten, float64(n))
			w.off += n
		}
		if err != nil {
			return false, err
		}
		if w.off == len(w.head) {
			w.off = 0
			switch {
			case w.suppress:
				w.phase = wrDone
			case w.stream != nil:
				w.phase = wrStream
			case len(w.body) > 0:
				w.phase = wrBody
			default:
				w.phase = wrDone
			}
		}
	case wrBody:
		n, err := c.nc.Write(w.body[w.off:])
		if n > 0 {
			c.meter.Counter(obs.BytesWritten, float64(n))
			w.off += n
		}
		if err != nil {
			return false, err
		}
		if w.off == len(w.body) {
			w.off = 0
			w.phase = wrDone
		}
	case wrStream:
		if w.off == len(w.staged) {
			if w.streamEOF {
				w.phase = wrDone
				break
			}
			if err := c.stageStream(w); err != nil {
				return false, err
			}
			if w.off == len(w.staged) && w.streamEOF {
				w.phase = wrDone
				break
			}
		}
		n, err := c.nc.Write(w.staged[w.off:])
		if n > 0 {
			c.meter.Counter(obs.BytesWritten, float64(n))
			w.off += n
		}
		if err != nil {
			return false, err
		}
		if w.off == len(w.staged) && w.streamEOF {
			w.phase = wrDone
		}
	}
	return w.phase == wrDone, nil
}

// stageStream pulls the next slice from the body producer and encodes it
// into the staging buffer. A producer error aborts the connection: the
// head is already on the wire, so truncation is the only honest signal
// left. When the body length was declared up front, reads are capped at
// the declared size and an early EOF is a producer error too.
func (c *conn) stageStream(w *writeState) error {
	if c.streamScratch == nil {
		c.streamScratch = make([]byte, streamScratchSize)
	}
	w.staged = w.staged[:0]
	w.off = 0
	limit := len(c.streamScratch)
	if w.streamRemain >= 0 {
		if w.streamRemain == 0 {
			w.streamEOF = true
			return nil
		}
		if int64(limit) > w.streamRemain {
			limit = int(w.streamRemain)
		}
	}
	n, err := w.stream.Read(c.streamScratch[:limit])
	if n > 0 {
		if w.streamRemain >= 0 {
			w.streamRemain -= int64(n)
		}
		if w.chunked {
			w.staged = http1.AppendChunk(w.staged, c.streamScratch[:n])
		} else {
			w.staged = append(w.staged, c.streamScratch[:n]...)
		}
	}
	if err != nil {
		if err != io.EOF {
			c.log.Error("response stream failed", "err", err)
			return err
		}
		if w.streamRemain > 0 {
			c.log.Error("response stream ended short", "missing", w.streamRemain)
			return fmt.Errorf("embhttp: response stream ended %d bytes short", w.streamRemain)
		}
		w.streamEOF = true
		if w.chunked {
			w.staged = http1.AppendChunkEnd(w.staged)
		}
	}
	return nil
}

// finishResponse releases the transmitted response and resets per-request
// state for the next one. It returns false when the connection must
// close.
func (c *conn) finishResponse() bool {
	w := c.wr
	c.wr = nil
	status := w.resp.status
	w.resp.release()
	c.reqs++
	c.meter.Counter(obs.Responses, 1, obs.Label{Key: "class", Value: statusClass(status)})
	if !c.reqStart.IsZero() {
		c.meter.Histogram(obs.RequestSeconds, time.Since(c.reqStart).Seconds())
	}
	if c.req != nil {
		c.log.Debug("request served",
			"method", c.req.Method,
			"target", c.req.RequestURI,
			"status", status,
			"dur", time.Since(c.reqStart))
	}
	if w.closeAfter {
		return false
	}
	c.resetRequest()
	return true
}

// resetRequest clears parse and request state while keeping the buffered
// pipelined input intact.
func (c *conn) resetRequest() {
	c.parser.Reset()
	c.reqHdr.reset()
	c.bodyBuf = c.bodyBuf[:0]
	c.req = nil
	c.sink = nil
	c.method = ""
	c.target = ""
	c.headStart = time.Time{}
	c.lastActive = time.Now()
	c.active.Store(false)
}

// wantsWrite reports whether queued output remains.
func (c *conn) wantsWrite() bool { return c.wr != nil || len(c.preWrite) > 0 }

// tryFlush attempts to push queued output without blocking, using a
// short write deadline. done reports that no output remains; a deadline
// expiry is not an error, the rest goes out on a later attempt.
func (c *conn) tryFlush() (done bool, err error) {
	for c.wantsWrite() {
		_ = c.nc.SetWriteDeadline(time.Now().Add(nonblockSlice))
		finished, werr := c.writeStep()
		if finished {
			if !c.finishResponse() {
				return false, errConnDone
			}
			continue
		}
		if werr != nil {
			if errors.Is(werr, os.ErrDeadlineExceeded) {
				if d := c.srv.WriteTimeout; d > 0 {
					var start time.Time
					switch {
					case len(c.preWrite) > 0:
						start = c.preWriteStart
					case c.wr != nil:
						start = c.wr.started
					}
					if !start.IsZero() && time.Since(start) > d {
						return false, fmt.Errorf("embhttp: write timeout after %v", d)
					}
				}
				return false, nil
			}
			return false, werr
		}
	}
	return true, nil
}

// errConnDone signals an orderly close after a response that demanded it.
var errConnDone = errors.New("embhttp: connection done")

// idleExpired reports whether the connection has sat idle past the
// server's idle timeout.
func (c *conn) idleExpired(now time.Time) bool {
	d := c.srv.IdleTimeout
	if d <= 0 {
		return false
	}
	if c.wantsWrite() || c.parser.State() != http1.StateStart {
		return false
	}
	return now.Sub(c.lastActive) > d
}

// headExpired reports whether the connection has sat mid-head past the
// header read budget, measured from the request's first byte.
func (c *conn) headExpired(now time.Time) bool {
	d := c.srv.ReadHeaderTimeout
	if d <= 0 {
		d = c.srv.ReadTimeout
	}
	if d <= 0 || c.headStart.IsZero() {
		return false
	}
	switch c.parser.State() {
	case http1.StateRequestLine, http1.StateHeaders:
		return now.Sub(c.headStart) > d
	}
	return false
}

// teardown closes the transport and releases anything still held,
// exactly once.
func (c *conn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	if c.wr != nil {
		c.wr.resp.release()
		c.wr = nil
	}
	_ = c.nc.Close()
	c.meter.Counter(obs.ConnsClosed, 1)
	c.log.Debug("connection closed", "requests", c.reqs, "age", time.Since(c.started))
	c.srv.removeConn(c)
}

// parseTarget interprets the request target: origin form, absolute form,
// or the bare asterisk of server-wide OPTIONS.
func parseTarget(method, target string) (*url.URL, error) {
	if target == "*" {
		return &url.URL{Path: "*"}, nil
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return url.Parse(target)
	}
	if method == "CONNECT" {
		// Authority form; no tunneling support, but the target must
		// still parse so the handler can answer 501 or similar.
		return &url.URL{Host: target}, nil
	}
	return url.ParseRequestURI(target)
}

// errorPages holds the bodies for every status the engine synthesizes
// itself, rendered once so failure paths allocate nothing extra.
var errorPages = func() map[int][]byte {
	m := make(map[int][]byte, 6)
	for _, s := range []int{400, 404, 413, 500, 501, 505} {
		m[s] = renderErrorPage(s)
	}
	return m
}()

func errorPage(status int) []byte {
	if p, ok := errorPages[status]; ok {
		return p
	}
	return renderErrorPage(status)
}

func renderErrorPage(status int) []byte {
	t := StatusText(status)
	if t == "" {
		t = "Error"
	}
	return fmt.Appendf(nil, `<html>
<head><title>%d %s</title></head>
<body>
<center><h1>%d %s</h1></center>
<hr><center>embhttp</center>
</body>
</html>`, status, t, status, t)
}
