// Package http1 implements the wire-level HTTP/1.x codec: an incremental
// request parser and the response serialization helpers. It deals in raw
// bytes only; request/response object types live in the root package.
package http1

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the externally visible parser state.
type State uint8

const (
	// StateStart is the initial state; leading empty lines are tolerated.
	StateStart State = iota
	// StateRequestLine accumulates the request line up to CRLF.
	StateRequestLine
	// StateHeaders accumulates header lines until the blank line.
	StateHeaders
	// StateBody consumes a fixed-length or chunked message body.
	StateBody
	// StateComplete is terminal: one full request has been consumed and
	// Feed will not consume further bytes until Reset.
	StateComplete
	// StateError is terminal: the stream is unrecoverable.
	StateError
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// BodyKind classifies how the message body is framed on the wire.
type BodyKind uint8

const (
	BodyNone BodyKind = iota
	BodyFixed
	BodyChunked
)

// Framing is the body-framing decision made when the header section ends.
type Framing struct {
	Kind          BodyKind
	ContentLength int64 // valid when Kind == BodyFixed
}

// chunk sub-states while State == StateBody and framing is chunked.
type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailers
)

const (
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
)

// ParseError describes a protocol violation found in the inbound stream.
// Status is the HTTP status the connection should answer with before
// closing.
type ParseError struct {
	Status int
	Msg    string
}

func (e *ParseError) Error() string { return "http1: " + e.Msg }

func errBad(format string, args ...any) *ParseError {
	return &ParseError{Status: 400, Msg: fmt.Sprintf(format, args...)}
}

func errTooLarge(what string) *ParseError {
	return &ParseError{Status: 413, Msg: what + " exceeds configured limit"}
}

// Parser is an incremental HTTP/1.x request parser. Bytes are pushed in
// with Feed; structural events are surfaced through the callbacks. Feeding
// one byte at a time produces exactly the same events as feeding the whole
// request in one slice.
//
// Body payload slices passed to OnBody alias the Feed input and are only
// valid for the duration of the callback.
type Parser struct {
	OnRequestLine  func(method, target, proto string) error
	OnHeader       func(name, value string) error
	OnHeadComplete func(f Framing) error
	OnBody         func(p []byte) error
	OnTrailer      func(name, value string) error

	// MaxLineBytes bounds any single line (request line, header line,
	// chunk-size line, trailer line). MaxHeaderBytes bounds the total head
	// section and, separately, the total trailer section.
	MaxLineBytes   int
	MaxHeaderBytes int

	state   State
	line    []byte
	sawCR   bool
	skipped int // bytes of leading CRLF tolerated in StateStart

	headTotal    int
	trailerTotal int

	proto       string
	contentLen  int64 // -1 until a Content-Length header is accepted
	hasCL       bool
	hasChunked  bool
	framing     Framing
	bodyRemain  int64
	chunk       chunkState
	chunkRemain int64

	err error
}

// NewParser returns a parser with default limits.
func NewParser() *Parser {
	return &Parser{
		MaxLineBytes:   DefaultMaxLineBytes,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		contentLen:     -1,
	}
}

func (p *Parser) State() State { return p.state }

// Done reports whether a complete request has been consumed.
func (p *Parser) Done() bool { return p.state == StateComplete }

// Err returns the terminal error, if the parser is in StateError.
func (p *Parser) Err() error { return p.err }

// Reset re-arms the parser for the next request on the same connection.
// Limits and callbacks are retained.
func (p *Parser) Reset() {
	p.state = StateStart
	p.line = p.line[:0]
	p.sawCR = false
	p.skipped = 0
	p.headTotal = 0
	p.trailerTotal = 0
	p.proto = ""
	p.contentLen = -1
	p.hasCL = false
	p.hasChunked = false
	p.framing = Framing{}
	p.bodyRemain = 0
	p.chunk = chunkSize
	p.chunkRemain = 0
	p.err = nil
}

func (p *Parser) fail(err *ParseError) error {
	p.state = StateError
	p.err = err
	return err
}

func (p *Parser) maxLine() int {
	if p.MaxLineBytes > 0 {
		return p.MaxLineBytes
	}
	return DefaultMaxLineBytes
}

func (p *Parser) maxHead() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

// Feed consumes bytes from data and advances the state machine. It returns
// the number of bytes consumed; bytes past a completed request are never
// consumed, so pipelined requests stay in the caller's buffer. Once an
// error is returned the parser is terminal and Feed keeps returning it.
func (p *Parser) Feed(data []byte) (int, error) {
	if p.state == StateError {
		return 0, p.err
	}
	n := 0
	for n < len(data) {
		switch p.state {
		case StateStart, StateRequestLine, StateHeaders:
			used, err := p.feedLines(data[n:])
			n += used
			if err != nil {
				return n, err
			}
		case StateBody:
			used, err := p.feedBody(data[n:])
			n += used
			if err != nil {
				return n, err
			}
		case StateComplete:
			return n, nil
		case StateError:
			return n, p.err
		}
	}
	return n, nil
}

// feedLines drives the line-oriented states (start, request line, headers)
// and the line-oriented chunked sub-states are handled in feedBody.
func (p *Parser) feedLines(data []byte) (int, error) {
	for i := 0; i < len(data); i++ {
		c := data[i]
		if p.state == StateStart {
			// Tolerate a little leading CRLF noise before the request
			// line, bounded so a hostile peer cannot spin us forever.
			if c == '\r' || c == '\n' {
				p.skipped++
				if p.skipped > 8 {
					return i + 1, p.fail(errBad("garbage before request line"))
				}
				continue
			}
			p.state = StateRequestLine
		}
		line, ok, err := p.lineByte(c)
		if err != nil {
			return i + 1, err
		}
		if !ok {
			continue
		}
		switch p.state {
		case StateRequestLine:
			if err := p.gotRequestLine(line); err != nil {
				return i + 1, err
			}
		case StateHeaders:
			if err := p.gotHeaderLine(line); err != nil {
				return i + 1, err
			}
		}
		p.line = p.line[:0]
		if p.state != StateRequestLine && p.state != StateHeaders {
			return i + 1, nil
		}
	}
	return len(data), nil
}

// lineByte accumulates one byte of a CRLF-terminated line. It returns the
// finished line (without the terminator) when the LF arrives.
func (p *Parser) lineByte(c byte) ([]byte, bool, error) {
	if c == '\n' {
		// Bare LF is accepted as a lenient terminator, like common servers.
		p.sawCR = false
		return p.line, true, nil
	}
	if p.sawCR {
		// CR not followed by LF is never valid inside a line.
		return nil, false, p.fail(errBad("stray CR in line"))
	}
	if c == '\r' {
		p.sawCR = true
		return nil, false, nil
	}
	if c == 0 {
		return nil, false, p.fail(errBad("NUL byte in line"))
	}
	p.line = append(p.line, c)
	p.headTotal++
	if len(p.line) > p.maxLine() {
		return nil, false, p.fail(errTooLarge("line length"))
	}
	if p.headTotal > p.maxHead() {
		return nil, false, p.fail(errTooLarge("header section"))
	}
	return nil, false, nil
}

func (p *Parser) gotRequestLine(line []byte) error {
	if len(line) == 0 {
		return p.fail(errBad("empty request line"))
	}
	s := string(line)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 <= 0 {
		return p.fail(errBad("malformed request line"))
	}
	method := s[:sp1]
	rest := s[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return p.fail(errBad("malformed request line"))
	}
	target := rest[:sp2]
	proto := rest[sp2+1:]
	if !ValidToken(method) {
		return p.fail(errBad("invalid method %q", method))
	}
	if target == "" || strings.ContainsAny(target, " \t") {
		return p.fail(errBad("invalid request target"))
	}
	for i := 0; i < len(target); i++ {
		if target[i] < 0x21 || target[i] == 0x7f {
			return p.fail(errBad("control byte in request target"))
		}
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		if strings.HasPrefix(proto, "HTTP/") {
			return p.fail(&ParseError{Status: 505, Msg: "unsupported protocol " + proto})
		}
		return p.fail(errBad("malformed protocol %q", proto))
	}
	p.proto = proto
	p.state = StateHeaders
	if p.OnRequestLine != nil {
		if err := p.OnRequestLine(method, target, proto); err != nil {
			p.state = StateError
			p.err = err
			return err
		}
	}
	return nil
}

func (p *Parser) gotHeaderLine(line []byte) error {
	if len(line) == 0 {
		return p.endOfHeaders()
	}
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding: rejected rather than merged.
		return p.fail(errBad("folded header line"))
	}
	name, value, err := splitHeaderLine(line)
	if err != nil {
		p.state = StateError
		p.err = err
		return err
	}
	if err := p.noteFraming(name, value); err != nil {
		return err
	}
	if p.OnHeader != nil {
		if err := p.OnHeader(name, value); err != nil {
			p.state = StateError
			p.err = err
			return err
		}
	}
	return nil
}

// splitHeaderLine parses "Name: value", trimming optional whitespace around
// the value. The name must be a token with no whitespace before the colon.
func splitHeaderLine(line []byte) (string, string, error) {
	i := -1
	for j := 0; j < len(line); j++ {
		if line[j] == ':' {
			i = j
			break
		}
	}
	if i <= 0 {
		return "", "", errBad("header line without colon")
	}
	name := string(line[:i])
	if !ValidToken(name) {
		return "", "", errBad("invalid header name %q", name)
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	for j := 0; j < len(value); j++ {
		if c := value[j]; c < 0x20 && c != '\t' || c == 0x7f {
			return "", "", errBad("control byte in header value")
		}
	}
	return name, value, nil
}

// noteFraming records Content-Length and Transfer-Encoding as the header
// lines stream through, so the framing decision at end-of-headers is local.
func (p *Parser) noteFraming(name, value string) error {
	if strings.EqualFold(name, "Content-Length") {
		// A comma-joined list is accepted only when every element agrees,
		// otherwise this is a smuggling vector and the request dies.
		for _, part := range strings.Split(value, ",") {
			part = strings.Trim(part, " \t")
			n, ok := parseDecimal(part)
			if !ok {
				return p.fail(errBad("invalid Content-Length %q", value))
			}
			if p.hasCL && n != p.contentLen {
				return p.fail(errBad("conflicting Content-Length values"))
			}
			p.contentLen = n
			p.hasCL = true
		}
		return nil
	}
	if strings.EqualFold(name, "Transfer-Encoding") {
		if !strings.EqualFold(strings.Trim(value, " \t"), "chunked") {
			return p.fail(&ParseError{Status: 501, Msg: "unsupported transfer encoding " + strconv.Quote(value)})
		}
		if p.proto != "HTTP/1.1" {
			return p.fail(errBad("chunked transfer requires HTTP/1.1"))
		}
		p.hasChunked = true
	}
	return nil
}

// parseDecimal parses a strictly-decimal non-negative integer: digits only,
// no sign, no whitespace. strconv would accept "+5".
func parseDecimal(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func (p *Parser) endOfHeaders() error {
	switch {
	case p.hasCL && p.hasChunked:
		return p.fail(errBad("both Content-Length and Transfer-Encoding present"))
	case p.hasChunked:
		p.framing = Framing{Kind: BodyChunked}
		p.state = StateBody
		p.chunk = chunkSize
	case p.hasCL && p.contentLen > 0:
		p.framing = Framing{Kind: BodyFixed, ContentLength: p.contentLen}
		p.state = StateBody
		p.bodyRemain = p.contentLen
	case p.hasCL:
		// Content-Length: 0 completes with zero body chunks delivered.
		p.framing = Framing{Kind: BodyFixed, ContentLength: 0}
		p.state = StateComplete
	default:
		p.framing = Framing{Kind: BodyNone}
		p.state = StateComplete
	}
	if p.OnHeadComplete != nil {
		if err := p.OnHeadComplete(p.framing); err != nil {
			p.state = StateError
			p.err = err
			return err
		}
	}
	return nil
}

func (p *Parser) feedBody(data []byte) (int, error) {
	if p.framing.Kind == BodyFixed {
		return p.feedFixed(data)
	}
	return p.feedChunked(data)
}

func (p *Parser) feedFixed(data []byte) (int, error) {
	take := int64(len(data))
	if take > p.bodyRemain {
		take = p.bodyRemain
	}
	if take > 0 && p.OnBody != nil {
		if err := p.OnBody(data[:take]); err != nil {
			p.state = StateError
			p.err = err
			return int(take), err
		}
	}
	p.bodyRemain -= take
	if p.bodyRemain == 0 {
		p.state = StateComplete
	}
	return int(take), nil
}

func (p *Parser) feedChunked(data []byte) (int, error) {
	n := 0
	for n < len(data) {
		c := data[n]
		switch p.chunk {
		case chunkSize:
			n++
			line, ok, err := p.chunkLineByte(c)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			size, err := parseChunkSize(line)
			p.line = p.line[:0]
			if err != nil {
				p.state = StateError
				p.err = err
				return n, err
			}
			if size == 0 {
				p.chunk = chunkTrailers
				continue
			}
			p.chunkRemain = size
			p.chunk = chunkData
		case chunkData:
			take := int64(len(data) - n)
			if take > p.chunkRemain {
				take = p.chunkRemain
			}
			if p.OnBody != nil {
				if err := p.OnBody(data[n : n+int(take)]); err != nil {
					p.state = StateError
					p.err = err
					return n + int(take), err
				}
			}
			n += int(take)
			p.chunkRemain -= take
			if p.chunkRemain == 0 {
				p.chunk = chunkDataCR
			}
		case chunkDataCR:
			n++
			if c == '\r' {
				p.chunk = chunkDataLF
				continue
			}
			if c == '\n' { // lenient bare LF
				p.chunk = chunkSize
				continue
			}
			return n, p.fail(errBad("missing CRLF after chunk data"))
		case chunkDataLF:
			n++
			if c != '\n' {
				return n, p.fail(errBad("missing LF after chunk data"))
			}
			p.chunk = chunkSize
		case chunkTrailers:
			n++
			line, ok, err := p.trailerLineByte(c)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			if len(line) == 0 {
				p.line = p.line[:0]
				p.state = StateComplete
				return n, nil
			}
			name, value, err := splitHeaderLine(line)
			p.line = p.line[:0]
			if err != nil {
				p.state = StateError
				p.err = err
				return n, err
			}
			if p.OnTrailer != nil {
				if err := p.OnTrailer(name, value); err != nil {
					p.state = StateError
					p.err = err
					return n, err
				}
			}
		}
	}
	return n, nil
}

// chunkLineByte accumulates a chunk-size line; these are bounded by
// MaxLineBytes only, not by the head-section total.
func (p *Parser) chunkLineByte(c byte) ([]byte, bool, error) {
	if c == '\n' {
		p.sawCR = false
		return p.line, true, nil
	}
	if p.sawCR {
		return nil, false, p.fail(errBad("stray CR in chunk-size line"))
	}
	if c == '\r' {
		p.sawCR = true
		return nil, false, nil
	}
	p.line = append(p.line, c)
	if len(p.line) > p.maxLine() {
		return nil, false, p.fail(errTooLarge("chunk-size line"))
	}
	return nil, false, nil
}

func (p *Parser) trailerLineByte(c byte) ([]byte, bool, error) {
	if c == '\n' {
		p.sawCR = false
		return p.line, true, nil
	}
	if p.sawCR {
		return nil, false, p.fail(errBad("stray CR in trailer line"))
	}
	if c == '\r' {
		p.sawCR = true
		return nil, false, nil
	}
	if c == 0 {
		return nil, false, p.fail(errBad("NUL byte in trailer line"))
	}
	p.line = append(p.line, c)
	p.trailerTotal++
	if len(p.line) > p.maxLine() {
		return nil, false, p.fail(errTooLarge("trailer line"))
	}
	if p.trailerTotal > p.maxHead() {
		return nil, false, p.fail(errTooLarge("trailer section"))
	}
	return nil, false, nil
}

// parseChunkSize parses the hex chunk size, stripping any chunk extension
// after ';'.
func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t")
	if s == "" {
		return 0, errBad("empty chunk size")
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, errBad("invalid chunk size %q", s)
	}
	return n, nil
}
