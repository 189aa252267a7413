package embhttp

import "io"

type bodySource uint8

const (
	bodyStatic bodySource = iota
	bodyOwned
	bodyStream
)

// Response is a reply under construction. A handler builds one with
// NewResponse, NewBufferResponse or NewStreamResponse, decorates it with
// headers, and returns it; the connection then owns it. After the engine
// has queued a Response its headers are sealed and mutators return
// ErrResponseSealed.
//
// A Response is not safe for concurrent use.
type Response struct {
	status int
	header Header

	src    bodySource
	static []byte
	owned  *Buffer
	stream io.Reader
	size   int64

	sealed   bool
	released bool
}

// NewResponse builds a response whose body is a caller-owned byte slice.
// The engine only reads body; the caller must keep it unchanged until the
// response has been transmitted. body may be nil for an empty body.
func NewResponse(status int, body []byte) *Response {
	return &Response{status: status, src: bodyStatic, static: body, size: int64(len(body))}
}

// NewBufferResponse builds a response from a pooled Buffer. Ownership of
// buf transfers to the engine, which returns it to the pool exactly once
// after transmission or connection teardown. The caller must not use buf
// after this call.
func NewBufferResponse(status int, buf *Buffer) *Response {
	buf.handoff()
	return &Response{status: status, src: bodyOwned, owned: buf, size: int64(buf.Len())}
}

// NewStreamResponse builds a response whose body is produced by r. If
// size is >= 0 it is sent as the Content-Length and exactly size bytes
// are read from r. If size is negative the length is unknown: the body is
// sent with chunked framing on HTTP/1.1, or delimited by connection close
// on HTTP/1.0. If r implements io.Closer it is closed exactly once when
// the engine is done with it.
func NewStreamResponse(status int, r io.Reader, size int64) *Response {
	return &Response{status: status, src: bodyStream, stream: r, size: size}
}

// Status returns the response status code.
func (r *Response) Status() int { return r.status }

// AddHeader appends a header field, preserving insertion order and any
// fields already present under the same name.
func (r *Response) AddHeader(name, value string) error {
	if r.sealed {
		return ErrResponseSealed
	}
	return r.header.Add(name, value)
}

// SetHeader replaces all fields named name with a single one.
func (r *Response) SetHeader(name, value string) error {
	if r.sealed {
		return ErrResponseSealed
	}
	return r.header.Set(name, value)
}

// HeaderValue returns the first value set under name, or "".
func (r *Response) HeaderValue(name string) string { return r.header.Get(name) }

// Discard releases a response that was built but never returned to the
// engine, freeing its body source. It panics if the response was already
// queued on a connection; the engine releases queued responses itself.
func (r *Response) Discard() {
	if r.sealed {
		panic("embhttp: Discard of a queued Response")
	}
	r.release()
}

// bodyLen returns the body size in bytes, or -1 if unknown.
func (r *Response) bodyLen() int64 {
	switch r.src {
	case bodyStream:
		return r.size
	case bodyOwned:
		return int64(r.owned.Len())
	default:
		return int64(len(r.static))
	}
}

// bodyBytes returns the in-memory body, or nil for a stream source.
func (r *Response) bodyBytes() []byte {
	switch r.src {
	case bodyOwned:
		return r.owned.Bytes()
	case bodyStatic:
		return r.static
	default:
		return nil
	}
}

// seal freezes the header set. Called when the connection queues the
// response.
func (r *Response) seal() { r.sealed = true }

// release frees the body source. Safe to call more than once; the
// underlying source is freed exactly once.
func (r *Response) release() {
	if r.released {
		return
	}
	r.released = true
	if r.owned != nil {
		r.owned.put()
		r.owned = nil
	}
	if c, ok := r.stream.(io.Closer); ok {
		c.Close()
	}
	r.stream = nil
}
