package embhttp

import (
	"context"
	"net/url"
	"strings"
)

// Request is a parsed inbound request as delivered to a Handler.
//
// Header field order is preserved as received. ContentLength is -1 when
// the body length is not known up front (chunked framing). Body holds
// the complete buffered body unless the handler implements BodySink, in
// which case Body is nil and the payload arrived through BodyChunk calls.
// Body and Header alias connection-owned storage: they are valid for the
// duration of the handler call and must be copied if retained.
type Request struct {
	Method     string
	RequestURI string
	URL        *url.URL
	Proto      string
	Header     *Header
	Host       string

	ContentLength int64
	Body          []byte

	// RemoteAddr is the peer's network address.
	RemoteAddr string
	// RequestID is the engine-generated identifier for this request,
	// used in logs and available to handlers for correlation.
	RequestID string

	ctx context.Context
}

// Context returns the request's context. It is derived from the
// connection and is canceled when the connection is torn down.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// wantsContinue reports whether the client asked for a 100 Continue
// interim response before sending the body.
func (r *Request) wantsContinue() bool {
	if r.Proto != "HTTP/1.1" {
		return false
	}
	return strings.EqualFold(r.Header.Get("Expect"), "100-continue")
}
