// Package nethttp runs standard net/http handlers on an embhttp server.
//
// Wrap converts an http.Handler into an embhttp.Handler: each request is
// translated into an *http.Request, the handler's output is captured in a
// pooled buffer, and the result comes back as an ordinary engine response.
// Routers and middleware written for net/http (chi, cors, ...) work
// unchanged.
//
// The bridge buffers the whole response before the engine writes any of
// it, so handlers that depend on incremental flushing (server-sent
// events, long polling) will not stream; use the engine API directly for
// those.
package nethttp

import (
	"bytes"
	"io"
	"net/http"
	"sort"

	"github.com/embhttp/embhttp"
)

// Wrap adapts h to the engine's handler contract.
func Wrap(h http.Handler) embhttp.Handler {
	return embhttp.HandlerFunc(func(req *embhttp.Request) (*embhttp.Response, error) {
		rec := &recorder{header: make(http.Header), buf: embhttp.GetBuffer()}
		defer func() {
			// A panicking handler never reaches response(), so the
			// buffer is still ours to return.
			if v := recover(); v != nil {
				rec.buf.Release()
				panic(v)
			}
		}()
		h.ServeHTTP(rec, toStdRequest(req))
		return rec.response()
	})
}

// WrapFunc adapts a plain handler function.
func WrapFunc(fn func(http.ResponseWriter, *http.Request)) embhttp.Handler {
	return Wrap(http.HandlerFunc(fn))
}

// toStdRequest builds the net/http view of an engine request. The body is
// served from the engine's buffered copy, which stays valid only until
// the handler returns; a wrapped handler must not hold on to it.
func toStdRequest(req *embhttp.Request) *http.Request {
	hdr := make(http.Header, req.Header.Len())
	req.Header.VisitAll(func(name, value string) {
		hdr.Add(name, value)
	})
	// net/http promotes Host out of the header map.
	hdr.Del("Host")

	var body io.ReadCloser = http.NoBody
	if len(req.Body) > 0 {
		body = io.NopCloser(bytes.NewReader(req.Body))
	}

	cl := req.ContentLength
	if cl < 0 {
		// Chunked uploads arrive fully decoded.
		cl = int64(len(req.Body))
	}

	minor := 1
	if req.Proto == "HTTP/1.0" {
		minor = 0
	}

	std := &http.Request{
		Method:        req.Method,
		URL:           req.URL,
		Proto:         req.Proto,
		ProtoMajor:    1,
		ProtoMinor:    minor,
		Header:        hdr,
		Body:          body,
		ContentLength: cl,
		Host:          req.Host,
		RequestURI:    req.RequestURI,
		RemoteAddr:    req.RemoteAddr,
	}
	return std.WithContext(req.Context())
}

// recorder is the ResponseWriter handed to wrapped handlers. Output
// accumulates in a pooled buffer that the resulting response takes over.
type recorder struct {
	header      http.Header
	buf         *embhttp.Buffer
	status      int
	wroteHeader bool
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.buf.Write(p)
}

func (r *recorder) WriteString(s string) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.buf.WriteString(s)
}

// Flush is a no-op; the engine writes the response after the handler
// returns.
func (r *recorder) Flush() {}

// response converts the recorded output into an engine response. Framing
// headers are dropped (the engine computes its own); everything else is
// copied in sorted key order.
func (r *recorder) response() (*embhttp.Response, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	resp := embhttp.NewBufferResponse(r.status, r.buf)

	keys := make([]string, 0, len(r.header))
	for name := range r.header {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	for _, name := range keys {
		if name == "Content-Length" || name == "Transfer-Encoding" {
			continue
		}
		for _, v := range r.header[name] {
			if err := resp.AddHeader(name, v); err != nil {
				resp.Discard()
				return nil, err
			}
		}
	}
	return resp, nil
}
