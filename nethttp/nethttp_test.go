package nethttp_test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embhttp/embhttp"
	"github.com/embhttp/embhttp/nethttp"
)

func startEngine(t *testing.T, h embhttp.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &embhttp.Server{Handler: h}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })
	return "http://" + ln.Addr().String()
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	c := &http.Client{Transport: &http.Transport{}}
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func TestWrapChiRouter(t *testing.T) {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Served-By", "engine")
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/objects/{id}", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "object %s v=%s", chi.URLParam(req, "id"), req.URL.Query().Get("v"))
	})
	r.Post("/echo", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		body, _ := io.ReadAll(req.Body)
		_, _ = w.Write(body)
	})

	base := startEngine(t, nethttp.Wrap(r))
	c := newClient(t)

	res, err := c.Get(base + "/objects/42?v=7")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "object 42 v=7", string(body))
	assert.Equal(t, "engine", res.Header.Get("X-Served-By"))

	res, err = c.Post(base+"/echo", "text/plain", strings.NewReader("hello engine"))
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello engine", string(body))
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	res, err = c.Get(base + "/missing")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWrapCORSPreflight(t *testing.T) {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://example.com"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"X-Token"},
	}))
	r.Put("/objects/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	base := startEngine(t, nethttp.Wrap(r))
	c := newClient(t)

	preflight, err := http.NewRequest(http.MethodOptions, base+"/objects/1", nil)
	require.NoError(t, err)
	preflight.Header.Set("Origin", "http://example.com")
	preflight.Header.Set("Access-Control-Request-Method", "PUT")
	preflight.Header.Set("Access-Control-Request-Headers", "X-Token")

	res, err := c.Do(preflight)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "http://example.com", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "PUT", res.Header.Get("Access-Control-Allow-Methods"))

	put, err := http.NewRequest(http.MethodPut, base+"/objects/1", strings.NewReader("x"))
	require.NoError(t, err)
	put.Header.Set("Origin", "http://example.com")

	res, err = c.Do(put)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "http://example.com", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestWrapRequestMetadata(t *testing.T) {
	type seen struct {
		method, host, proto, uri string
		contentLength            int64
		body                     string
	}
	got := make(chan seen, 1)

	h := nethttp.WrapFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		got <- seen{
			method:        req.Method,
			host:          req.Host,
			proto:         req.Proto,
			uri:           req.RequestURI,
			contentLength: req.ContentLength,
			body:          string(body),
		}
		w.WriteHeader(http.StatusNoContent)
	})

	base := startEngine(t, h)
	c := newClient(t)

	// An opaque reader forces the client onto chunked framing.
	chunked := struct{ io.Reader }{strings.NewReader("stream me")}
	req, err := http.NewRequest(http.MethodPost, base+"/upload?part=1", chunked)
	require.NoError(t, err)

	res, err := c.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	s := <-got
	assert.Equal(t, "POST", s.method)
	assert.Equal(t, "HTTP/1.1", s.proto)
	assert.Equal(t, "/upload?part=1", s.uri)
	assert.NotEmpty(t, s.host)
	assert.Equal(t, "stream me", s.body)
	assert.Equal(t, int64(len("stream me")), s.contentLength)
}

func TestWrapFramingOwnedByEngine(t *testing.T) {
	h := nethttp.WrapFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", "999")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Header().Set("X-Custom", "yes")
		_, _ = io.WriteString(w, "abc")
	})

	base := startEngine(t, h)
	c := newClient(t)

	res, err := c.Get(base + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, "abc", string(body))
	assert.Equal(t, int64(3), res.ContentLength)
	assert.Empty(t, res.TransferEncoding)
	assert.Equal(t, "yes", res.Header.Get("X-Custom"))
}

func TestWrapConnectionClose(t *testing.T) {
	h := nethttp.WrapFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, "bye")
	})

	base := startEngine(t, h)
	c := newClient(t)

	res, err := c.Get(base + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, "bye", string(body))
	assert.True(t, res.Close)
}

func TestWrapInvalidHeaderValue(t *testing.T) {
	h := nethttp.WrapFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Bad", "a\x00b")
		_, _ = io.WriteString(w, "never sent")
	})

	base := startEngine(t, h)
	c := newClient(t)

	res, err := c.Get(base + "/")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestWrapDefaultStatus(t *testing.T) {
	h := nethttp.WrapFunc(func(w http.ResponseWriter, req *http.Request) {})

	base := startEngine(t, h)
	c := newClient(t)

	res, err := c.Get(base + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, int64(0), res.ContentLength)
}
