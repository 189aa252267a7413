package http1

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture records every parser event so tests can compare runs.
type capture struct {
	method, target, proto string
	headers               [][2]string
	framing               Framing
	headDone              bool
	body                  bytes.Buffer
	bodyChunks            int
	trailers              [][2]string
}

func newCapture() (*Parser, *capture) {
	c := &capture{}
	p := NewParser()
	p.OnRequestLine = func(method, target, proto string) error {
		c.method, c.target, c.proto = method, target, proto
		return nil
	}
	p.OnHeader = func(name, value string) error {
		c.headers = append(c.headers, [2]string{name, value})
		return nil
	}
	p.OnHeadComplete = func(f Framing) error {
		c.framing = f
		c.headDone = true
		return nil
	}
	p.OnBody = func(b []byte) error {
		c.bodyChunks++
		c.body.Write(b)
		return nil
	}
	p.OnTrailer = func(name, value string) error {
		c.trailers = append(c.trailers, [2]string{name, value})
		return nil
	}
	return p, c
}

func feedAll(t *testing.T, p *Parser, raw string) int {
	t.Helper()
	n, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	return n
}

func TestParser_SimpleGet(t *testing.T) {
	p, c := newCapture()
	n := feedAll(t, p, "GET /picture.png HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, p.Done())
	assert.Equal(t, len("GET /picture.png HTTP/1.1\r\nHost: x\r\n\r\n"), n)
	assert.Equal(t, "GET", c.method)
	assert.Equal(t, "/picture.png", c.target)
	assert.Equal(t, "HTTP/1.1", c.proto)
	assert.Equal(t, [][2]string{{"Host", "x"}}, c.headers)
	assert.Equal(t, BodyNone, c.framing.Kind)
	assert.Zero(t, c.bodyChunks)
}

func TestParser_FixedBody(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "POST /up HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	require.True(t, p.Done())
	assert.Equal(t, BodyFixed, c.framing.Kind)
	assert.EqualValues(t, 5, c.framing.ContentLength)
	assert.Equal(t, "hello", c.body.String())
}

func TestParser_ContentLengthZero(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
	require.True(t, p.Done())
	assert.Equal(t, BodyFixed, c.framing.Kind)
	assert.Zero(t, c.framing.ContentLength)
	assert.Zero(t, c.bodyChunks, "no body chunks may be delivered")
}

func TestParser_ChunkedBody(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n")
	require.True(t, p.Done())
	assert.Equal(t, BodyChunked, c.framing.Kind)
	assert.Equal(t, "hey!!", c.body.String())
}

func TestParser_ChunkedExtensionsAndTrailers(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"4;name=ext\r\nbody\r\n0\r\nChecksum: abc\r\n\r\n")
	require.True(t, p.Done())
	assert.Equal(t, "body", c.body.String())
	assert.Equal(t, [][2]string{{"Checksum", "abc"}}, c.trailers)
}

// Feeding a request one byte at a time must yield the same events as one
// slice.
func TestParser_IncrementalEquivalence(t *testing.T) {
	raws := []string{
		"GET / HTTP/1.1\r\nHost: a\r\nAccept: */*\r\n\r\n",
		"POST /u HTTP/1.1\r\nHost: a\r\nContent-Length: 11\r\n\r\nhello world",
		"POST /c HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5\r\nabcde\r\n1\r\nf\r\n0\r\nX-T: 1\r\n\r\n",
		"PUT /z HTTP/1.0\r\nHost: a\r\nContent-Length: 0\r\n\r\n",
	}
	for _, raw := range raws {
		whole, wc := newCapture()
		feedAll(t, whole, raw)
		require.True(t, whole.Done())

		single, sc := newCapture()
		for i := 0; i < len(raw); i++ {
			_, err := single.Feed([]byte{raw[i]})
			require.NoError(t, err, "byte %d of %q", i, raw)
		}
		require.True(t, single.Done())

		assert.Equal(t, wc.method, sc.method)
		assert.Equal(t, wc.target, sc.target)
		assert.Equal(t, wc.proto, sc.proto)
		assert.Equal(t, wc.headers, sc.headers)
		assert.Equal(t, wc.framing, sc.framing)
		assert.Equal(t, wc.body.String(), sc.body.String())
		assert.Equal(t, wc.trailers, sc.trailers)
	}
}

func TestParser_StopsAtComplete(t *testing.T) {
	p, _ := newCapture()
	first := "GET /1 HTTP/1.1\r\nHost: x\r\n\r\n"
	second := "GET /2 HTTP/1.1\r\nHost: x\r\n\r\n"
	n, err := p.Feed([]byte(first + second))
	require.NoError(t, err)
	require.True(t, p.Done())
	assert.Equal(t, len(first), n, "pipelined bytes must stay unconsumed")

	p.Reset()
	n2, err := p.Feed([]byte(second))
	require.NoError(t, err)
	require.True(t, p.Done())
	assert.Equal(t, len(second), n2)
}

func TestParser_LeadingCRLFTolerated(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, p.Done())
	assert.Equal(t, "GET", c.method)
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		status int
	}{
		{name: "malformed request line", raw: "GEThello\r\n", status: 400},
		{name: "bad method", raw: "G=T / HTTP/1.1\r\n", status: 400},
		{name: "bad protocol", raw: "GET / HTPP/1.1\r\n", status: 400},
		{name: "unsupported version", raw: "GET / HTTP/2.0\r\n", status: 505},
		{name: "missing colon", raw: "GET / HTTP/1.1\r\nHost x\r\n", status: 400},
		{name: "folded header", raw: "GET / HTTP/1.1\r\nHost: x\r\n cont\r\n", status: 400},
		{name: "space before colon", raw: "GET / HTTP/1.1\r\nHost : x\r\n", status: 400},
		{name: "bad content length", raw: "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", status: 400},
		{name: "negative content length", raw: "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", status: 400},
		{name: "conflicting content lengths", raw: "POST / HTTP/1.1\r\nContent-Length: 5, 6\r\n\r\n", status: 400},
		{name: "cl and te conflict", raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n", status: 400},
		{name: "unknown transfer encoding", raw: "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", status: 501},
		{name: "chunked on http10", raw: "POST / HTTP/1.0\r\nTransfer-Encoding: chunked\r\n\r\n", status: 400},
		{name: "bad chunk size", raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", status: 400},
		{name: "missing chunk crlf", raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nheyX", status: 400},
		{name: "nul in line", raw: "GET /\x00 HTTP/1.1\r\n", status: 400},
		{name: "stray cr", raw: "GET / HT\rTP/1.1\r\n", status: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newCapture()
			_, err := p.Feed([]byte(tt.raw))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want ParseError, got %T", err)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, StateError, p.State())

			// The parser is terminal: further bytes return the same error.
			_, err2 := p.Feed([]byte("x"))
			assert.Equal(t, err, err2)
		})
	}
}

func TestParser_LineLimit(t *testing.T) {
	p, _ := newCapture()
	p.MaxLineBytes = 16
	long := "GET /aaaaaaaaaaaaaaaaaaaaaaaaaaaaa HTTP/1.1\r\n"
	_, err := p.Feed([]byte(long))
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 413, pe.Status)
}

func TestParser_HeaderTotalLimit(t *testing.T) {
	p, _ := newCapture()
	p.MaxHeaderBytes = 40
	raw := "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\nD: 4\r\nE: 5\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 413, pe.Status)
}

func TestParser_Reset(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "GET /1 HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, p.Done())

	p.Reset()
	require.Equal(t, StateStart, p.State())
	c.headers = nil
	feedAll(t, p, "POST /2 HTTP/1.1\r\nContent-Length: 2\r\n\r\nok")
	require.True(t, p.Done())
	assert.Equal(t, "POST", c.method)
	assert.Equal(t, "ok", c.body.String())
}

func TestParser_BareLFTolerated(t *testing.T) {
	p, c := newCapture()
	feedAll(t, p, "GET / HTTP/1.1\nHost: x\n\n")
	require.True(t, p.Done())
	assert.Equal(t, "GET", c.method)
	assert.Equal(t, [][2]string{{"Host", "x"}}, c.headers)
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("Content-Type"))
	assert.True(t, ValidToken("GET"))
	assert.True(t, ValidToken("X-Custom_1.2"))
	assert.False(t, ValidToken(""))
	assert.False(t, ValidToken("Bad("))
	assert.False(t, ValidToken("with space"))
	assert.False(t, ValidToken("crlf\r\n"))
}

func TestValidFieldValue(t *testing.T) {
	assert.True(t, ValidFieldValue("text/plain; charset=utf-8"))
	assert.True(t, ValidFieldValue("tab\tseparated"))
	assert.True(t, ValidFieldValue(""))
	assert.False(t, ValidFieldValue("evil\r\nInjected: 1"))
	assert.False(t, ValidFieldValue("nul\x00"))
	assert.False(t, ValidFieldValue("del\x7f"))
}
