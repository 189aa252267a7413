package http1

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendStatusLine(t *testing.T) {
	got := AppendStatusLine(nil, "HTTP/1.1", 200, "")
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", string(got))

	got = AppendStatusLine(nil, "HTTP/1.0", 404, "")
	assert.Equal(t, "HTTP/1.0 404 Not Found\r\n", string(got))

	got = AppendStatusLine(nil, "HTTP/1.1", 299, "Custom")
	assert.Equal(t, "HTTP/1.1 299 Custom\r\n", string(got))
}

func TestAppendChunk(t *testing.T) {
	var b []byte
	b = AppendChunk(b, []byte("hey"))
	b = AppendChunk(b, nil)
	b = AppendChunk(b, []byte("!!"))
	b = AppendChunkEnd(b)
	assert.Equal(t, "3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n", string(b))
}

func TestAppendContinue(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", string(AppendContinue(nil)))
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "OK", ReasonPhrase(200))
	assert.Equal(t, "Content Too Large", ReasonPhrase(413))
	assert.Equal(t, "", ReasonPhrase(299))
}
