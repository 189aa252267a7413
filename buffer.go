package embhttp

import (
	"sync"
	"sync/atomic"
)

// Buffer is a pooled byte buffer for response bodies. A handler leases one
// with GetBuffer, fills it, and hands it to NewBufferResponse, at which
// point ownership moves to the engine: the engine returns it to the pool
// after the response is transmitted or the connection is torn down. A
// Buffer that was never handed off must be returned with Release.
//
// Each Buffer is returned to the pool exactly once. Releasing twice, or
// releasing after handoff, panics.
type Buffer struct {
	b        []byte
	released bool
	engine   bool
}

var bufferPool = sync.Pool{
	New: func() any { return &Buffer{b: make([]byte, 0, 1024)} },
}

var (
	buffersLeased   atomic.Int64
	buffersReleased atomic.Int64
)

// GetBuffer leases an empty Buffer from the pool.
func GetBuffer() *Buffer {
	buffersLeased.Add(1)
	b := bufferPool.Get().(*Buffer)
	b.released = false
	return b
}

// BufferStats reports how many buffers have been leased from and returned
// to the pool since process start. A quiesced engine has leased == released.
func BufferStats() (leased, released int64) {
	return buffersLeased.Load(), buffersReleased.Load()
}

// Write appends p, growing the buffer as needed. It never fails; the
// error is to satisfy io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	b.b = append(b.b, s...)
	return len(s), nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// Bytes returns the accumulated bytes. The slice is valid until the
// Buffer is released.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Reset empties the buffer without returning it to the pool.
func (b *Buffer) Reset() { b.b = b.b[:0] }

// Release returns the Buffer to the pool. The caller must not touch it
// afterwards. Release panics if the Buffer was already released or its
// ownership was transferred to the engine.
func (b *Buffer) Release() {
	if b.engine {
		panic("embhttp: Buffer released after handoff to a Response")
	}
	b.put()
}

// handoff marks the buffer engine-owned. Called by NewBufferResponse.
func (b *Buffer) handoff() {
	if b.released {
		panic("embhttp: released Buffer handed to a Response")
	}
	if b.engine {
		panic("embhttp: Buffer handed to two Responses")
	}
	b.engine = true
}

// put is the engine-side return to the pool.
func (b *Buffer) put() {
	if b.released {
		panic("embhttp: Buffer released twice")
	}
	b.released = true
	b.engine = false
	buffersReleased.Add(1)
	b.b = b.b[:0]
	bufferPool.Put(b)
}
