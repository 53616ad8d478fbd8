package proxy

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/procsi/procsid/internal/assert"
)

// bufferPoolMetrics tracks pool hit/miss counters, grounded on the same
// shape the teacher tracks for its event/buffer pools, narrowed to the one
// pool this package needs (body buffering around the upstream round trip).
type bufferPoolMetrics struct {
	Hits   uint64
	Misses uint64
}

var poolMetrics bufferPoolMetrics

// BufferPoolMetrics returns a snapshot of the body-buffer pool's hit/miss
// counters, exposed via the control server's status method.
func BufferPoolMetrics() (hits, misses uint64) {
	return atomic.LoadUint64(&poolMetrics.Hits), atomic.LoadUint64(&poolMetrics.Misses)
}

// maxPooledBufferSize bounds how large a buffer can be before it's
// discarded instead of returned to the pool, so one oversized body doesn't
// permanently inflate the pool's steady-state memory.
const maxPooledBufferSize = 1024 * 1024

var bufPool = sync.Pool{
	New: func() interface{} {
		atomic.AddUint64(&poolMetrics.Misses, 1)
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// getBuffer acquires a pre-allocated buffer for reading a request or
// response body. Always paired with putBuffer.
func getBuffer() *bytes.Buffer {
	if err := assert.Check(bufPool.New != nil, "bufPool.New must be defined"); err != nil {
		return bytes.NewBuffer(nil)
	}
	atomic.AddUint64(&poolMetrics.Hits, 1)
	return bufPool.Get().(*bytes.Buffer)
}

// putBuffer resets and returns b to the pool, unless it grew past
// maxPooledBufferSize (in which case it's left for the garbage collector).
func putBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if b.Cap() > maxPooledBufferSize {
		return
	}
	b.Reset()
	bufPool.Put(b)
}
