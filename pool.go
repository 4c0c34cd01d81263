package mqttloop

import (
	"sync"
	"sync/atomic"
)

const (
	minPooledCapacity = 64
	maxPooledCapacity = 65536
)

// Buffer pools for reducing allocations in hot paths.
var (
	// bytesPool recycles backing arrays of owned ByteBuffers. Descriptors
	// are never pooled so a stale pointer cannot release a recycled buffer.
	bytesPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, minPooledCapacity)
			return &b
		},
	}

	// outstandingByteBuffers counts owned buffers not yet released.
	outstandingByteBuffers atomic.Int64
)

// getBytes returns a pooled zero-length slice with at least the given capacity.
func getBytes(capacity int) []byte {
	p := bytesPool.Get().(*[]byte)
	b := (*p)[:0]
	if cap(b) < capacity {
		bytesPool.Put(p)
		return make([]byte, 0, capacity)
	}
	return b
}

// putBytes returns a backing array to the pool.
func putBytes(b []byte) {
	// Only pool if capacity is reasonable (64KB)
	if cap(b) < minPooledCapacity || cap(b) > maxPooledCapacity {
		return
	}
	b = b[:0]
	bytesPool.Put(&b)
}

// OutstandingByteBuffers returns the number of owned buffers that have been
// allocated and not yet released.
func OutstandingByteBuffers() int64 {
	return outstandingByteBuffers.Load()
}
