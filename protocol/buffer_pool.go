package protocol

import "sync"

// Tiered sync.Pool buffers for the large-message streamer's chunk reuse path.
// Chunk sizes come from the consumer controller's minChunkSize, which defaults to
// 64 KiB and so fits the medium tier; the large tier serves controllers built
// with a larger chunk size.

var mediumChunkPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 65536)
		return &b
	},
}

var largeChunkPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 262144)
		return &b
	},
}

// GetChunkBuffer returns a reusable byte slice with at least size capacity,
// zero length. Callers must return it via PutChunkBuffer once the chunk has
// been handed to the session callback's send path (requires_response=false
// is what makes this reuse safe — see LargeMessageStreamer).
func GetChunkBuffer(size int) *[]byte {
	var b *[]byte
	if size <= 65536 {
		b = mediumChunkPool.Get().(*[]byte)
	} else {
		b = largeChunkPool.Get().(*[]byte)
	}
	if cap(*b) < size {
		*b = make([]byte, 0, size)
	}
	*b = (*b)[:0]
	return b
}

// PutChunkBuffer returns a chunk buffer to its tiered pool.
func PutChunkBuffer(b *[]byte) {
	capacity := cap(*b)
	switch {
	case capacity <= 65536:
		mediumChunkPool.Put(b)
	case capacity <= 262144:
		largeChunkPool.Put(b)
	default:
		// oversized buffers are left for the GC rather than pooled
	}
}
