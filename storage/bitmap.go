package storage

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// AckBitmap tracks which sequence numbers in a queue have been
// acknowledged, the same role the teacher's segment_manager.ackBitmap
// plays for compaction: a durable queue implementation can intersect this
// against a segment's sequence range to decide whether the whole segment is
// safe to drop. queue.Ring uses one per ring to make SendToDeadLetterAddress
// idempotent per sequence and to bound its own bookkeeping in
// RecheckRefCount.
type AckBitmap struct {
	mu     sync.RWMutex
	bitmap *roaring.Bitmap
}

// NewAckBitmap builds an empty bitmap.
func NewAckBitmap() *AckBitmap {
	return &AckBitmap{bitmap: roaring.New()}
}

// Mark records seq as acknowledged.
func (b *AckBitmap) Mark(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitmap.Add(uint32(seq))
}

// IsAcked reports whether seq has been acknowledged.
func (b *AckBitmap) IsAcked(seq uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bitmap.Contains(uint32(seq))
}

// RangeAcked reports whether every sequence in [lo, hi] has been
// acknowledged, used to decide whether a contiguous block is safe to
// reclaim.
func (b *AckBitmap) RangeAcked(lo, hi uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for seq := lo; seq <= hi; seq++ {
		if !b.bitmap.Contains(uint32(seq)) {
			return false
		}
	}
	return true
}

// Count returns the number of acknowledged sequences currently tracked.
func (b *AckBitmap) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bitmap.GetCardinality()
}

// Clear drops acked entries below threshold once their segment has been
// reclaimed, keeping the bitmap from growing without bound.
func (b *AckBitmap) Clear(belowSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitmap.RemoveRange(0, uint64(belowSeq))
}
