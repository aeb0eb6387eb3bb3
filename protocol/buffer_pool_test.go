package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetChunkBufferReturnsAtLeastRequestedCapacity(t *testing.T) {
	b := GetChunkBuffer(1024)
	assert.GreaterOrEqual(t, cap(*b), 1024)
	assert.Len(t, *b, 0)
	PutChunkBuffer(b)
}

func TestGetChunkBufferGrowsBeyondTierDefault(t *testing.T) {
	b := GetChunkBuffer(300000) // larger than the large tier's 262144 default
	assert.GreaterOrEqual(t, cap(*b), 300000)
	PutChunkBuffer(b)
}

func TestChunkBufferRoundTripIsReusable(t *testing.T) {
	b := GetChunkBuffer(128)
	*b = append(*b, []byte("hello")...)
	PutChunkBuffer(b)

	b2 := GetChunkBuffer(128)
	assert.Len(t, *b2, 0, "a returned buffer must come back with zero length")
	PutChunkBuffer(b2)
}
