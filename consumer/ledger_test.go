package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq/protocol"
)

func newTestRef(id string) protocol.MessageReference {
	msg := &protocol.Message{ID: id, Address: "test.addr", Body: []byte("payload-" + id)}
	return protocol.NewReference(id, msg, "test.queue", nil, func(tx protocol.Tx, consumerID protocol.ConsumerID, ref *protocol.Reference) error {
		return nil
	})
}

func TestLedgerAppendAndPollFront(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))
	l.Append(newTestRef("b"))
	l.Append(newTestRef("c"))
	require.Equal(t, 3, l.Len())

	ref, ok := l.PollFront()
	require.True(t, ok)
	assert.Equal(t, "a", ref.MessageID())
	assert.Equal(t, 2, l.Len())
}

func TestLedgerPollFrontEmpty(t *testing.T) {
	l := NewLedger()
	_, ok := l.PollFront()
	assert.False(t, ok)
}

func TestLedgerPeekFrontDoesNotRemove(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))

	ref, ok := l.PeekFront()
	require.True(t, ok)
	assert.Equal(t, "a", ref.MessageID())
	assert.Equal(t, 1, l.Len())
}

func TestLedgerPushFrontReordersToHead(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))
	l.Append(newTestRef("b"))

	l.PushFront(newTestRef("z"))

	ref, ok := l.PollFront()
	require.True(t, ok)
	assert.Equal(t, "z", ref.MessageID())
}

func TestLedgerRemoveByID(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))
	l.Append(newTestRef("b"))
	l.Append(newTestRef("c"))

	ref, ok := l.RemoveByID("b")
	require.True(t, ok)
	assert.Equal(t, "b", ref.MessageID())
	assert.Equal(t, 2, l.Len())

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].MessageID())
	assert.Equal(t, "c", all[1].MessageID())
}

func TestLedgerRemoveByIDMissing(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))

	_, ok := l.RemoveByID("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestLedgerAllPreservesOrder(t *testing.T) {
	l := NewLedger()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		l.Append(newTestRef(id))
	}

	all := l.All()
	require.Len(t, all, len(ids))
	for i, ref := range all {
		assert.Equal(t, ids[i], ref.MessageID())
	}
}

func TestLedgerScanDeliveringReferencesCollectsRangeInclusive(t *testing.T) {
	l := NewLedger()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		l.Append(newTestRef(id))
	}

	startAt := func(target string) func(protocol.MessageReference) bool {
		return func(ref protocol.MessageReference) bool { return ref.MessageID() == target }
	}

	collected := l.ScanDeliveringReferences(startAt("b"), startAt("d"), false)
	require.Len(t, collected, 3)
	assert.Equal(t, "b", collected[0].MessageID())
	assert.Equal(t, "c", collected[1].MessageID())
	assert.Equal(t, "d", collected[2].MessageID())
	assert.Equal(t, 5, l.Len(), "remove=false leaves the ledger untouched")
}

func TestLedgerScanDeliveringReferencesRemoves(t *testing.T) {
	l := NewLedger()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		l.Append(newTestRef(id))
	}

	startAt := func(target string) func(protocol.MessageReference) bool {
		return func(ref protocol.MessageReference) bool { return ref.MessageID() == target }
	}

	collected := l.ScanDeliveringReferences(startAt("b"), startAt("d"), true)
	require.Len(t, collected, 3)
	assert.Equal(t, 2, l.Len(), "a and e remain")

	remaining := l.All()
	require.Len(t, remaining, 2)
	assert.Equal(t, "a", remaining[0].MessageID())
	assert.Equal(t, "e", remaining[1].MessageID())
}

func TestLedgerScanDeliveringReferencesNoMatch(t *testing.T) {
	l := NewLedger()
	l.Append(newTestRef("a"))

	never := func(protocol.MessageReference) bool { return false }
	collected := l.ScanDeliveringReferences(never, never, false)
	assert.Empty(t, collected)
}

func TestReferenceDeliveryCountRoundTrip(t *testing.T) {
	ref := newTestRef("a").(*protocol.Reference)

	assert.Equal(t, int32(0), ref.DeliveryCount())
	assert.Equal(t, int32(1), ref.IncrementDeliveryCount())
	assert.Equal(t, int32(2), ref.IncrementDeliveryCount())
	assert.Equal(t, int32(1), ref.DecrementDeliveryCount())
	assert.Equal(t, int32(0), ref.DecrementDeliveryCount())
	assert.Equal(t, int32(0), ref.DecrementDeliveryCount(), "does not go negative")
}

func TestReferenceHandledIdempotent(t *testing.T) {
	ref := newTestRef("a").(*protocol.Reference)
	assert.False(t, ref.IsHandled())
	ref.Handled()
	assert.True(t, ref.IsHandled())
	ref.Handled()
	assert.True(t, ref.IsHandled())
}
