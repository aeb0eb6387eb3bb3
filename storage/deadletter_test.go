package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq/protocol"
)

func newDeadLetterTestRef(id, queueName string, body []byte) protocol.MessageReference {
	msg := &protocol.Message{ID: id, Address: queueName, Body: body}
	return protocol.NewReference(id, msg, queueName, nil, func(protocol.Tx, protocol.ConsumerID, *protocol.Reference) error { return nil })
}

func TestBadgerDeadLetterSinkDeliverAndList(t *testing.T) {
	db := openTestDB(t)
	sink := NewBadgerDeadLetterSink(db)

	ref := newDeadLetterTestRef("m1", "orders", []byte("payload"))
	ref.IncrementDeliveryCount()
	ref.IncrementDeliveryCount()

	require.NoError(t, sink.Deliver(ref, "max-redeliveries-exceeded"))

	entries, err := sink.List("orders")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].MessageID)
	assert.Equal(t, "orders", entries[0].Address)
	assert.Equal(t, []byte("payload"), entries[0].Body)
	assert.Equal(t, "max-redeliveries-exceeded", entries[0].Reason)
	assert.Equal(t, int32(2), entries[0].DeliveryCount)
}

func TestBadgerDeadLetterSinkListIsolatesByQueue(t *testing.T) {
	db := openTestDB(t)
	sink := NewBadgerDeadLetterSink(db)

	require.NoError(t, sink.Deliver(newDeadLetterTestRef("a", "orders", nil), "rejected"))
	require.NoError(t, sink.Deliver(newDeadLetterTestRef("b", "events", nil), "rejected"))

	entries, err := sink.List("orders")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].MessageID)
}

func TestBadgerDeadLetterSinkListEmptyQueueReturnsNoEntries(t *testing.T) {
	db := openTestDB(t)
	sink := NewBadgerDeadLetterSink(db)

	entries, err := sink.List("nothing-here")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
