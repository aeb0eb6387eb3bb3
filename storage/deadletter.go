package storage

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/flowmq/flowmq/protocol"
)

var deadLetterPrefix = []byte("dead_letter:")

// deadLetterEntry is the cbor-encoded record stored per rejected/expired
// reference. Body is copied out (rather than kept as a live *protocol.Message
// pointer) since the original reference is otherwise released back to the
// queue for reuse.
type deadLetterEntry struct {
	MessageID     string
	QueueName     string
	Address       string
	Body          []byte
	Reason        string
	DeliveryCount int32
	DeadLetteredAt time.Time
}

// BadgerDeadLetterSink implements queue.DeadLetterSink, persisting rejected
// or expired references to badger the same way the teacher's
// BadgerDurabilityStore persists recoverable messages, keyed here by a
// dead-letter-specific prefix instead of "message:".
type BadgerDeadLetterSink struct {
	db *badger.DB
}

// NewBadgerDeadLetterSink wraps an open badger.DB.
func NewBadgerDeadLetterSink(db *badger.DB) *BadgerDeadLetterSink {
	return &BadgerDeadLetterSink{db: db}
}

// Deliver implements queue.DeadLetterSink.
func (s *BadgerDeadLetterSink) Deliver(ref protocol.MessageReference, reason string) error {
	msg := ref.Message()
	entry := deadLetterEntry{
		MessageID:      ref.MessageID(),
		QueueName:      ref.QueueName(),
		Reason:         reason,
		DeliveryCount:  ref.DeliveryCount(),
		DeadLetteredAt: time.Now(),
	}
	if msg != nil {
		entry.Address = msg.Address
		entry.Body = msg.Body
	}

	data, err := cbor.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry for %s: %w", entry.MessageID, err)
	}

	key := append(append([]byte{}, deadLetterPrefix...), []byte(entry.QueueName+":"+entry.MessageID)...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// List returns all dead-lettered entries for queueName in badger key order,
// that is by message id; a message dead-lettered twice keeps only its latest
// entry.
func (s *BadgerDeadLetterSink) List(queueName string) ([]deadLetterEntry, error) {
	var entries []deadLetterEntry
	prefix := append(append([]byte{}, deadLetterPrefix...), []byte(queueName+":")...)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry deadLetterEntry
			if verr := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &entry)
			}); verr != nil {
				return verr
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}
