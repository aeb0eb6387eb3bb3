// Package storage holds the badger-backed persistence adapters the delivery
// engine's collaborator interfaces are defined against: a delivery-count
// store for durable redelivery tracking, and a dead-letter sink for
// rejected/expired references. Grounded on the teacher's
// storage.BadgerDurabilityStore (db.Update/db.View over a *badger.DB,
// cbor for the wire format instead of the teacher's encoding/json).
package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

var deliveryCountPrefix = []byte("delivery_count:")

// BadgerDeliveryCountStore implements consumer.DeliveryCountStore by
// persisting each message's redelivery count in badger, keyed by message
// id. Persist is called from the dispatch hot path (spec §4.1's
// StrictUpdateDeliveryCount branch) so writes are fire-and-forget onto a
// background goroutine rather than blocking the caller on an fsync.
type BadgerDeliveryCountStore struct {
	db     *badger.DB
	writes chan deliveryCountWrite
	done   chan struct{}
}

type deliveryCountWrite struct {
	messageID     string
	deliveryCount int32
}

// NewBadgerDeliveryCountStore wraps an open badger.DB.
func NewBadgerDeliveryCountStore(db *badger.DB) *BadgerDeliveryCountStore {
	s := &BadgerDeliveryCountStore{
		db:     db,
		writes: make(chan deliveryCountWrite, 1024),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Persist implements consumer.DeliveryCountStore.
func (s *BadgerDeliveryCountStore) Persist(messageID string, deliveryCount int32) {
	select {
	case s.writes <- deliveryCountWrite{messageID: messageID, deliveryCount: deliveryCount}:
	case <-s.done:
	}
}

func (s *BadgerDeliveryCountStore) drain() {
	for w := range s.writes {
		_ = s.persistNow(w.messageID, w.deliveryCount)
	}
}

func (s *BadgerDeliveryCountStore) persistNow(messageID string, deliveryCount int32) error {
	data, err := cbor.Marshal(deliveryCount)
	if err != nil {
		return fmt.Errorf("marshal delivery count for %s: %w", messageID, err)
	}
	key := append(append([]byte{}, deliveryCountPrefix...), []byte(messageID)...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Get returns the persisted delivery count for messageID, or (0, false) if
// none was ever recorded.
func (s *BadgerDeliveryCountStore) Get(messageID string) (int32, bool) {
	key := append(append([]byte{}, deliveryCountPrefix...), []byte(messageID)...)
	var count int32
	found := false
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if err := cbor.Unmarshal(val, &count); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return count, found
}

// Close stops the drain goroutine.
func (s *BadgerDeliveryCountStore) Close() {
	close(s.done)
	close(s.writes)
}
