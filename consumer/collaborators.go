// Package consumer implements the per-consumer delivery engine: the
// component that pulls message references from a queue, enforces credit-based
// flow control, tracks in-flight deliveries, streams large messages in
// chunks, and drives the acknowledge/cancel/reject/close lifecycle.
package consumer

import (
	"context"

	"github.com/flowmq/flowmq/protocol"
)

// Logger is the narrow structured-logging interface the controller depends
// on, adapted from the teacher's interfaces.Logger so this package never
// imports zap directly. internal/obslog supplies the zap-backed adapter.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is a single structured logging key/value pair.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

// SessionCallback is the wire adapter the controller sends through (spec §6).
// It is supplied by whatever owns the remote connection (a protocol front end,
// or — for the reference wiring in this module — the in-process harness used
// by tests and cmd/flowmq-server).
type SessionCallback interface {
	HasCredits(consumerID protocol.ConsumerID, ref protocol.MessageReference) bool
	IsWritable(ctx context.Context) bool
	SendMessage(ref protocol.MessageReference, msg *protocol.Message, consumerID protocol.ConsumerID, deliveryCount int32) (int, error)
	SendLargeMessage(ref protocol.MessageReference, msg *protocol.Message, consumerID protocol.ConsumerID, totalSize int64, deliveryCount int32) (int, error)
	SendLargeMessageContinuation(consumerID protocol.ConsumerID, body []byte, hasMore bool, requiresResponse bool) (int, error)
	UpdateDeliveryCountAfterCancel(consumerID protocol.ConsumerID, ref protocol.MessageReference, failed bool) bool
	AfterDelivery()
	Disconnect(consumerID protocol.ConsumerID, queueName string)
	BrowserFinished(consumerID protocol.ConsumerID)
	SupportsDirectDelivery() bool
}

// Queue is the collaborator the controller calls back into (spec §6). The
// queue package's Ring is the reference implementation.
type Queue interface {
	AddConsumer(consumerID protocol.ConsumerID) error
	RemoveConsumer(consumerID protocol.ConsumerID) error
	BrowserIterator() (Iterator, error)
	// DeliverAsync requests the queue resume pushing references to this
	// consumer (a "prompt"); it must not block.
	DeliverAsync(consumerID protocol.ConsumerID)
	GetExecutor() Executor
	Cancel(tx protocol.Tx, ref protocol.MessageReference, expire bool) error
	CancelAt(ref protocol.MessageReference, timestampUnixNano int64) error
	Acknowledge(ref protocol.MessageReference, consumerID protocol.ConsumerID) error
	SendToDeadLetterAddress(ref protocol.MessageReference, reason string) error
	AllowsReferenceCallback() bool
	ErrorProcessing(ref protocol.MessageReference, err error)
	RecheckRefCount()
	Name() string
	// ConsumerCount reports how many consumers are currently attached,
	// surfaced in the CONSUMER_CLOSED notification (spec §4.2.2 step 7).
	ConsumerCount() int
}

// Iterator is a browse-only cursor over a queue's references.
type Iterator interface {
	// Next returns the next reference, or ok=false when exhausted.
	Next() (ref protocol.MessageReference, ok bool)
	Close()
}

// Executor is the single-writer task queue a queue exposes for large-message
// continuations and forced-delivery probes (spec §4.2.1, §5). The queue
// package's semaphore-bounded implementation is the reference adapter.
type Executor interface {
	Submit(task func())
}

// Plugin is invoked at the extension points named in spec §6.
type Plugin interface {
	CanAccept(consumerID protocol.ConsumerID, ref protocol.MessageReference) bool
	BeforeDeliver(consumerID protocol.ConsumerID, ref protocol.MessageReference)
	AfterDeliver(consumerID protocol.ConsumerID, ref protocol.MessageReference)
	BeforeCloseConsumer(consumerID protocol.ConsumerID, failed bool)
	AfterCloseConsumer(consumerID protocol.ConsumerID, failed bool)
}

// DeliveryCountStore persists the redelivery count for durable messages when
// StrictUpdateDeliveryCount is set (spec §4.1's four-way AND condition). The
// storage package's badger-backed store is the reference adapter.
type DeliveryCountStore interface {
	Persist(messageID string, deliveryCount int32)
}

// Notifier publishes the management events the controller raises (currently
// just CONSUMER_CLOSED, spec §4.2.2 step 7). The management package's
// NATS-backed implementation is the reference adapter.
type Notifier interface {
	NotifyConsumerClosed(event ConsumerClosedEvent)
}

// ConsumerClosedEvent carries the properties spec §4.2.2 names.
type ConsumerClosedEvent struct {
	ConsumerID    protocol.ConsumerID
	Address       string
	ClusterName   string
	RoutingName   string
	FilterString  string
	Distance      int
	ConsumerCount int
	User          string
	RemoteAddress string
	SessionName   string
}
