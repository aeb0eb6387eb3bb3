package protocol

import (
	"sync/atomic"
	"time"
)

// Tx is the minimal transaction handle a MessageReference needs to record an
// acknowledgement against. The transaction package's *transaction.Tx
// satisfies this.
type Tx interface {
	AddAckOperation(ref MessageReference, consumerID ConsumerID) error
}

// AckQueue is the narrow slice of Queue a reference needs to acknowledge
// itself directly — the PreAck path (spec §4.1, "invoke ref.queue().
// acknowledge(ref, consumer)").
type AckQueue interface {
	Acknowledge(ref MessageReference, consumerID ConsumerID) error
}

// MessageReference is the opaque reference a queue hands to the delivery
// engine (spec §3's "MessageReference (external type)"). It is safe for
// concurrent use by the queue's delivery workers and the consumer that holds
// it in its ledger.
type MessageReference interface {
	MessageID() string
	Message() *Message
	DeliveryCount() int32
	IncrementDeliveryCount() int32
	DecrementDeliveryCount() int32
	// Handled marks the reference as claimed by a consumer; idempotent calls
	// after the first are no-ops.
	Handled()
	QueueName() string
	// Queue returns the narrow ack-capable handle to the backing queue, used
	// by the PreAck path.
	Queue() AckQueue
	// Acknowledge records the acknowledgement against tx (or, if tx is nil,
	// immediately against the backing queue).
	Acknowledge(tx Tx, consumerID ConsumerID) error
	SetConsumerID(id ConsumerID)
	IsPaged() bool
}

// Reference is the reference implementation of MessageReference, backed by a
// plain struct with atomic delivery-count bookkeeping. The queue package's
// ring buffer issues these.
type Reference struct {
	id            string
	msg           *Message
	queueName     string
	queue         AckQueue
	deliveryCount atomic.Int32
	handled       atomic.Bool
	consumerID    atomic.Value // ConsumerID
	paged         bool
	enqueuedAt    time.Time

	ackFn func(tx Tx, consumerID ConsumerID, ref *Reference) error
}

// NewReference constructs a Reference for msg on queueName. ackFn is invoked
// by Acknowledge and is normally supplied by the owning queue; queue is
// returned from Queue() for the PreAck direct-acknowledge path.
func NewReference(id string, msg *Message, queueName string, queue AckQueue, ackFn func(tx Tx, consumerID ConsumerID, ref *Reference) error) *Reference {
	return &Reference{id: id, msg: msg, queueName: queueName, queue: queue, enqueuedAt: time.Now(), ackFn: ackFn}
}

func (r *Reference) MessageID() string { return r.id }
func (r *Reference) Message() *Message { return r.msg }

func (r *Reference) DeliveryCount() int32 { return r.deliveryCount.Load() }

func (r *Reference) IncrementDeliveryCount() int32 { return r.deliveryCount.Add(1) }

func (r *Reference) DecrementDeliveryCount() int32 {
	for {
		cur := r.deliveryCount.Load()
		if cur <= 0 {
			return cur
		}
		if r.deliveryCount.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (r *Reference) Handled() { r.handled.Store(true) }

func (r *Reference) IsHandled() bool { return r.handled.Load() }

func (r *Reference) QueueName() string { return r.queueName }

func (r *Reference) Queue() AckQueue { return r.queue }

func (r *Reference) SetConsumerID(id ConsumerID) { r.consumerID.Store(id) }

func (r *Reference) ConsumerID() ConsumerID {
	v := r.consumerID.Load()
	if v == nil {
		return ""
	}
	return v.(ConsumerID)
}

func (r *Reference) IsPaged() bool { return r.paged }

func (r *Reference) Acknowledge(tx Tx, consumerID ConsumerID) error {
	return r.ackFn(tx, consumerID, r)
}

// EnqueuedAt reports when the reference was created, for rate/age metrics.
func (r *Reference) EnqueuedAt() time.Time { return r.enqueuedAt }
