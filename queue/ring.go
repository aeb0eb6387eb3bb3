// Package queue provides the reference Queue implementation the delivery
// engine is exercised against: a disruptor-backed ring buffer standing in
// for "the queue" spec §6 treats as an external collaborator.
//
// Grounded directly on the teacher's storage.DisruptorStorage/QueueRing
// (github.com/smartystreets-prototypes/go-disruptor), narrowed from a
// full persistence-tier queue (WAL, segments, metadata store — out of
// scope per spec §1's Non-goals) down to the single responsibility this
// spec's Queue collaborator interface names: hold references in order,
// push them to attached consumers, and carry out cancel/ack/DLQ handoffs
// on their behalf.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	disruptor "github.com/smartystreets-prototypes/go-disruptor"

	"github.com/flowmq/flowmq/consumer"
	"github.com/flowmq/flowmq/protocol"
	"github.com/flowmq/flowmq/storage"
)

// DefaultCapacity mirrors the teacher's DefaultRingBufferSize order of
// magnitude, scaled down since this reference queue is not tuned for
// production throughput. Must be a power of two (disruptor requirement).
const DefaultCapacity = 4096

// ringMask is precomputed once per Ring since capacity is fixed at
// construction (spec's "power of 2 for fast modulo via bitwise AND").
type ringMask uint64

// Handler is the narrow slice of Controller the ring's delivery loop drives
// (spec §2 "the queue invokes handle(ref)... then calls proceedDeliver").
// *consumer.Controller satisfies this.
type Handler interface {
	Handle(ctx context.Context, ref protocol.MessageReference) consumer.Outcome
	ProceedDeliver(ref protocol.MessageReference) error
}

// ringConsumer implements disruptor.Consumer; in this reference queue the
// disruptor's own consumer-group callback is a no-op coordination point
// (pull-based delivery, exactly as the teacher's QueueConsumer.Consume
// comments describe) — the real dispatch happens in Ring.deliverLoop.
type ringConsumer struct{ ring *Ring }

func (rc *ringConsumer) Consume(lower, upper int64) {}

// DeadLetterSink is where Reject/expired-cancel hand references off to
// (spec §1 Non-goals: "dead-letter routing mechanics beyond hand the
// reference to a DLQ sink"). The storage package's badger-backed sink is
// the reference adapter.
type DeadLetterSink interface {
	Deliver(ref protocol.MessageReference, reason string) error
}

// MetricsSink receives dead-letter counts (spec §6, "Observable
// counters/gauges"). A nil sink disables reporting.
type MetricsSink interface {
	RecordDeadLettered()
}

// Ring is a single queue's disruptor-backed ring buffer plus the attached
// consumers competing for its references.
type Ring struct {
	name     string
	capacity uint64
	mask     uint64

	buf       []protocol.MessageReference
	writeSeq  atomic.Int64
	disruptor disruptor.Disruptor

	mu        sync.Mutex
	consumers map[protocol.ConsumerID]Handler
	cursor    int64 // last delivered sequence, protected by mu; -1 means none yet
	seqByID   map[string]int64 // messageID -> ring sequence, protected by mu

	deadLetter DeadLetterSink
	executor   *Executor
	metrics    atomic.Value // MetricsSink

	// ackBitmap tracks which ring sequences have already reached a terminal
	// disposition (acknowledged or dead-lettered), the same role the
	// teacher's segment_manager.ackBitmap plays for compaction: a durable
	// queue intersects it against a segment's sequence range to decide
	// whether the segment is safe to drop, and SendToDeadLetterAddress
	// consults it so a duplicate reject of the same sequence is a no-op.
	ackBitmap *storage.AckBitmap

	notify chan struct{}
	closed atomic.Bool
}

// SetMetricsSink attaches sink so future dead-letter deliveries report
// through it.
func (r *Ring) SetMetricsSink(sink MetricsSink) {
	r.metrics.Store(&sink)
}

func (r *Ring) metricsSink() MetricsSink {
	v, _ := r.metrics.Load().(*MetricsSink)
	if v == nil {
		return nil
	}
	return *v
}

// NewRing constructs a ring for a named queue with DefaultCapacity slots.
func NewRing(name string, deadLetter DeadLetterSink) *Ring {
	return NewRingWithCapacity(name, DefaultCapacity, deadLetter)
}

// NewRingWithCapacity constructs a ring with an explicit power-of-two
// capacity.
func NewRingWithCapacity(name string, capacity uint64, deadLetter DeadLetterSink) *Ring {
	r := &Ring{
		name:       name,
		capacity:   capacity,
		mask:       capacity - 1,
		buf:        make([]protocol.MessageReference, capacity),
		consumers:  make(map[protocol.ConsumerID]Handler),
		cursor:     -1,
		seqByID:    make(map[string]int64),
		deadLetter: deadLetter,
		executor:   NewExecutor(),
		notify:     make(chan struct{}, 1),
		ackBitmap:  storage.NewAckBitmap(),
	}
	r.writeSeq.Store(-1)
	rc := &ringConsumer{ring: r}
	r.disruptor = disruptor.New(
		disruptor.WithCapacity(int64(capacity)),
		disruptor.WithConsumerGroup(rc),
	)
	go r.disruptor.Read()
	go r.deliverLoop()
	return r
}

// Name implements consumer.Queue.
func (r *Ring) Name() string { return r.name }

// ConsumerCount implements consumer.Queue.
func (r *Ring) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// Push appends ref to the ring (the producer side no consumer.Queue method
// exposes — publish is outside this spec's scope, but the reference
// implementation needs an intake path to be exercised by tests).
func (r *Ring) Push(ref protocol.MessageReference) {
	seq := r.disruptor.Reserve(1)
	r.buf[uint64(seq)&r.mask] = ref
	r.mu.Lock()
	r.seqByID[ref.MessageID()] = seq
	r.mu.Unlock()
	r.disruptor.Commit(seq, seq)
	r.writeSeq.Store(seq)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// AddConsumer implements consumer.Queue. The handler is attached separately
// via Attach because the Queue interface only carries the id — Attach lets
// cmd/flowmq-server wire the concrete *consumer.Controller in.
func (r *Ring) AddConsumer(consumerID protocol.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.consumers[consumerID]; !exists {
		return fmt.Errorf("queue %s: consumer %s not attached (call Attach first)", r.name, consumerID)
	}
	return nil
}

// Attach registers h as the delivery target for consumerID.
func (r *Ring) Attach(consumerID protocol.ConsumerID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[consumerID] = h
}

// RemoveConsumer implements consumer.Queue.
func (r *Ring) RemoveConsumer(consumerID protocol.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, consumerID)
	return nil
}

// DeliverAsync implements consumer.Queue: nudges the delivery loop to make
// another pass without blocking the caller.
func (r *Ring) DeliverAsync(consumerID protocol.ConsumerID) {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// GetExecutor implements consumer.Queue.
func (r *Ring) GetExecutor() consumer.Executor { return r.executor }

// Cancel implements consumer.Queue (transaction.CancelExecutor-compatible
// shape via queueCancelExecutor in the consumer package). expire routes the
// reference to the dead-letter sink instead of leaving it for redelivery,
// matching Close's "cancel with expire=true" step (spec §4.2.2 step 5).
func (r *Ring) Cancel(tx protocol.Tx, ref protocol.MessageReference, expire bool) error {
	if expire && r.deadLetter != nil {
		return r.deadLetter.Deliver(ref, "expired-on-cancel")
	}
	r.Push(ref) // return to the tail for redelivery
	return nil
}

// CancelAt implements consumer.Queue's timestamped individual-cancel path.
func (r *Ring) CancelAt(ref protocol.MessageReference, timestampUnixNano int64) error {
	r.Push(ref)
	return nil
}

// Acknowledge implements consumer.Queue and transaction.AckExecutor: the
// reference has already been removed from the consumer's ledger by the
// caller, so this only marks the ring sequence acknowledged in ackBitmap
// (consulted by SendToDeadLetterAddress and RecheckRefCount).
func (r *Ring) Acknowledge(ref protocol.MessageReference, consumerID protocol.ConsumerID) error {
	r.markTerminal(ref)
	return nil
}

// SendToDeadLetterAddress implements consumer.Queue's Reject path. It is
// idempotent per ring sequence: a duplicate call for a sequence already
// marked terminal (acked or previously dead-lettered) is a no-op, matching
// the "already-forwarded" guarantee ackBitmap is meant to provide.
func (r *Ring) SendToDeadLetterAddress(ref protocol.MessageReference, reason string) error {
	if r.deadLetter == nil {
		return fmt.Errorf("queue %s: no dead-letter sink configured", r.name)
	}

	r.mu.Lock()
	seq, tracked := r.seqByID[ref.MessageID()]
	r.mu.Unlock()
	if tracked && r.ackBitmap.IsAcked(uint64(seq)) {
		return nil
	}

	if err := r.deadLetter.Deliver(ref, reason); err != nil {
		return err
	}
	r.markTerminal(ref)
	if sink := r.metricsSink(); sink != nil {
		sink.RecordDeadLettered()
	}
	return nil
}

// markTerminal records ref's ring sequence as acknowledged/forwarded in
// ackBitmap. The seqByID entry is kept so a later SendToDeadLetterAddress for
// the same reference still finds the sequence and sees it as terminal.
func (r *Ring) markTerminal(ref protocol.MessageReference) {
	r.mu.Lock()
	seq, tracked := r.seqByID[ref.MessageID()]
	r.mu.Unlock()
	if tracked {
		r.ackBitmap.Mark(uint64(seq))
	}
}

// AllowsReferenceCallback implements consumer.Queue.
func (r *Ring) AllowsReferenceCallback() bool { return true }

// ErrorProcessing implements consumer.Queue.
func (r *Ring) ErrorProcessing(ref protocol.MessageReference, err error) {}

// RecheckRefCount implements consumer.Queue. A real broker would evaluate
// auto-delete-when-unused here; this reference queue only uses the hook to
// bound ackBitmap's memory, dropping entries below the current delivery
// cursor now that they can no longer be double-forwarded.
func (r *Ring) RecheckRefCount() {
	r.mu.Lock()
	low := r.cursor
	r.mu.Unlock()
	if low > 0 {
		r.ackBitmap.Clear(uint64(low))
	}
}

// BrowserIterator implements consumer.Queue, returning a cursor starting
// at the ring's current tail.
func (r *Ring) BrowserIterator() (consumer.Iterator, error) {
	r.mu.Lock()
	start := r.cursor + 1
	r.mu.Unlock()
	return &ringIterator{ring: r, next: start}, nil
}

// Close stops the delivery loop and the underlying disruptor.
func (r *Ring) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.notify)
	return r.disruptor.Close()
}

// deliverLoop is "the queue's delivery loop" (spec §2): it walks
// uncommitted references in order and offers each to every attached
// consumer until one accepts it.
func (r *Ring) deliverLoop() {
	ctx := context.Background()
	for range r.notify {
		r.drainOnce(ctx)
	}
}

func (r *Ring) drainOnce(ctx context.Context) {
	for {
		r.mu.Lock()
		seq := r.cursor + 1
		if seq > r.writeSeq.Load() {
			r.mu.Unlock()
			return
		}
		ref := r.buf[uint64(seq)&r.mask]
		handlers := make([]Handler, 0, len(r.consumers))
		for _, h := range r.consumers {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()

		if ref == nil {
			r.advanceCursor(seq)
			continue
		}

		delivered := false
		for _, h := range handlers {
			switch h.Handle(ctx, ref) {
			case consumer.Handled:
				_ = h.ProceedDeliver(ref)
				delivered = true
			case consumer.Busy:
				continue
			case consumer.NoMatch:
				continue
			}
			if delivered {
				break
			}
		}
		if !delivered && len(handlers) == 0 {
			// No consumers attached yet; stop and wait for DeliverAsync.
			return
		}
		if !delivered {
			// Every attached consumer was Busy or NoMatch this pass; stop
			// and wait for the next prompt rather than spinning.
			return
		}
		r.advanceCursor(seq)
	}
}

func (r *Ring) advanceCursor(seq int64) {
	r.mu.Lock()
	if r.cursor == seq-1 {
		r.cursor = seq
	}
	r.mu.Unlock()
}

// ringIterator is the browse-only cursor consumer.Browser drains.
type ringIterator struct {
	ring *Ring
	next int64
}

func (it *ringIterator) Next() (protocol.MessageReference, bool) {
	it.ring.mu.Lock()
	defer it.ring.mu.Unlock()
	if it.next > it.ring.writeSeq.Load() {
		return nil, false
	}
	ref := it.ring.buf[uint64(it.next)&it.ring.mask]
	it.next++
	if ref == nil {
		return it.nextLocked()
	}
	return ref, true
}

// nextLocked skips a hole in the ring (a slot cleared by a prior delete)
// while still holding the ring's lock.
func (it *ringIterator) nextLocked() (protocol.MessageReference, bool) {
	for it.next <= it.ring.writeSeq.Load() {
		ref := it.ring.buf[uint64(it.next)&it.ring.mask]
		it.next++
		if ref != nil {
			return ref, true
		}
	}
	return nil, false
}

func (it *ringIterator) Close() {}
