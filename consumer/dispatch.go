package consumer

import (
	"context"

	"github.com/flowmq/flowmq/protocol"
)

// Outcome is the result of Handle (spec §4.1, C4).
type Outcome int

const (
	Handled Outcome = iota
	Busy
	NoMatch
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Busy:
		return "busy"
	case NoMatch:
		return "no_match"
	default:
		return "unknown"
	}
}

// Handle is invoked by the queue's delivery loop, potentially from arbitrary
// queue-worker goroutines (spec §4.1). The decision order short-circuits on
// the first match, cheapest/lock-free checks first, so the hot path never
// contends the consumer lock when it doesn't have to.
//
// Grounded on the teacher's broker.notifyQueueConsumers/drainQueuedMessages
// prefetch gate, generalized from a bare prefetch count to the fuller
// credit/writability/plugin/filter chain spec §4.1 names.
func (c *Controller) Handle(ctx context.Context, ref protocol.MessageReference) Outcome {
	if !c.credit.TryReserve() {
		return Busy
	}
	if !c.callback.HasCredits(c.identity.ConsumerID, ref) {
		return Busy
	}
	for _, p := range c.plugins {
		if !p.CanAccept(c.identity.ConsumerID, ref) {
			return NoMatch
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.callback.IsWritable(ctx) || !c.started || c.transferring {
		return Busy
	}
	if c.streamer != nil {
		if !c.streamer.finished.Load() {
			return Busy
		}
		c.streamer = nil
	}
	if !ref.Message().AcceptsConsumer(c.identity.SequentialID) {
		return NoMatch
	}
	if c.identity.Filter != nil && !c.identity.Filter.Match(ref) {
		return NoMatch
	}

	c.acceptLocked(ref)
	return Handled
}

// acceptLocked performs the accept-path side effects named in spec §4.1. The
// consumer lock is held by the caller.
func (c *Controller) acceptLocked(ref protocol.MessageReference) {
	for _, p := range c.plugins {
		p.BeforeDeliver(c.identity.ConsumerID, ref)
	}

	if !c.identity.BrowseOnly && !c.identity.PreAck {
		c.ledger.Append(ref)
	}
	ref.Handled()
	ref.SetConsumerID(c.identity.ConsumerID)
	ref.IncrementDeliveryCount()

	if c.identity.StrictUpdateDeliveryCount && c.shouldPersistDeliveryCount(ref) && c.deliveryCounts != nil {
		c.deliveryCounts.Persist(ref.MessageID(), ref.DeliveryCount())
	}

	msg := ref.Message()
	if msg.Large && c.identity.SupportsLargeMessage {
		// Open Question (spec §9): a second streamer observed here would be a
		// hard invariant violation, not a silent-reconstruct case.
		if c.streamer != nil {
			panic("consumer: large-message streamer already active on accept path")
		}
		c.streamer = NewStreamer(ref, c.identity.ConsumerID, c.minChunkSize, c.callback, c.credit, c.queue.GetExecutor(), c.log, c.pending)
	}

	if c.identity.PreAck {
		if err := ref.Queue().Acknowledge(ref, c.identity.ConsumerID); err != nil && c.log != nil {
			c.log.Warn("preack: acknowledge failed", F("consumer_id", c.identity.ConsumerID), F("message_id", ref.MessageID()), F("error", err))
		} else {
			c.recordAck(1)
		}
	}

	c.pending.inc()
	for _, p := range c.plugins {
		p.AfterDeliver(c.identity.ConsumerID, ref)
	}
}

// shouldPersistDeliveryCount implements the four-way AND spec §4.1 names for
// the strict-update-delivery-count instruction to the storage layer.
func (c *Controller) shouldPersistDeliveryCount(ref protocol.MessageReference) bool {
	msg := ref.Message()
	return msg.Durable && c.identity.Binding.Durable && !c.identity.Binding.Internal && !ref.IsPaged()
}

// ProceedDeliver emits the accepted reference on the wire, either as a
// standard message (Controller.callback.SendMessage) or by launching the
// large-message streamer's first step (spec §2 "control flow").
// AfterDelivery is called unconditionally, matching spec §6's "hook invoked
// unconditionally after each proceed_deliver".
func (c *Controller) ProceedDeliver(ref protocol.MessageReference) error {
	defer c.callback.AfterDelivery()

	c.mu.Lock()
	streamer := c.streamer
	c.mu.Unlock()

	// The streamer's own Deliver call releases the pending-delivery latch
	// itself (and re-acquires it for every further chunk it schedules), so
	// this path must not also decrement — see Streamer.Deliver.
	if streamer != nil {
		done, err := streamer.Deliver(func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return !c.started
		})
		if done {
			c.mu.Lock()
			if c.streamer == streamer {
				c.streamer = nil
			}
			c.mu.Unlock()
		}
		return err
	}

	defer c.pending.dec()
	msg := ref.Message()
	msg.Address = c.rewriteLegacyAddress(msg.Address)
	n, err := c.callback.SendMessage(ref, msg, c.identity.ConsumerID, ref.DeliveryCount())
	if err != nil {
		return err
	}
	c.credit.Consume(int64(n))
	return nil
}

// rewriteLegacyAddress implements spec §4.5: a consumer created by an older
// client has its outgoing addresses prefixed with "jms.queue." (anycast) or
// "jms.topic." (multicast), idempotently.
func (c *Controller) rewriteLegacyAddress(address string) string {
	if !c.identity.LegacyAddressing {
		return address
	}
	prefix := "jms.topic."
	if c.identity.Binding.RoutingType == protocol.RoutingAnycast {
		prefix = "jms.queue."
	}
	if len(address) >= len(prefix) && address[:len(prefix)] == prefix {
		return address
	}
	return prefix + address
}

// Filter and FilterFunc are aliases of the protocol package's types so
// callers outside protocol don't need a second import to build one.
type Filter = protocol.Filter
type FilterFunc = protocol.FilterFunc
