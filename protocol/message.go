package protocol

import (
	"io"
	"sync/atomic"
	"time"
)

// RoutingType distinguishes point-to-point (anycast) queues from
// publish-subscribe (multicast) ones, used by the legacy-prefix address
// rewriting rule (spec §4.5).
type RoutingType uint8

const (
	RoutingAnycast RoutingType = iota
	RoutingMulticast
)

// QueueBinding is the immutable binding a consumer is attached to.
type QueueBinding struct {
	QueueName   string
	Address     string
	RoutingType RoutingType
	Durable     bool
	Internal    bool
}

// Filter vets a reference for delivery to a particular consumer (spec §4.1
// step 4.4). A nil Filter on a ConsumerIdentity means no filtering.
type Filter interface {
	Match(ref MessageReference) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(ref MessageReference) bool

func (f FilterFunc) Match(ref MessageReference) bool { return f(ref) }

// ConsumerIdentity is the immutable identity of a consumer, set once at
// construction (spec §3 "Consumer identity").
type ConsumerIdentity struct {
	ConsumerID                ConsumerID
	SequentialID              SequentialID
	SessionRef                string
	Binding                   QueueBinding
	Filter                    Filter
	Priority                  int
	BrowseOnly                bool
	PreAck                    bool
	StrictUpdateDeliveryCount bool
	SupportsLargeMessage      bool
	LegacyAddressing          bool
	CreatedAt                 time.Time

	// Username, RemoteAddress, ClusterName, and FilterString carry the
	// identity of the remote client, cluster node, and selector this
	// consumer was created with, used to populate the CONSUMER_CLOSED
	// notification (spec §4.2.2 step 7, §6). Username is resolved by an
	// authenticator (see package auth) before the identity is built.
	// ClusterName defaults to a single-node placeholder since clustering is
	// a Non-goal; Distance is always 0 for the same reason.
	Username      string
	RemoteAddress string
	ClusterName   string
	FilterString  string
}

// ForcedDeliveryMessageProperty is the distinguished header key a forced-
// delivery probe carries its sequence number under (spec §4.2.1).
const ForcedDeliveryMessageProperty = "flowmq.forced_delivery_sequence"

// LargeBodyReader is the resource backing a large message's body. It must be
// opened exactly once per message and closed exactly once.
type LargeBodyReader interface {
	io.Reader
	io.Closer
	// Size returns the total body size in bytes.
	Size() int64
}

// Message is the handle a MessageReference exposes for the payload itself.
type Message struct {
	ID        string
	Address   string
	Body      []byte
	Large     bool
	Durable   bool
	Headers   map[string]any
	CreatedAt time.Time

	usageCount atomic.Int32
	largeSize  int64

	// OpenBody, when Large is true, opens a fresh LargeBodyReader for the
	// message body. Ordinary (non-large) messages carry their full body in
	// Body and OpenBody is nil.
	OpenBody func() (LargeBodyReader, error)
}

// NewLargeMessage constructs a Message whose body is not resident in memory;
// totalSize is reported via Size() until a streamer opens the reader.
func NewLargeMessage(id, address string, totalSize int64, open func() (LargeBodyReader, error)) *Message {
	return &Message{ID: id, Address: address, Large: true, largeSize: totalSize, OpenBody: open, CreatedAt: time.Now()}
}

// Size returns the message's payload size in bytes.
func (m *Message) Size() int64 {
	if m.Large {
		return m.largeSize
	}
	return int64(len(m.Body))
}

// IncrementUsage marks the message as referenced by one more active streamer
// or pending send; DecrementUsage releases it. Mirrors the teacher's queue-side
// message usage counting so shared messages (e.g. fanout) aren't freed early.
func (m *Message) IncrementUsage() { m.usageCount.Add(1) }
func (m *Message) DecrementUsage() int32 { return m.usageCount.Add(-1) }

// AcceptsConsumer reports whether the message is still eligible for delivery.
// The reference message type never rejects a consumer; seqID is accepted
// only to satisfy callers that may back it with an exclusivity check later.
func (m *Message) AcceptsConsumer(seqID SequentialID) bool {
	return true
}
