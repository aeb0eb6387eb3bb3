// Package management publishes the CONSUMER_CLOSED lifecycle event onto NATS for
// external management tooling to observe, grounded on the n2s example's
// nats.Client connection setup (github.com/nats-io/nats.go), adapted from a
// JetStream publisher down to the plain core-NATS publish this fire-and-
// forget notification needs (spec §4.2.2 step 7 names no delivery
// guarantee for CONSUMER_CLOSED beyond "publish it").
package management

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/flowmq/flowmq/consumer"
)

// ConsumerClosedSubject is the NATS subject CONSUMER_CLOSED events are
// published on.
const ConsumerClosedSubject = "flowmq.management.consumer_closed"

// Notifier implements consumer.Notifier over a NATS connection.
type Notifier struct {
	conn *nats.Conn
}

// Connect dials addr with the same reconnect posture the n2s example
// configures (bounded reconnect attempts, short timeouts — a stalled NATS
// server must never block a consumer's Close path).
func Connect(addr string) (*Notifier, error) {
	nc, err := nats.Connect(addr,
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", addr, err)
	}
	return &Notifier{conn: nc}, nil
}

// Wrap adapts an already-connected *nats.Conn.
func Wrap(conn *nats.Conn) *Notifier { return &Notifier{conn: conn} }

// consumerClosedWire is the cbor wire shape of consumer.ConsumerClosedEvent.
type consumerClosedWire struct {
	ConsumerID    string
	Address       string
	ClusterName   string
	RoutingName   string
	FilterString  string
	Distance      int
	ConsumerCount int
	User          string
	RemoteAddress string
	SessionName   string
	ClosedAt      time.Time
}

// NotifyConsumerClosed implements consumer.Notifier. Publish errors are
// swallowed — management notification is best-effort and must never fail
// Close.
func (n *Notifier) NotifyConsumerClosed(event consumer.ConsumerClosedEvent) {
	data, err := cbor.Marshal(toWire(event))
	if err != nil {
		return
	}
	_ = n.conn.Publish(ConsumerClosedSubject, data)
}

// toWire converts a consumer.ConsumerClosedEvent to its cbor wire shape,
// split out from NotifyConsumerClosed so the conversion is testable without
// a live NATS connection.
func toWire(event consumer.ConsumerClosedEvent) consumerClosedWire {
	return consumerClosedWire{
		ConsumerID:    string(event.ConsumerID),
		Address:       event.Address,
		ClusterName:   event.ClusterName,
		RoutingName:   event.RoutingName,
		FilterString:  event.FilterString,
		Distance:      event.Distance,
		ConsumerCount: event.ConsumerCount,
		User:          event.User,
		RemoteAddress: event.RemoteAddress,
		SessionName:   event.SessionName,
		ClosedAt:      time.Now(),
	}
}

// Close closes the underlying NATS connection without draining it.
func (n *Notifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
