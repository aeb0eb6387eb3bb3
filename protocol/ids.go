package protocol

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// ConsumerID identifies a consumer within a session. It is a client-or-session
// supplied string (an AMQP consumer tag, an MQTT subscription id, ...); when the
// session adapter needs to mint one itself, NewConsumerID produces a UUIDv4.
type ConsumerID string

// NewConsumerID mints a fresh random consumer id, replacing the ad-hoc
// crypto/rand+fmt.Sprintf scheme the broker used for queue/consumer names.
func NewConsumerID() ConsumerID {
	return ConsumerID(uuid.NewString())
}

// SequentialID is the monotonic, time-sortable id the storage layer issues to
// every consumer on registration (spec §3's "SequentialId issued by the storage
// layer"). xid ids are 12 bytes, sortable by creation time, and URL-safe.
type SequentialID string

// NewSequentialID mints a fresh sequential id.
func NewSequentialID() SequentialID {
	return SequentialID(xid.New().String())
}
