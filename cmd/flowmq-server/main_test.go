package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq/config"
	"github.com/flowmq/flowmq/consumer"
	"github.com/flowmq/flowmq/internal/obslog"
	"github.com/flowmq/flowmq/protocol"
)

type stubSessionCallback struct{}

func (stubSessionCallback) HasCredits(protocol.ConsumerID, protocol.MessageReference) bool { return true }
func (stubSessionCallback) IsWritable(context.Context) bool                                { return true }
func (stubSessionCallback) SendMessage(protocol.MessageReference, *protocol.Message, protocol.ConsumerID, int32) (int, error) {
	return 0, nil
}
func (stubSessionCallback) SendLargeMessage(protocol.MessageReference, *protocol.Message, protocol.ConsumerID, int64, int32) (int, error) {
	return 0, nil
}
func (stubSessionCallback) SendLargeMessageContinuation(protocol.ConsumerID, []byte, bool, bool) (int, error) {
	return 0, nil
}
func (stubSessionCallback) UpdateDeliveryCountAfterCancel(protocol.ConsumerID, protocol.MessageReference, bool) bool {
	return false
}
func (stubSessionCallback) AfterDelivery()                                {}
func (stubSessionCallback) Disconnect(protocol.ConsumerID, string)        {}
func (stubSessionCallback) BrowserFinished(protocol.ConsumerID)           {}
func (stubSessionCallback) SupportsDirectDelivery() bool                  { return false }

type stubNotifier struct{}

func (stubNotifier) NotifyConsumerClosed(consumer.ConsumerClosedEvent) {}

func newTestController(t *testing.T, e *engine, id protocol.ConsumerID) *consumer.Controller {
	t.Helper()
	logger, err := obslog.New("debug", "")
	require.NoError(t, err)
	identity := protocol.ConsumerIdentity{ConsumerID: id, Binding: protocol.QueueBinding{QueueName: "default"}}
	c := consumer.NewController(identity, e.ring, stubSessionCallback{}, stubNotifier{}, logger, 0)
	e.ring.Attach(id, c)
	require.NoError(t, e.ring.AddConsumer(id))
	return c
}

func TestBuildEngineDefaultsToMemoryBackedRing(t *testing.T) {
	cfg := config.Default()
	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, e.ring)
	assert.Nil(t, e.db, "memory backend should not open a badger handle")
	assert.Empty(t, e.consumers())
}

func TestAttachConsumerMakesItVisibleToConsumers(t *testing.T) {
	cfg := config.Default()
	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	c := newTestController(t, e, protocol.ConsumerID("c1"))
	e.AttachConsumer(c)

	got := e.consumers()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ConsumerID("c1"), got[0].Identity().ConsumerID)
}

func TestDetachConsumerRemovesIt(t *testing.T) {
	cfg := config.Default()
	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	c := newTestController(t, e, protocol.ConsumerID("c1"))
	e.AttachConsumer(c)
	e.DetachConsumer(protocol.ConsumerID("c1"))

	assert.Empty(t, e.consumers())
}

func TestBuildEngineWithBadgerBackendOpensDeliveryCountStore(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "badger"
	cfg.Storage.Path = t.TempDir()

	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, e.db)
	assert.NotNil(t, e.deliveryCounts)
}

func TestAttachConsumerWiresDeliveryCountStoreWhenBadgerBacked(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "badger"
	cfg.Storage.Path = t.TempDir()

	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	c := newTestController(t, e, protocol.ConsumerID("c1"))
	e.AttachConsumer(c)

	e.deliveryCounts.Persist("m1", 3)
	require.Eventually(t, func() bool {
		count, ok := e.deliveryCounts.Get("m1")
		return ok && count == 3
	}, 2*time.Second, 10*time.Millisecond, "persist runs on a background drain goroutine")
}

func TestCreateConsumerSkipsAuthWhenDisabled(t *testing.T) {
	cfg := config.Default()
	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	binding := protocol.QueueBinding{QueueName: "default", Address: "default"}
	c, err := e.CreateConsumer(protocol.ConsumerID("c1"), binding, "anyone", "", "10.0.0.1:1234", stubSessionCallback{}, mustLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "anyone", c.Identity().Username)
	assert.Len(t, e.consumers(), 1)
}

func TestCreateConsumerAuthenticatesAgainstCredentialsFile(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.CredentialsFile = t.TempDir() + "/auth.json"

	e, cleanup, err := buildEngine(cfg, mustLogger(t))
	require.NoError(t, err)
	defer cleanup()

	binding := protocol.QueueBinding{QueueName: "default", Address: "default"}

	c, err := e.CreateConsumer(protocol.ConsumerID("c1"), binding, "guest", "guest", "10.0.0.1:1234", stubSessionCallback{}, mustLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "guest", c.Identity().Username)
	assert.Equal(t, "10.0.0.1:1234", c.Identity().RemoteAddress)

	_, err = e.CreateConsumer(protocol.ConsumerID("c2"), binding, "guest", "wrong-password", "10.0.0.1:1234", stubSessionCallback{}, mustLogger(t))
	assert.Error(t, err)
}

func mustLogger(t *testing.T) *obslog.ZapLogger {
	t.Helper()
	l, err := obslog.New("debug", "")
	require.NoError(t, err)
	return l
}
