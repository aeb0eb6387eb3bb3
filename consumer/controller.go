package consumer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmq/flowmq/errs"
	"github.com/flowmq/flowmq/protocol"
	"github.com/flowmq/flowmq/transaction"
	"golang.org/x/sync/singleflight"
)

const (
	flushTimeout    = 30 * time.Second
	transferTimeout = 10 * time.Second
	defaultMinChunk = 64 * 1024
)

// MetricsSink receives forced-delivery counts (spec §6, "Observable
// counters/gauges"). A nil sink disables reporting. Implementations that
// also satisfy transaction.MetricsSink get forwarded to the controller's
// transaction manager by SetMetricsSink.
type MetricsSink interface {
	RecordForcedDelivery()
}

// Controller is the consumer controller (spec §4.2, C5): the component
// shared by a queue's delivery workers, the owning session's command
// goroutine, and the remote-I/O writability callback. It exclusively owns
// the ledger, credit meter, and any active large-message streamer.
//
// Grounded on the teacher's protocol.QueueActor for the "one owner mutates
// this state" shape, generalized from a channel-driven actor to a
// mutex-guarded struct because the spec's concurrency model names a single
// lock, not an inbox (spec §5).
type Controller struct {
	identity protocol.ConsumerIdentity

	mu           sync.Mutex // the consumer lock (spec §5)
	started      bool
	transferring bool
	streamer     *Streamer

	ledger  *Ledger
	credit  *CreditMeter
	browser *Browser

	queue          Queue
	callback       SessionCallback
	plugins        []Plugin
	notifier       Notifier
	log            Logger
	deliveryCounts DeliveryCountStore

	pending     *pendingLatch
	closed      atomic.Bool
	closeSF     singleflight.Group
	txManager   *transaction.Manager
	metricsSink atomic.Value // MetricsSink

	minChunkSize int64

	acks            atomic.Uint64
	rateWindowStart atomic.Int64
	rateWindowAcks  atomic.Uint64
	lastRate        atomic.Value // float64

	// lingering is set by MarkLingering (spec §4.2.2 step 6). Close does not
	// set it and does not register the consumer with the session.
	lingering atomic.Bool
}

// NewController constructs a controller for the given identity, wired to its
// collaborators. minChunkSize defaults to 64KiB if zero.
func NewController(identity protocol.ConsumerIdentity, queue Queue, callback SessionCallback, notifier Notifier, log Logger, minChunkSize int64, plugins ...Plugin) *Controller {
	if minChunkSize <= 0 {
		minChunkSize = defaultMinChunk
	}
	c := &Controller{
		identity:     identity,
		ledger:       NewLedger(),
		credit:       NewCreditMeter(identity.PreAck || identity.BrowseOnly),
		queue:        queue,
		callback:     callback,
		plugins:      plugins,
		notifier:     notifier,
		log:          log,
		pending:      newPendingLatch(),
		minChunkSize: minChunkSize,
		started:      identity.BrowseOnly, // browse-only consumers skip Stopped
		txManager:    transaction.NewManager(),
	}
	c.lastRate.Store(float64(0))
	c.rateWindowStart.Store(time.Now().UnixNano())
	return c
}

// WithBrowser wires the cursor-based traversal for a BrowseOnly consumer
// (spec §4.4, C6). Close detaches by closing this cursor instead of calling
// queue.RemoveConsumer.
func (c *Controller) WithBrowser(browser *Browser) *Controller {
	c.browser = browser
	return c
}

// WithDeliveryCountStore wires the storage-layer collaborator used by the
// strict-update-delivery-count path (spec §4.1). Optional — nil means the
// persistence step is skipped even if StrictUpdateDeliveryCount is set.
func (c *Controller) WithDeliveryCountStore(store DeliveryCountStore) *Controller {
	c.deliveryCounts = store
	return c
}

// Identity returns the consumer's immutable identity.
func (c *Controller) Identity() protocol.ConsumerIdentity { return c.identity }

// IsClosed reports whether Close has completed.
func (c *Controller) IsClosed() bool { return c.closed.Load() }

// Start transitions the consumer to Running and prompts the queue to resume
// delivery.
func (c *Controller) Start() error {
	if c.closed.Load() {
		return errs.NewIllegalState(string(c.identity.ConsumerID), "Closed", "cannot start a closed consumer")
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.queue.DeliverAsync(c.identity.ConsumerID)
	return nil
}

// Stop transitions the consumer out of Running, then waits up to
// flushTimeout for pending deliveries to flush. It makes no call to the
// queue; with started cleared, Handle answers Busy for every further
// reference. Returns false if the flush timed out (callers should log, not
// fail).
func (c *Controller) Stop() bool {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()

	flushed := c.pending.waitZero(flushTimeout)
	if !flushed && c.log != nil {
		c.log.Warn("consumer stop: pending deliveries did not flush within deadline", F("consumer_id", c.identity.ConsumerID))
	}
	return flushed
}

// SetTransferring flips the transferring flag. On the on-edge it flushes any
// in-flight forced delivery by submitting a barrier task to the queue
// executor and waiting up to transferTimeout; on the off-edge it prompts
// delivery to resume (spec §4.2's transferring transition).
func (c *Controller) SetTransferring(on bool) {
	c.mu.Lock()
	c.transferring = on
	c.mu.Unlock()

	if on {
		done := make(chan struct{})
		c.queue.GetExecutor().Submit(func() { close(done) })
		select {
		case <-done:
		case <-time.After(transferTimeout):
			if c.log != nil {
				c.log.Warn("consumer transfer barrier timed out", F("consumer_id", c.identity.ConsumerID))
			}
		}
		return
	}
	c.queue.DeliverAsync(c.identity.ConsumerID)
}

// ReceiveCredits implements spec §4.2's credit-grant operation. n == -1
// disables the meter (unlimited mode); n == 0 resets it to zero (the
// slow-consumer throttle); otherwise credit is added, and a prompt is issued
// iff the grant crossed zero.
func (c *Controller) ReceiveCredits(n int64) {
	var prompt bool
	switch {
	case n == -1:
		prompt = c.credit.Disable()
	case n == 0:
		c.credit.Reset()
	default:
		prompt = c.credit.Grant(n)
	}
	if !prompt {
		return
	}
	c.mu.Lock()
	streamer := c.streamer
	c.mu.Unlock()
	if streamer != nil {
		// A busy streamer doesn't accept new references through Handle; the
		// grant must directly resume its own chunk loop instead.
		streamer.Resume()
		return
	}
	c.queue.DeliverAsync(c.identity.ConsumerID)
}

// BackToDelivering pushes ref back at the head of the ledger, re-establishing
// delivery order after a protocol-level rollback.
func (c *Controller) BackToDelivering(ref protocol.MessageReference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.PushFront(ref)
}

// ScanDeliveringReferences iterates the in-flight ledger under the consumer
// lock (spec §4.2).
func (c *Controller) ScanDeliveringReferences(start, end func(protocol.MessageReference) bool, remove bool) []protocol.MessageReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ScanDeliveringReferences(start, end, remove)
}

// LedgerDepth reports the number of in-flight references.
func (c *Controller) LedgerDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// ForceDelivery enqueues a synthetic probe carrying sequence on the queue's
// executor, so it is written after any delivery already scheduled there
// (spec §4.2.1). If transferring is active when the task runs, it
// re-schedules itself — matching ServerConsumerImpl's forceDelivery(sequence,
// Runnable) behavior in the system this spec was distilled from.
func (c *Controller) ForceDelivery(sequence int64) {
	var task func()
	task = func() {
		c.mu.Lock()
		transferring := c.transferring
		c.mu.Unlock()
		if transferring {
			c.queue.GetExecutor().Submit(task)
			return
		}
		if _, err := c.callback.SendMessage(forcedDeliveryRef(sequence), nil, c.identity.ConsumerID, 0); err != nil {
			if c.log != nil {
				c.log.Warn("force delivery probe failed", F("consumer_id", c.identity.ConsumerID), F("error", err))
			}
			return
		}
		if sink := c.getMetricsSink(); sink != nil {
			sink.RecordForcedDelivery()
		}
	}
	c.queue.GetExecutor().Submit(task)
}

// forcedDeliveryRef builds a synthetic reference carrying only the forced
// sequence number; the session callback is expected to recognize a nil
// message as a forced-delivery marker.
func forcedDeliveryRef(sequence int64) protocol.MessageReference {
	msg := &protocol.Message{
		ID:      "forced-delivery",
		Headers: map[string]any{protocol.ForcedDeliveryMessageProperty: sequence},
	}
	return protocol.NewReference(
		"forced-delivery",
		msg,
		"",
		nil,
		func(protocol.Tx, protocol.ConsumerID, *protocol.Reference) error { return nil },
	)
}

// Reject routes the reference to the dead-letter sink. It is idempotent: a
// reject for an id already absent from the ledger silently succeeds (spec
// §4.2, "Reject").
func (c *Controller) Reject(messageID string) error {
	c.mu.Lock()
	ref, ok := c.ledger.RemoveByID(messageID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.queue.SendToDeadLetterAddress(ref, "rejected")
}

// IndividualCancel removes exactly one reference from the ledger and returns
// it to the queue as cancelled (spec §4.2, "IndividualCancel").
func (c *Controller) IndividualCancel(messageID string, failed bool) error {
	c.mu.Lock()
	ref, ok := c.ledger.RemoveByID(messageID)
	c.mu.Unlock()
	if !ok {
		return errs.NewIllegalState(string(c.identity.ConsumerID), "ledger", "individual cancel: reference "+messageID+" not in flight")
	}
	if !failed {
		ref.DecrementDeliveryCount()
	}
	return c.queue.CancelAt(ref, time.Now().UnixNano())
}

// Close is idempotent and deduplicated across concurrent callers with
// singleflight, matching the "close is a universal cancellation, and must be
// safe under a concurrent caller race" requirement in spec §4.2.2/§8.
func (c *Controller) Close(failed bool) error {
	_, err, _ := c.closeSF.Do("close", func() (any, error) {
		return nil, c.closeOnce(failed)
	})
	return err
}

func (c *Controller) closeOnce(failed bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, p := range c.plugins {
		p.BeforeCloseConsumer(c.identity.ConsumerID, failed)
	}

	c.Stop()

	c.mu.Lock()
	streamer := c.streamer
	c.streamer = nil
	c.mu.Unlock()
	if streamer != nil {
		if err := streamer.Finish(); err != nil && c.log != nil {
			c.log.Warn("close: streamer finish failed", F("consumer_id", c.identity.ConsumerID), F("error", err))
		}
	}

	if c.browser != nil {
		c.browser.Close()
	} else if err := c.queue.RemoveConsumer(c.identity.ConsumerID); err != nil && c.log != nil {
		c.log.Warn("close: remove consumer failed", F("consumer_id", c.identity.ConsumerID), F("error", err))
	}

	c.mu.Lock()
	remaining := c.ledger.All()
	c.ledger = NewLedger()
	c.mu.Unlock()

	// Cancel is performed as a rollback side effect, not a commit (spec
	// §4.2.2 step 5): the ephemeral tx here is purely a cancellation
	// context, never intended to commit.
	if len(remaining) > 0 {
		cancelTx := c.txManager.Begin(queueAckExecutor{c.queue}, queueCancelExecutor{c.queue})
		for _, ref := range remaining {
			if !c.callback.UpdateDeliveryCountAfterCancel(c.identity.ConsumerID, ref, failed) && !failed {
				ref.DecrementDeliveryCount()
			}
			if err := cancelTx.AddCancelOperation(ref, true); err != nil && c.log != nil {
				c.log.Warn("close: queue cancel operation failed", F("consumer_id", c.identity.ConsumerID), F("message_id", ref.MessageID()), F("error", err))
			}
		}
		if err := c.txManager.Rollback(cancelTx); err != nil && c.log != nil {
			c.log.Warn("close: cancel in-flight references failed", F("consumer_id", c.identity.ConsumerID), F("error", err))
		}
	}
	if len(remaining) > 0 && c.lingering.Load() {
		// Nothing is registered with the session here: the in-flight
		// references above have already been cancelled back to the queue.
	}

	if c.notifier != nil {
		c.notifier.NotifyConsumerClosed(ConsumerClosedEvent{
			ConsumerID:    c.identity.ConsumerID,
			Address:       c.identity.Binding.Address,
			ClusterName:   c.identity.ClusterName,
			RoutingName:   c.identity.Binding.QueueName,
			FilterString:  c.identity.FilterString,
			Distance:      0, // clustering is a Non-goal; always local.
			ConsumerCount: c.queue.ConsumerCount(),
			User:          c.identity.Username,
			RemoteAddress: c.identity.RemoteAddress,
			SessionName:   c.identity.SessionRef,
		})
	}

	c.queue.RecheckRefCount()

	for _, p := range c.plugins {
		p.AfterCloseConsumer(c.identity.ConsumerID, failed)
	}

	c.callback.Disconnect(c.identity.ConsumerID, c.identity.Binding.QueueName)
	return nil
}

// MarkLingering sets the lingering flag (spec §4.2.2 step 6). Close reads the
// flag but takes no action on it: it cancels every in-flight reference and
// empties the ledger either way, so no ack finds them after Close.
func (c *Controller) MarkLingering() { c.lingering.Store(true) }

// SetMetricsSink attaches sink for forced-delivery reporting, and forwards it
// to the controller's transaction manager if it also satisfies
// transaction.MetricsSink.
func (c *Controller) SetMetricsSink(sink MetricsSink) {
	c.metricsSink.Store(&sink)
	if txSink, ok := sink.(transaction.MetricsSink); ok {
		c.txManager.SetMetricsSink(txSink)
	}
}

func (c *Controller) getMetricsSink() MetricsSink {
	v, _ := c.metricsSink.Load().(*MetricsSink)
	if v == nil {
		return nil
	}
	return *v
}

// Stats is a point-in-time snapshot of the observable counters;
// cmd/flowmq-server pushes it into the metrics collector.
type Stats struct {
	Acks            uint64
	RatePerSecond   float64
	LedgerDepth     int
	CreditRemaining int64
	StreamerActive  bool
	CreatedAt       time.Time
}

// Snapshot returns the controller's current observable counters (spec §6,
// "Observable counters/gauges").
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	depth := c.ledger.Len()
	active := c.streamer != nil && !c.streamer.finished.Load()
	c.mu.Unlock()

	c.maybeRollRateWindow()
	rate, _ := c.lastRate.Load().(float64)

	return Stats{
		Acks:            c.acks.Load(),
		RatePerSecond:   rate,
		LedgerDepth:     depth,
		CreditRemaining: c.credit.Remaining(),
		StreamerActive:  active,
		CreatedAt:       c.identity.CreatedAt,
	}
}

func (c *Controller) recordAck(n uint64) {
	c.acks.Add(n)
	c.rateWindowAcks.Add(n)
}

// maybeRollRateWindow recomputes RatePerSecond once a second has elapsed
// since the last roll, rounding up to two decimals as spec §6 specifies.
func (c *Controller) maybeRollRateWindow() {
	now := time.Now().UnixNano()
	start := c.rateWindowStart.Load()
	elapsed := time.Duration(now - start)
	if elapsed < time.Second {
		return
	}
	if !c.rateWindowStart.CompareAndSwap(start, now) {
		return
	}
	acks := c.rateWindowAcks.Swap(0)
	rate := float64(acks) / elapsed.Seconds()
	rounded := math.Ceil(rate*100) / 100
	c.lastRate.Store(rounded)
}
