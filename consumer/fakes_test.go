package consumer

import (
	"context"
	"sync"

	"github.com/flowmq/flowmq/protocol"
)

// fakeCallback is a minimal, configurable SessionCallback for exercising the
// dispatch state machine (C4) and the streamer (C3) without a real wire
// transport.
type fakeCallback struct {
	mu sync.Mutex

	hasCredits             bool
	writable               bool
	sendErr                error
	sendSize               int
	directDeliv            bool
	updateDeliveryOnCancel bool
	cancelUpdateCalls      []protocol.ConsumerID

	sent              []protocol.MessageReference
	largeSent         []protocol.MessageReference
	continuations     [][]byte
	afterDelivery     int
	disconnected      bool
	browserDone       bool
	browserFinishedCt int
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{hasCredits: true, writable: true, sendSize: 10, updateDeliveryOnCancel: true}
}

func (f *fakeCallback) HasCredits(protocol.ConsumerID, protocol.MessageReference) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasCredits
}

func (f *fakeCallback) IsWritable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable
}

func (f *fakeCallback) SendMessage(ref protocol.MessageReference, msg *protocol.Message, consumerID protocol.ConsumerID, deliveryCount int32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, ref)
	return f.sendSize, nil
}

func (f *fakeCallback) SendLargeMessage(ref protocol.MessageReference, msg *protocol.Message, consumerID protocol.ConsumerID, totalSize int64, deliveryCount int32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.largeSent = append(f.largeSent, ref)
	return f.sendSize, nil
}

func (f *fakeCallback) SendLargeMessageContinuation(consumerID protocol.ConsumerID, body []byte, hasMore bool, requiresResponse bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	f.continuations = append(f.continuations, cp)
	return f.sendSize, nil
}

func (f *fakeCallback) UpdateDeliveryCountAfterCancel(consumerID protocol.ConsumerID, ref protocol.MessageReference, failed bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelUpdateCalls = append(f.cancelUpdateCalls, consumerID)
	return f.updateDeliveryOnCancel
}

func (f *fakeCallback) AfterDelivery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterDelivery++
}

func (f *fakeCallback) Disconnect(protocol.ConsumerID, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeCallback) BrowserFinished(protocol.ConsumerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browserDone = true
	f.browserFinishedCt++
}

func (f *fakeCallback) SupportsDirectDelivery() bool { return f.directDeliv }

func (f *fakeCallback) afterDeliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterDelivery
}

// fakeQueue is a minimal Queue collaborator recording the calls the
// controller made against it.
type fakeQueue struct {
	mu sync.Mutex

	name          string
	executor      Executor
	delivered     []protocol.ConsumerID
	acked         []protocol.MessageReference
	cancelled     []protocol.MessageReference
	deadLetter    []protocol.MessageReference
	removed       []protocol.ConsumerID
	rechecked     int
	consumerCount int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{name: "test.queue", executor: newInlineExecutor()}
}

func (q *fakeQueue) AddConsumer(protocol.ConsumerID) error { return nil }

func (q *fakeQueue) RemoveConsumer(id protocol.ConsumerID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeQueue) BrowserIterator() (Iterator, error) { return nil, nil }

func (q *fakeQueue) DeliverAsync(id protocol.ConsumerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivered = append(q.delivered, id)
}

func (q *fakeQueue) GetExecutor() Executor { return q.executor }

func (q *fakeQueue) Cancel(tx protocol.Tx, ref protocol.MessageReference, expire bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, ref)
	return nil
}

func (q *fakeQueue) CancelAt(ref protocol.MessageReference, timestampUnixNano int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, ref)
	return nil
}

func (q *fakeQueue) Acknowledge(ref protocol.MessageReference, consumerID protocol.ConsumerID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, ref)
	return nil
}

func (q *fakeQueue) SendToDeadLetterAddress(ref protocol.MessageReference, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, ref)
	return nil
}

func (q *fakeQueue) AllowsReferenceCallback() bool { return true }

func (q *fakeQueue) ErrorProcessing(protocol.MessageReference, error) {}

func (q *fakeQueue) RecheckRefCount() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rechecked++
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) ConsumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumerCount
}

// inlineExecutor runs submitted tasks synchronously, on the caller's
// goroutine, which keeps dispatch/streamer tests deterministic.
type inlineExecutor struct{}

func newInlineExecutor() *inlineExecutor { return &inlineExecutor{} }

func (e *inlineExecutor) Submit(task func()) { task() }

// asyncExecutor runs submitted tasks serially on a background goroutine, so
// a task that resubmits itself (ForceDelivery's transferring retry loop)
// doesn't recurse into the caller's stack the way inlineExecutor would.
type asyncExecutor struct {
	tasks chan func()
}

func newAsyncExecutor() *asyncExecutor {
	e := &asyncExecutor{tasks: make(chan func(), 64)}
	go func() {
		for task := range e.tasks {
			task()
		}
	}()
	return e
}

func (e *asyncExecutor) Submit(task func()) { e.tasks <- task }

// fakeNotifier records the management events the controller raised.
type fakeNotifier struct {
	mu     sync.Mutex
	events []ConsumerClosedEvent
}

func (n *fakeNotifier) NotifyConsumerClosed(event ConsumerClosedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// fakeLogger discards everything; it exists so tests can pass a non-nil
// Logger without pulling in internal/obslog's zap dependency.
type fakeLogger struct{}

func (fakeLogger) Debug(string, ...Field) {}
func (fakeLogger) Info(string, ...Field)  {}
func (fakeLogger) Warn(string, ...Field)  {}
func (fakeLogger) Error(string, ...Field) {}

// fakeDeliveryCountStore records persisted delivery counts in memory.
type fakeDeliveryCountStore struct {
	mu    sync.Mutex
	calls map[string]int32
}

func newFakeDeliveryCountStore() *fakeDeliveryCountStore {
	return &fakeDeliveryCountStore{calls: make(map[string]int32)}
}

func (s *fakeDeliveryCountStore) Persist(messageID string, deliveryCount int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[messageID] = deliveryCount
}

// newAckableRef builds a reference whose Acknowledge method queues an ack
// operation on tx when one is supplied, or acknowledges directly against
// queue when tx is nil — the same duality the queue package's real
// references exhibit once a producer path exists.
func newAckableRef(id string, queue protocol.AckQueue) protocol.MessageReference {
	msg := &protocol.Message{ID: id, Address: "test.addr", Body: []byte("payload-" + id)}
	return protocol.NewReference(id, msg, "test.queue", queue, func(tx protocol.Tx, consumerID protocol.ConsumerID, ref *protocol.Reference) error {
		if tx != nil {
			return tx.AddAckOperation(ref, consumerID)
		}
		return queue.Acknowledge(ref, consumerID)
	})
}

func newTestIdentity(consumerID string) protocol.ConsumerIdentity {
	return protocol.ConsumerIdentity{
		ConsumerID:   protocol.ConsumerID(consumerID),
		SequentialID: protocol.SequentialID("seq-" + consumerID),
		Binding: protocol.QueueBinding{
			QueueName:   "test.queue",
			Address:     "test.addr",
			RoutingType: protocol.RoutingAnycast,
			Durable:     true,
		},
	}
}
