// Package transaction generalizes the teacher's AMQP tx.select/commit/
// rollback machinery to the delivery engine's ack-as-operation model. Acks
// are committed at Commit time; cancels execute at Rollback time, matching
// spec §4.2.2 step 5's "cancel performs its side effect during rollback, not
// commit" requirement — a consumer's Close opens an ephemeral Tx, queues a
// cancel per in-flight reference, and rolls back to actually cancel them.
package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowmq/flowmq/protocol"
)

// State mirrors the teacher's TransactionState (None/Active/Pending),
// collapsed to the three states a per-consumer Tx actually needs.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

// AckExecutor performs the actual acknowledgement against the backing queue
// once a Tx commits. The queue package's Ring implements this.
type AckExecutor interface {
	Acknowledge(ref protocol.MessageReference, consumerID protocol.ConsumerID) error
}

// CancelExecutor performs the actual cancellation against the backing queue
// once a Tx rolls back.
type CancelExecutor interface {
	Cancel(ref protocol.MessageReference, expire bool) error
}

type ackOp struct {
	ref        protocol.MessageReference
	consumerID protocol.ConsumerID
}

type cancelOp struct {
	ref    protocol.MessageReference
	expire bool
}

// Tx is a single consumer-scoped transaction. It satisfies protocol.Tx.
type Tx struct {
	mu           sync.Mutex
	state        State
	rollbackOnly bool
	acks         []ackOp
	cancels      []cancelOp

	ackExec    AckExecutor
	cancelExec CancelExecutor
}

// MetricsSink receives commit/rollback counts (spec §6, "Observable
// counters/gauges"). A nil sink disables reporting.
type MetricsSink interface {
	RecordTransactionCommitted()
	RecordTransactionRolledback()
}

// Manager hands out Tx instances and tracks commit/rollback counters,
// mirroring the teacher's DefaultTransactionManager's statistics surface.
type Manager struct {
	totalCommits   atomic.Int64
	totalRollbacks atomic.Int64

	sink atomic.Value // MetricsSink
}

// NewManager constructs a transaction manager.
func NewManager() *Manager { return &Manager{} }

// SetMetricsSink attaches sink so future commits/rollbacks report through it.
func (m *Manager) SetMetricsSink(sink MetricsSink) {
	m.sink.Store(&sink)
}

func (m *Manager) metricsSink() MetricsSink {
	v, _ := m.sink.Load().(*MetricsSink)
	if v == nil {
		return nil
	}
	return *v
}

// Begin starts a fresh transaction bound to the given executors.
func (m *Manager) Begin(ackExec AckExecutor, cancelExec CancelExecutor) *Tx {
	return &Tx{state: StateActive, ackExec: ackExec, cancelExec: cancelExec}
}

// AddAckOperation queues ref for acknowledgement at Commit time. Implements
// protocol.Tx.
func (tx *Tx) AddAckOperation(ref protocol.MessageReference, consumerID protocol.ConsumerID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return fmt.Errorf("transaction is not active")
	}
	tx.acks = append(tx.acks, ackOp{ref: ref, consumerID: consumerID})
	return nil
}

// AddCancelOperation queues ref for cancellation at Rollback time.
func (tx *Tx) AddCancelOperation(ref protocol.MessageReference, expire bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return fmt.Errorf("transaction is not active")
	}
	tx.cancels = append(tx.cancels, cancelOp{ref: ref, expire: expire})
	return nil
}

// MarkRollbackOnly forces the next Commit to fail and Rollback to run
// instead — used when an ack target turns out to be missing mid-batch (spec
// §7, "ack failures always mark the enclosing transaction rollback-only").
func (tx *Tx) MarkRollbackOnly() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.rollbackOnly = true
}

// Commit executes all queued acks against the backing queue. If the
// transaction was marked rollback-only, Commit fails and the caller should
// call Rollback instead.
func (m *Manager) Commit(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateActive {
		return fmt.Errorf("transaction is not active")
	}
	if tx.rollbackOnly {
		return fmt.Errorf("transaction is rollback-only")
	}

	for _, op := range tx.acks {
		if err := tx.ackExec.Acknowledge(op.ref, op.consumerID); err != nil {
			return fmt.Errorf("commit ack for %s: %w", op.ref.MessageID(), err)
		}
	}

	tx.state = StateCommitted
	m.totalCommits.Add(1)
	if sink := m.metricsSink(); sink != nil {
		sink.RecordTransactionCommitted()
	}
	return nil
}

// Rollback discards queued acks and executes every queued cancel — this is
// the mechanism spec §4.2.2 step 5 relies on.
func (m *Manager) Rollback(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateActive {
		return fmt.Errorf("transaction is not active")
	}

	tx.acks = nil
	for _, op := range tx.cancels {
		if err := tx.cancelExec.Cancel(op.ref, op.expire); err != nil {
			return fmt.Errorf("rollback cancel for %s: %w", op.ref.MessageID(), err)
		}
	}

	tx.state = StateRolledBack
	m.totalRollbacks.Add(1)
	if sink := m.metricsSink(); sink != nil {
		sink.RecordTransactionRolledback()
	}
	return nil
}

// Stats reports manager-wide commit/rollback counters.
type Stats struct {
	TotalCommits   int64
	TotalRollbacks int64
}

func (m *Manager) Stats() Stats {
	return Stats{
		TotalCommits:   m.totalCommits.Load(),
		TotalRollbacks: m.totalRollbacks.Load(),
	}
}
