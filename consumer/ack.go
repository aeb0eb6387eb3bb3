package consumer

import (
	"github.com/flowmq/flowmq/errs"
	"github.com/flowmq/flowmq/protocol"
	"github.com/flowmq/flowmq/transaction"
)

// TxOpener lets the controller start a fresh transaction when a caller
// passes a nil tx to Acknowledge/IndividualAcknowledge (spec §4.2's "if tx
// was provided as nil, open a fresh transaction and commit on success /
// rollback on failure").
type TxOpener interface {
	Begin(ackExec transaction.AckExecutor, cancelExec transaction.CancelExecutor) *transaction.Tx
}

// WithTransactionManager wires the transaction.Manager used to open ad hoc
// transactions for nil-tx callers of Acknowledge/IndividualAcknowledge and
// for Close's cancel-on-rollback (spec §4.2.2 step 5).
func (c *Controller) WithTransactionManager(mgr *transaction.Manager) *Controller {
	c.txManager = mgr
	return c
}

// Acknowledge implements spec §4.2's Acknowledge operation: it polls the
// ledger head repeatedly, queuing each polled reference for ack against tx,
// until the polled reference's id equals upToMessageID. If the ledger
// empties before that id is reached, the transaction is marked rollback-only
// and NoReference is returned.
func (c *Controller) Acknowledge(tx *transaction.Tx, upToMessageID string) ([]string, error) {
	if c.identity.BrowseOnly {
		return nil, errs.NewIllegalState(string(c.identity.ConsumerID), "BrowseOnly", "acknowledge is not valid on a browse-only consumer")
	}

	ownTx := tx == nil
	if ownTx {
		tx = c.txManager.Begin(queueAckExecutor{c.queue}, queueCancelExecutor{c.queue})
	}

	acked, err := c.pollAndAckUpTo(tx, upToMessageID)
	if err != nil {
		tx.MarkRollbackOnly()
		if ownTx {
			_ = c.txManager.Rollback(tx)
		}
		return nil, err
	}

	if ownTx {
		if cerr := c.txManager.Commit(tx); cerr != nil {
			_ = c.txManager.Rollback(tx)
			return nil, cerr
		}
	}

	c.recordAck(uint64(len(acked)))
	return acked, nil
}

func (c *Controller) pollAndAckUpTo(tx *transaction.Tx, upToMessageID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var acked []string
	for {
		ref, ok := c.ledger.PollFront()
		if !ok {
			return acked, errs.NewNoReference(string(c.identity.ConsumerID), upToMessageID, c.identity.Binding.QueueName)
		}
		if err := ref.Acknowledge(tx, c.identity.ConsumerID); err != nil {
			return acked, err
		}
		acked = append(acked, ref.MessageID())
		if ref.MessageID() == upToMessageID {
			return acked, nil
		}
	}
}

// IndividualAcknowledge implements spec §4.2's IndividualAcknowledge: removes
// exactly one reference from the ledger by id and acks it, with the same
// nil-tx duality as Acknowledge.
func (c *Controller) IndividualAcknowledge(tx *transaction.Tx, messageID string) error {
	if c.identity.BrowseOnly {
		return errs.NewIllegalState(string(c.identity.ConsumerID), "BrowseOnly", "individual acknowledge is not valid on a browse-only consumer")
	}

	c.mu.Lock()
	ref, ok := c.ledger.RemoveByID(messageID)
	c.mu.Unlock()
	if !ok {
		return errs.NewNoReference(string(c.identity.ConsumerID), messageID, c.identity.Binding.QueueName)
	}

	ownTx := tx == nil
	if ownTx {
		tx = c.txManager.Begin(queueAckExecutor{c.queue}, queueCancelExecutor{c.queue})
	}

	if err := ref.Acknowledge(tx, c.identity.ConsumerID); err != nil {
		tx.MarkRollbackOnly()
		if ownTx {
			_ = c.txManager.Rollback(tx)
		}
		return err
	}

	if ownTx {
		if cerr := c.txManager.Commit(tx); cerr != nil {
			_ = c.txManager.Rollback(tx)
			return cerr
		}
	}

	c.recordAck(1)
	return nil
}

// queueAckExecutor/queueCancelExecutor adapt the Queue collaborator to the
// transaction package's narrow executor interfaces for ad hoc transactions.
type queueAckExecutor struct{ q Queue }

func (a queueAckExecutor) Acknowledge(ref protocol.MessageReference, consumerID protocol.ConsumerID) error {
	return a.q.Acknowledge(ref, consumerID)
}

type queueCancelExecutor struct{ q Queue }

func (a queueCancelExecutor) Cancel(ref protocol.MessageReference, expire bool) error {
	return a.q.Cancel(nil, ref, expire)
}
