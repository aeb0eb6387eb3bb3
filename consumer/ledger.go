package consumer

import (
	"container/list"

	"github.com/flowmq/flowmq/protocol"
)

// Ledger is the ordered, in-flight set of delivered-but-not-yet-settled
// references (spec §3 "In-flight ledger", C2). A reference appears at most
// once. Grounded on the teacher's protocol.QueueActor ConsumerState
// accounting, generalized from a bare count into the full ordered structure
// the spec requires (head/tail append, id-indexed removal, head-push-back,
// range scan).
//
// The ledger has no lock of its own — it is always mutated under the
// controller's single mutex (spec §5), so its methods assume exclusive
// access and are not safe to call concurrently without that lock held.
type Ledger struct {
	order *list.List               // of *list.Element holding protocol.MessageReference
	index map[string]*list.Element // message id -> element
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Append adds ref at the tail (the normal delivery path).
func (l *Ledger) Append(ref protocol.MessageReference) {
	el := l.order.PushBack(ref)
	l.index[ref.MessageID()] = el
}

// PushFront re-establishes ref at the head (BackToDelivering, spec §4.2).
func (l *Ledger) PushFront(ref protocol.MessageReference) {
	el := l.order.PushFront(ref)
	l.index[ref.MessageID()] = el
}

// PollFront removes and returns the head reference, or ok=false if empty.
func (l *Ledger) PollFront() (ref protocol.MessageReference, ok bool) {
	front := l.order.Front()
	if front == nil {
		return nil, false
	}
	ref = front.Value.(protocol.MessageReference)
	l.order.Remove(front)
	delete(l.index, ref.MessageID())
	return ref, true
}

// PeekFront returns the head reference without removing it.
func (l *Ledger) PeekFront() (ref protocol.MessageReference, ok bool) {
	front := l.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(protocol.MessageReference), true
}

// RemoveByID removes and returns the reference with the given message id,
// wherever it sits in the order (head fast-path is implicit: list.Remove is
// O(1) once the element is found via the index).
func (l *Ledger) RemoveByID(messageID string) (ref protocol.MessageReference, ok bool) {
	el, found := l.index[messageID]
	if !found {
		return nil, false
	}
	ref = el.Value.(protocol.MessageReference)
	l.order.Remove(el)
	delete(l.index, messageID)
	return ref, true
}

// Len reports the number of in-flight references.
func (l *Ledger) Len() int { return l.order.Len() }

// ScanDeliveringReferences iterates the ledger in order, collecting
// references starting from the first that satisfies start, up to and
// including the first (at or after start) that satisfies end. If remove is
// true, collected references are excised from the ledger. Mirrors spec
// §4.2's ScanDeliveringReferences operation.
func (l *Ledger) ScanDeliveringReferences(start, end func(protocol.MessageReference) bool, remove bool) []protocol.MessageReference {
	var collected []protocol.MessageReference
	var toRemove []*list.Element
	collecting := false

	for el := l.order.Front(); el != nil; el = el.Next() {
		ref := el.Value.(protocol.MessageReference)
		if !collecting {
			if !start(ref) {
				continue
			}
			collecting = true
		}
		collected = append(collected, ref)
		if remove {
			toRemove = append(toRemove, el)
		}
		if end(ref) {
			break
		}
	}

	for _, el := range toRemove {
		delete(l.index, el.Value.(protocol.MessageReference).MessageID())
		l.order.Remove(el)
	}

	return collected
}

// All returns a snapshot slice of every in-flight reference, in order.
func (l *Ledger) All() []protocol.MessageReference {
	out := make([]protocol.MessageReference, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(protocol.MessageReference))
	}
	return out
}
