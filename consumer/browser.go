package consumer

import (
	"context"
	"sync"

	"github.com/flowmq/flowmq/protocol"
)

// Browser drives a browse-only consumer's cursor over a queue, reusing the
// dispatch state machine (C4) instead of the queue's own delivery loop
// (spec §4.4, C6). Browse-only consumers never append to the ledger, never
// acknowledge, and never count credits against the ack path.
//
// Grounded on the teacher's broker.drainQueuedMessages iterator-draining
// loop, reused here against a browse cursor instead of a live delivery
// queue.
type Browser struct {
	controller *Controller
	iterator   Iterator
	callback   SessionCallback

	mu       sync.Mutex
	current  protocol.MessageReference
	finished bool
}

// NewBrowser constructs a browser bound to controller's dispatch machine and
// the given cursor.
func NewBrowser(controller *Controller, iterator Iterator, callback SessionCallback) *Browser {
	return &Browser{controller: controller, iterator: iterator, callback: callback}
}

// Drain runs one pass of the browse loop: for each reference it calls
// Handle; on Handled it calls ProceedDeliver; on Busy it saves the
// reference in current and returns (to be retried when prompted); on
// NoMatch it advances. When the iterator exhausts, callback.BrowserFinished
// is invoked exactly once.
func (b *Browser) Drain(ctx context.Context) error {
	for {
		ref, ok := b.nextRef()
		if !ok {
			b.mu.Lock()
			already := b.finished
			b.finished = true
			b.mu.Unlock()
			if !already {
				b.callback.BrowserFinished(b.controller.identity.ConsumerID)
			}
			return nil
		}

		outcome := b.controller.Handle(ctx, ref)
		switch outcome {
		case Handled:
			b.clearCurrent()
			if err := b.controller.ProceedDeliver(ref); err != nil {
				return err
			}
		case Busy:
			b.setCurrent(ref)
			return nil
		case NoMatch:
			b.clearCurrent()
			// advance: loop continues to the next reference
		}
	}
}

// nextRef returns the pending reference from a prior Busy result if any,
// otherwise advances the cursor.
func (b *Browser) nextRef() (protocol.MessageReference, bool) {
	b.mu.Lock()
	if b.current != nil {
		ref := b.current
		b.mu.Unlock()
		return ref, true
	}
	b.mu.Unlock()
	return b.iterator.Next()
}

func (b *Browser) setCurrent(ref protocol.MessageReference) {
	b.mu.Lock()
	b.current = ref
	b.mu.Unlock()
}

func (b *Browser) clearCurrent() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

// Close releases the underlying cursor. Safe to call once the browser is
// done or the owning consumer is closing.
func (b *Browser) Close() {
	b.iterator.Close()
}
