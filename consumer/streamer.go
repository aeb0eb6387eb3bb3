package consumer

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/flowmq/flowmq/errs"
	"github.com/flowmq/flowmq/protocol"
)

// Streamer drives chunked delivery of one large message (spec §4.3, C3).
// At most one Streamer is ever active per consumer; the dispatch state
// machine (C4) rejects further references as Busy while one is active.
//
// Grounded on the teacher's protocol.GetBufferForSize/PutBufferForSize tiered
// pooling (adapted here as protocol.GetChunkBuffer/PutChunkBuffer) for
// reusing a single heap buffer across chunks, and on
// CoreLargeMessageDeliverer's sentInitial/position/hasMore state machine from
// the Artemis source this spec was distilled from.
type Streamer struct {
	ref        protocol.MessageReference
	msg        *protocol.Message
	consumerID protocol.ConsumerID

	minChunkSize int64
	callback     SessionCallback
	credit       *CreditMeter
	executor     Executor
	log          Logger

	reader     protocol.LargeBodyReader
	totalSize  int64
	position   int64
	sentInitial bool
	chunkBuf   *[]byte

	finished atomic.Bool
	mu       sync.Mutex

	// pending is the controller's pending-delivery latch (spec §5). Handle's
	// accept increments it once, matching the first Deliver step (the header);
	// every time a further chunk is scheduled on the executor, the streamer
	// re-increments before submitting and decrements after that chunk sends,
	// keeping the latch an accurate count of sends currently in flight.
	pending *pendingLatch
}

// NewStreamer constructs a streamer for ref, opening no resources yet (the
// reader is opened lazily on the first Deliver call).
func NewStreamer(ref protocol.MessageReference, consumerID protocol.ConsumerID, minChunkSize int64, callback SessionCallback, credit *CreditMeter, executor Executor, log Logger, pending *pendingLatch) *Streamer {
	msg := ref.Message()
	msg.IncrementUsage()
	return &Streamer{
		ref:          ref,
		msg:          msg,
		consumerID:   consumerID,
		minChunkSize: minChunkSize,
		callback:     callback,
		credit:       credit,
		executor:     executor,
		log:          log,
		pending:      pending,
	}
}

// Deliver performs one step of the streamer's state machine. It returns
// done=true once the message is fully sent (Finish has already been called),
// or done=false if the step was deferred (no credit) or scheduled to
// continue on the queue executor. A step that fails logs the error and
// finishes the streamer before returning it.
func (s *Streamer) Deliver(stopped func() bool) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		defer s.pending.dec()
	}
	defer func() {
		if err != nil {
			if s.log != nil {
				s.log.Warn("streamer: large message delivery failed", F("consumer_id", s.consumerID), F("message_id", s.ref.MessageID()), F("error", err))
			}
			_ = s.finishLocked()
		}
	}()

	if stopped() {
		return false, nil
	}

	if !s.credit.TryReserve() {
		s.releaseChunkBuffer()
		return false, nil
	}

	if !s.sentInitial {
		return s.sendInitial()
	}
	return s.sendNextChunk()
}

// Resume re-increments the pending-delivery latch and re-submits a Deliver
// step, used when credit is granted after the streamer deferred a chunk for
// lack of it (spec §3 "Grant... triggers a prompt").
func (s *Streamer) Resume() {
	if s.pending != nil {
		s.pending.inc()
	}
	s.scheduleNow()
}

func (s *Streamer) scheduleNow() {
	if s.executor == nil {
		return
	}
	s.executor.Submit(func() {
		_, _ = s.Deliver(func() bool { return false })
	})
}

func (s *Streamer) sendInitial() (bool, error) {
	reader, err := s.msg.OpenBody()
	if err != nil {
		return false, errs.NewStreamerError(string(s.consumerID), s.ref.MessageID(), err)
	}
	s.reader = reader
	s.totalSize = reader.Size()

	n, err := s.callback.SendLargeMessage(s.ref, s.msg, s.consumerID, s.totalSize, s.ref.DeliveryCount())
	if err != nil {
		return false, errs.NewTransportError(string(s.consumerID), s.ref.MessageID(), err)
	}
	s.credit.Consume(int64(n))
	s.sentInitial = true
	s.scheduleNext()
	return false, nil
}

func (s *Streamer) sendNextChunk() (bool, error) {
	remaining := s.totalSize - s.position
	chunkLen := s.minChunkSize
	if remaining < chunkLen {
		chunkLen = remaining
	}

	buf := protocol.GetChunkBuffer(int(chunkLen))
	*buf = (*buf)[:chunkLen]
	s.chunkBuf = buf

	_, err := io.ReadFull(s.reader, *buf)
	if err != nil {
		s.releaseChunkBuffer()
		return false, errs.NewStreamerError(string(s.consumerID), s.ref.MessageID(), err)
	}

	hasMore := s.position+chunkLen < s.totalSize
	n, err := s.callback.SendLargeMessageContinuation(s.consumerID, *buf, hasMore, false)
	s.releaseChunkBuffer()
	if err != nil {
		return false, errs.NewTransportError(string(s.consumerID), s.ref.MessageID(), err)
	}
	s.credit.Consume(int64(n))
	s.position += chunkLen

	if !hasMore {
		if ferr := s.finishLocked(); ferr != nil {
			return false, ferr
		}
		return true, nil
	}

	s.scheduleNext()
	return false, nil
}

// scheduleNext submits the next Deliver step on the queue executor,
// re-incrementing the pending-delivery latch first so Stop() still observes
// this chunk as in flight (spec §5).
func (s *Streamer) scheduleNext() {
	if s.pending != nil {
		s.pending.inc()
	}
	s.scheduleNow()
}

func (s *Streamer) releaseChunkBuffer() {
	if s.chunkBuf != nil {
		protocol.PutChunkBuffer(s.chunkBuf)
		s.chunkBuf = nil
	}
}

// Finish releases the reader and the message's usage count. It is safe to
// call more than once (the delivery path and Close race it); only the first
// call has an effect.
func (s *Streamer) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked()
}

func (s *Streamer) finishLocked() error {
	if !s.finished.CompareAndSwap(false, true) {
		return nil
	}
	s.releaseChunkBuffer()
	s.msg.DecrementUsage()
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}
