// Package errs defines the typed error hierarchy raised by the delivery engine.
package errs

import (
	"errors"
	"fmt"
)

// DeliveryError is the base type every error in this package embeds. It carries
// a stable Kind for programmatic dispatch and an optional wrapped Cause.
type DeliveryError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Kind enumerates the error kinds named by the delivery engine's error design.
type Kind int

const (
	KindNoReference Kind = iota
	KindIllegalState
	KindTransportError
	KindStreamerError
)

func (k Kind) String() string {
	switch k {
	case KindNoReference:
		return "no_reference"
	case KindIllegalState:
		return "illegal_state"
	case KindTransportError:
		return "transport_error"
	case KindStreamerError:
		return "streamer_error"
	default:
		return "unknown"
	}
}

func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func (e *DeliveryError) As(target any) bool {
	if de, ok := target.(**DeliveryError); ok {
		*de = e
		return true
	}
	return false
}

// NoReference is returned when an ack/individual-ack/cancel targets a message id
// that is not present in the consumer's in-flight ledger.
type NoReference struct {
	DeliveryError
	ConsumerID string
	MessageID  string
	QueueName  string
}

func NewNoReference(consumerID, messageID, queueName string) *NoReference {
	return &NoReference{
		DeliveryError: DeliveryError{
			Kind:    KindNoReference,
			Message: fmt.Sprintf("no in-flight reference %s for consumer %s on queue %s", messageID, consumerID, queueName),
		},
		ConsumerID: consumerID,
		MessageID:  messageID,
		QueueName:  queueName,
	}
}

func (e *NoReference) As(target any) bool {
	if de, ok := target.(**DeliveryError); ok {
		*de = &e.DeliveryError
		return true
	}
	return false
}

// IllegalState is returned when an operation is attempted against a consumer
// or streamer that is not in a state where the operation is legal (e.g. a
// second streamer while one is already active, or a lifecycle transition from
// Closed).
type IllegalState struct {
	DeliveryError
	ConsumerID string
	State      string
}

func NewIllegalState(consumerID, state, message string) *IllegalState {
	return &IllegalState{
		DeliveryError: DeliveryError{
			Kind:    KindIllegalState,
			Message: message,
		},
		ConsumerID: consumerID,
		State:      state,
	}
}

func (e *IllegalState) As(target any) bool {
	if de, ok := target.(**DeliveryError); ok {
		*de = &e.DeliveryError
		return true
	}
	return false
}

// TransportError wraps a failure from the session callback's send path. The
// delivery that triggered it is considered not completed; the pending-delivery
// latch is still released by the caller.
type TransportError struct {
	DeliveryError
	ConsumerID string
	MessageID  string
}

func NewTransportError(consumerID, messageID string, cause error) *TransportError {
	return &TransportError{
		DeliveryError: DeliveryError{
			Kind:    KindTransportError,
			Message: fmt.Sprintf("failed to write message %s to consumer %s", messageID, consumerID),
			Cause:   cause,
		},
		ConsumerID: consumerID,
		MessageID:  messageID,
	}
}

func (e *TransportError) As(target any) bool {
	if de, ok := target.(**DeliveryError); ok {
		*de = &e.DeliveryError
		return true
	}
	return false
}

// StreamerError wraps a failure reading the large-message body or releasing
// its resources. The streamer is reset; the consumer itself stays alive.
type StreamerError struct {
	DeliveryError
	ConsumerID string
	MessageID  string
}

func NewStreamerError(consumerID, messageID string, cause error) *StreamerError {
	return &StreamerError{
		DeliveryError: DeliveryError{
			Kind:    KindStreamerError,
			Message: fmt.Sprintf("large message streamer failed for %s on consumer %s", messageID, consumerID),
			Cause:   cause,
		},
		ConsumerID: consumerID,
		MessageID:  messageID,
	}
}

func (e *StreamerError) As(target any) bool {
	if de, ok := target.(**DeliveryError); ok {
		*de = &e.DeliveryError
		return true
	}
	return false
}

// IsNoReference reports whether err is (or wraps) a NoReference error.
func IsNoReference(err error) bool {
	var nr *NoReference
	return errors.As(err, &nr)
}

// IsIllegalState reports whether err is (or wraps) an IllegalState error.
func IsIllegalState(err error) bool {
	var is *IllegalState
	return errors.As(err, &is)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStreamerError reports whether err is (or wraps) a StreamerError.
func IsStreamerError(err error) bool {
	var se *StreamerError
	return errors.As(err, &se)
}

// KindOf returns the Kind of err if it carries one, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
