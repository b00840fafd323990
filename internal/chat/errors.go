package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingName is returned when a client is created without a username.
	ErrMissingName = errors.New("missing username")

	// ErrNotFound is returned when a client id is not registered.
	ErrNotFound = errors.New("client not found")

	// ErrSendFailed is returned when a message could not be written to a client.
	ErrSendFailed = errors.New("send failed")

	// ErrNoMessage is returned by ReceiveMessage for ignorable (non-text)
	// messages. The caller should receive again.
	ErrNoMessage = errors.New("no message")

	// ErrEndOfConnection is returned by ReceiveMessage once the connection
	// has ended. Use EndReasonOf to find out why.
	ErrEndOfConnection = errors.New("end of connection")

	// ErrFrameTooLarge is returned by transports for a frame that exceeds
	// their read limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// EndReason tells why a connection ended.
type EndReason int

const (
	ReasonClientRequested EndReason = iota + 1
	ReasonMessageTooBig
	ReasonCanceled
	ReasonTransportError
	ReasonClosed
)

// String returns the string representation of EndReason
func (r EndReason) String() string {
	switch r {
	case ReasonClientRequested:
		return "client_requested"
	case ReasonMessageTooBig:
		return "message_too_big"
	case ReasonCanceled:
		return "canceled"
	case ReasonTransportError:
		return "transport_error"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type endError struct {
	reason EndReason
	cause  error
}

func endOfConnection(reason EndReason, cause error) error {
	return &endError{reason: reason, cause: cause}
}

func (e *endError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%v (%s): %v", ErrEndOfConnection, e.reason, e.cause)
	}
	return fmt.Sprintf("%v (%s)", ErrEndOfConnection, e.reason)
}

func (e *endError) Is(target error) bool {
	return target == ErrEndOfConnection
}

func (e *endError) Unwrap() error {
	return e.cause
}

// EndReasonOf extracts the EndReason from an error returned by ReceiveMessage.
func EndReasonOf(err error) (EndReason, bool) {
	var e *endError
	if errors.As(err, &e) {
		return e.reason, true
	}
	return 0, false
}
