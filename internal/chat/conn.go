// Package chat provides the core chat domain logic shared by all transports.
package chat

import (
	"context"
	"unicode/utf8"
)

// FrameType identifies the kind of data carried by a Frame.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FrameClose
)

// String returns the string representation of FrameType
func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "TEXT"
	case FrameBinary:
		return "BINARY"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// StatusCode is a close status sent in the closing handshake.
type StatusCode uint16

const (
	StatusNormalClosure StatusCode = 1000
	StatusGoingAway     StatusCode = 1001
	StatusMessageTooBig StatusCode = 1009
)

// MaxCloseReason is the longest close reason, in bytes, that fits in a close
// frame next to the status code.
const MaxCloseReason = 123

// TruncateCloseReason shortens reason to at most MaxCloseReason bytes without
// splitting a UTF-8 sequence.
func TruncateCloseReason(reason string) string {
	if len(reason) <= MaxCloseReason {
		return reason
	}
	end := MaxCloseReason
	for end > 0 && !utf8.RuneStart(reason[end]) {
		end--
	}
	return reason[:end]
}

// State is the lifecycle state of a transport or a Client.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Frame is one unit received from a transport. A logical message may span
// several frames; the last one has Final set. Continuation frames carry the
// Type of the frame that started the message.
type Frame struct {
	Type    FrameType
	Payload []byte
	Final   bool

	// Set only for FrameClose.
	CloseCode   StatusCode
	CloseReason string
}

// Conn abstracts a framed bidirectional connection.
// This interface isolates transport details from chat logic.
//
// ReceiveFrame may run concurrently with Send, Ping and Close. Send, Ping and
// Close are never called concurrently with each other; Client serializes them.
type Conn interface {
	// ReceiveFrame blocks until the next data or close frame arrives.
	// Control frames such as ping and pong are handled by the transport.
	// Returns ErrFrameTooLarge when a frame exceeds the transport read limit.
	ReceiveFrame(ctx context.Context) (Frame, error)

	// Send writes a single frame.
	Send(ctx context.Context, payload []byte, typ FrameType, final bool) error

	// Ping writes a keep-alive ping.
	Ping(ctx context.Context) error

	// Close writes the close frame of the closing handshake.
	Close(code StatusCode, reason string) error

	// Release frees the underlying network resources.
	Release() error

	// State reports the transport-level state.
	State() State

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
