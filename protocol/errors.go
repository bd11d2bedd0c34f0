package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreBytes is returned by Decode when the buffer does not yet hold a full frame.
	ErrNeedMoreBytes = errors.New("protocol: need more bytes")
	// ErrFrameTooLarge is returned when a frame would exceed the configured maximum size.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// Call scoped errors.
	ErrTimeout           = errors.New("tchannel: call timed out")
	ErrCancelled         = errors.New("tchannel: call cancelled")
	ErrResourceExhausted = errors.New("tchannel: call id space exhausted")
	ErrDuplicateCallID   = errors.New("tchannel: duplicate call id")

	// ErrConnectionClosed is delivered to pending calls when the connection is closed locally.
	ErrConnectionClosed = errors.New("tchannel: connection closed")
)

// ProtocolErrorKind classifies protocol violations. All of them are fatal to the connection.
type ProtocolErrorKind int

const (
	InvalidType ProtocolErrorKind = iota + 1
	InvalidSize
	InvalidChecksum
	Malformed
	HandshakeMismatch
	OutOfSequence
	UnexpectedFrame
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case InvalidType:
		return "invalid type"
	case InvalidSize:
		return "invalid size"
	case InvalidChecksum:
		return "invalid checksum"
	case Malformed:
		return "malformed payload"
	case HandshakeMismatch:
		return "handshake mismatch"
	case OutOfSequence:
		return "out of sequence fragment"
	case UnexpectedFrame:
		return "unexpected frame"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolError reports a malformed or out-of-order frame.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return "protocol: " + e.Kind.String()
	}
	return "protocol: " + e.Kind.String() + ": " + e.Msg
}

// Is matches another *ProtocolError of the same kind, so callers can write
// errors.Is(err, &ProtocolError{Kind: InvalidChecksum}).
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

// IsProtocolError reports whether err carries a ProtocolError of the given kind.
// A zero kind matches any ProtocolError.
func IsProtocolError(err error, kind ProtocolErrorKind) bool {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return kind == 0 || pe.Kind == kind
}

// ErrorCode is the code carried by an Error frame.
type ErrorCode byte

const (
	ErrCodeTimeout       ErrorCode = 0x01
	ErrCodeCancelled     ErrorCode = 0x02
	ErrCodeBusy          ErrorCode = 0x03
	ErrCodeDeclined      ErrorCode = 0x04
	ErrCodeUnexpected    ErrorCode = 0x05
	ErrCodeBadRequest    ErrorCode = 0x06
	ErrCodeNetwork       ErrorCode = 0x07
	ErrCodeProtocolError ErrorCode = 0xff
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeBusy:
		return "busy"
	case ErrCodeDeclined:
		return "declined"
	case ErrCodeUnexpected:
		return "unexpected"
	case ErrCodeBadRequest:
		return "bad request"
	case ErrCodeNetwork:
		return "network"
	case ErrCodeProtocolError:
		return "protocol error"
	default:
		return fmt.Sprintf("code(0x%02x)", byte(c))
	}
}

// ApplicationError is an error the remote peer returned for one call.
type ApplicationError struct {
	ID      uint32
	Code    ErrorCode
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("tchannel: remote error (%v) for call %d: %s", e.Code, e.ID, e.Message)
}

// NewApplicationError builds an error a handler can return to pick the wire code.
func NewApplicationError(code ErrorCode, format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ConnectionError is delivered to every pending call when the connection fails,
// whether from a socket error or a protocol violation.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "tchannel: connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
