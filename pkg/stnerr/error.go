// Package stnerr defines the error kinds shared by the frame codec, the
// request/response protocol, and the updater state machine.
package stnerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation against the STN bootloader failed.
type Kind int

const (
	// IO is a transport-level read/write failure.
	IO Kind = iota
	// BadFraming is a structural violation of the STX/ETX/DLE framing.
	BadFraming
	// BadCrc is a CRC-16/XMODEM mismatch on an otherwise well-framed response.
	BadCrc
	// InvalidCommand is a response whose command byte doesn't match the request.
	InvalidCommand
	// InvalidResponse is a response with its ack bit clear.
	InvalidResponse
	// Deserialize is a response payload that doesn't fit its expected shape.
	Deserialize
	// Timeout is a receive that exceeded its deadline after exhausting resends.
	Timeout
	// Unsupported is a descriptor image_type this core doesn't implement.
	Unsupported
	// Other wraps a foreign error, typically from the Resetter capability.
	Other
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case BadFraming:
		return "bad framing"
	case BadCrc:
		return "bad crc"
	case InvalidCommand:
		return "invalid command"
	case InvalidResponse:
		return "invalid response"
	case Deserialize:
		return "deserialize"
	case Timeout:
		return "timeout"
	case Unsupported:
		return "unsupported"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Error is the error type surfaced by every package in this module.
type Error struct {
	Kind Kind
	// Command, when set (InvalidCommand/InvalidResponse/Deserialize), is the
	// command byte of the response frame that triggered the error.
	Command byte
	msg     string
	cause   error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, stnerr.Timeout) style checks via a sentinel helper.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return true
}

// New builds a bare Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap captures a foreign error (I/O failure, Resetter failure) under the
// given kind, preserving it as the Unwrap cause. Mirrors the
// github.com/pkg/errors.Wrap idiom used for the Resetter capability.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// WithCommand attaches the offending response command byte to an error.
func (e *Error) WithCommand(cmd byte) *Error {
	e.Command = cmd
	return e
}

// Sentinel returns a zero-value *Error of the given kind, suitable for use
// with errors.Is(err, stnerr.Sentinel(stnerr.Timeout)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// IsKind reports whether err is a *Error (at any wrap depth) of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
