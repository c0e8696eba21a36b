package bridge

import (
	"errors"
	"fmt"

	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// Kind classifies a bridge failure.
type Kind int

const (
	KindHost           Kind = iota // host ran the command and failed
	KindUnreachable                // no connection, or it dropped mid-request
	KindUnknownCommand             // host does not know the command
	KindValidation                 // host rejected the arguments
	KindMalformed                  // reply could not be decoded
	KindCancelled                  // user dismissed a host-side prompt
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindUnreachable:
		return "unreachable"
	case KindUnknownCommand:
		return "unknown command"
	case KindValidation:
		return "validation"
	case KindMalformed:
		return "malformed response"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrHost           = errors.New("host error")
	ErrUnreachable    = errors.New("host unreachable")
	ErrUnknownCommand = errors.New("unknown command")
	ErrValidation     = errors.New("validation error")
	ErrMalformed      = errors.New("malformed response")
	ErrCancelled      = errors.New("cancelled")
)

var kindSentinels = map[Kind]error{
	KindHost:           ErrHost,
	KindUnreachable:    ErrUnreachable,
	KindUnknownCommand: ErrUnknownCommand,
	KindValidation:     ErrValidation,
	KindMalformed:      ErrMalformed,
	KindCancelled:      ErrCancelled,
}

// Error is returned for every failed Invoke.
type Error struct {
	Kind    Kind
	Command string
	Code    int    // host error code, 0 when the failure is local
	Message string // host message, if any
	Err     error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Command, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// FromWire maps a host error reply to an *Error.
func FromWire(command string, werr *protocol.WSError) *Error {
	kind := KindHost
	switch werr.Code {
	case protocol.WSErrCodeBadRequest:
		kind = KindValidation
	case protocol.WSErrCodeNotFound, protocol.WSErrCodeNotImplemented:
		kind = KindUnknownCommand
	case protocol.WSErrCodeCancelled:
		kind = KindCancelled
	}
	return &Error{Kind: kind, Command: command, Code: werr.Code, Message: werr.Message}
}

// Unreachable builds a KindUnreachable error.
func Unreachable(command string, cause error) *Error {
	return &Error{Kind: KindUnreachable, Command: command, Err: cause}
}

// Malformed builds a KindMalformed error.
func Malformed(command string, cause error) *Error {
	return &Error{Kind: KindMalformed, Command: command, Err: cause}
}

// IsCancelled reports whether err is a user cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
