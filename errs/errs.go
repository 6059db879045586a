// Package errs implements the error taxonomy every component classifies
// failures into, and maps each kind to a gRPC status so it survives a
// component boundary as a code plus a reason string.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the eight classified error categories.
type Kind int

const (
	// CommandRejected: a business rule was violated. Non-retryable.
	CommandRejected Kind = iota
	// SequenceConflict: a concurrent writer advanced the root. Retryable
	// via the auto-resequence loop.
	SequenceConflict
	// InvalidArgument: malformed cover, empty domain, etc. Non-retryable.
	InvalidArgument
	// IntegrityFailed: payload-reference hash mismatch. Fatal, routes to DLQ.
	IntegrityFailed
	// Transport: connection refused or similar. Retryable with backoff.
	Transport
	// DecodeError: malformed bus message. Ack-and-drop, never retried.
	DecodeError
	// HandlerFailed: a projector or handler panicked/returned. Nack, then
	// DLQ after the transport's retry limit.
	HandlerFailed
	// NotFound: repair target has no events. Treated as an empty, complete
	// aggregate, not a failure.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case CommandRejected:
		return "CommandRejected"
	case SequenceConflict:
		return "SequenceConflict"
	case InvalidArgument:
		return "InvalidArgument"
	case IntegrityFailed:
		return "IntegrityFailed"
	case Transport:
		return "Transport"
	case DecodeError:
		return "DecodeError"
	case HandlerFailed:
		return "HandlerFailed"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the single error type every component returns; Kind selects the
// retry/propagation policy.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this kind resolves itself by retrying, per the
// policy table: SequenceConflict and Transport are retryable, all others
// are not.
func (e *Error) Retryable() bool {
	return e.Kind == SequenceConflict || e.Kind == Transport
}

// GRPCStatus lets *Error satisfy status.FromError via errors.As, so
// returning an *Error from a gRPC handler produces the right code directly.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(codeFor(e.Kind), e.Error())
}

func codeFor(k Kind) codes.Code {
	switch k {
	case CommandRejected:
		return codes.FailedPrecondition
	case SequenceConflict:
		return codes.Aborted
	case InvalidArgument:
		return codes.InvalidArgument
	case IntegrityFailed:
		return codes.DataLoss
	case Transport:
		return codes.Unavailable
	case DecodeError:
		return codes.InvalidArgument
	case HandlerFailed:
		return codes.Internal
	case NotFound:
		return codes.NotFound
	default:
		return codes.Unknown
	}
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

func Rejected(format string, args ...interface{}) *Error {
	return New(CommandRejected, fmt.Sprintf(format, args...))
}

func Conflict(reason string) *Error {
	return New(SequenceConflict, reason)
}

func Invalid(format string, args ...interface{}) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func Integrity(format string, args ...interface{}) *Error {
	return New(IntegrityFailed, fmt.Sprintf(format, args...))
}

func TransportErr(cause error) *Error {
	return Wrap(Transport, "transport failure", cause)
}

// As extracts an *Error from err's chain, the way callers classify a
// returned error into CommandOutcome without a type switch at every call
// site.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to HandlerFailed for an
// unclassified error so unknown failures still nack-and-retry rather than
// silently succeed.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return HandlerFailed
}

// IsNotFound reports whether err classifies as NotFound.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == NotFound
}
