// Package rserrors classifies connection- and stream-scoped failures per
// the wire error-code taxonomy plus the local-only kinds (timeout,
// empty-LB) that never cross the wire.
package rserrors

import (
	"github.com/pkg/errors"

	"github.com/sagernet/rsocket-go/frame"
)

// Kind classifies an error for propagation/retry purposes (§7).
type Kind int

const (
	KindSetup Kind = iota
	KindConnection
	KindApplication
	KindRejected
	KindCanceled
	KindInvalid
	KindReserved
	KindTimeout
	KindEmptyLB
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindConnection:
		return "connection"
	case KindApplication:
		return "application"
	case KindRejected:
		return "rejected"
	case KindCanceled:
		return "canceled"
	case KindInvalid:
		return "invalid"
	case KindReserved:
		return "reserved"
	case KindTimeout:
		return "timeout"
	case KindEmptyLB:
		return "empty-lb"
	default:
		return "unknown"
	}
}

// ProtoError is a stream- or connection-scoped failure, optionally wrapping
// the underlying cause (a transport error, a parse error, ...).
type ProtoError struct {
	Kind  Kind
	Code  frame.ErrorCode
	cause error
}

func (e *ProtoError) Error() string {
	if e.cause != nil {
		return errors.Wrap(e.cause, e.Kind.String()).Error()
	}
	return e.Kind.String()
}

func (e *ProtoError) Unwrap() error { return e.cause }
func (e *ProtoError) Cause() error  { return e.cause }

// New builds a ProtoError of the given kind, wrapping cause (which may be nil).
func New(kind Kind, cause error) *ProtoError {
	return &ProtoError{Kind: kind, cause: cause}
}

// FromWireCode classifies an ERROR frame's error_code into a Kind.
func FromWireCode(code frame.ErrorCode) Kind {
	switch code {
	case frame.ErrorInvalidSetup, frame.ErrorUnsupportedSetup, frame.ErrorRejectedSetup:
		return KindSetup
	case frame.ErrorConnectionError:
		return KindConnection
	case frame.ErrorApplicationError:
		return KindApplication
	case frame.ErrorRejected:
		return KindRejected
	case frame.ErrorCanceled:
		return KindCanceled
	case frame.ErrorInvalid:
		return KindInvalid
	case frame.ErrorReserved:
		return KindReserved
	default:
		return KindConnection
	}
}

// FromWire builds a ProtoError directly from a received ERROR frame.
func FromWire(code frame.ErrorCode) *ProtoError {
	return &ProtoError{Kind: FromWireCode(code), Code: code}
}

// ErrEmptyLB is returned by the load balancer when it has no usable socket
// at request time (§7 "Empty-LB").
var ErrEmptyLB = New(KindEmptyLB, errors.New("load balancer has no available sockets"))

// ErrTransportClosed is bound to every non-setup stream when the underlying
// transport closes (§4.2 "Transport-closed semantics").
var ErrTransportClosed = errors.New("transport closed")

// IsRetryable reports whether a terminal error is one the ReEnqueueFilter
// may retry: REJECTED, CANCELED, or a connection error (§4.8, §7).
func IsRetryable(err error) bool {
	var pe *ProtoError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindRejected, KindCanceled, KindConnection:
		return true
	default:
		return false
	}
}
