package flow

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors so callers can distinguish transport
// failures, protocol classification failures, layer preconditions,
// cooperative cancellation, and opaque handler failures.
type Kind int

const (
	// KindTransport is an I/O failure on the underlying connection.
	// Always terminal for that connection.
	KindTransport Kind = iota
	// KindProtocol means the router could not classify the connection
	// within its sniff window, or a handler saw malformed wire data.
	KindProtocol
	// KindLayer is a layer-local precondition failure.
	KindLayer
	// KindCancelled is raised when a cancelled Context is observed at a
	// suspension point. Never silently swallowed.
	KindCancelled
	// KindHandler is a domain-specific failure from a terminal service,
	// passed through the stack unchanged.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindLayer:
		return "layer"
	case KindCancelled:
		return "cancelled"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error. Layers that add context must keep
// the original classification; wrapping with E preserves it through
// errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. If err is already a *Error, its kind wins
// so wrapping never reclassifies.
func E(kind Kind, op string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the classification of err, or KindHandler for errors
// that carry none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindHandler
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// ErrCancelled is the sentinel wrapped by cancellation errors.
var ErrCancelled = errors.New("operation cancelled")

// Cancelled builds the error a layer or service returns when it observes
// a cancelled Context at a suspension point.
func Cancelled(op string) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: ErrCancelled}
}
