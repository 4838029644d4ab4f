// Package ferr defines the error taxonomy of §7: a small set of sentinel
// kinds that callers and events surface, plus a Shortage payload for
// NoCapacity. Errors wrap with fmt.Errorf("...: %w", ...) the same way
// the teacher's pkg/agent/config.go wraps configuration errors.
package ferr

import (
	"errors"
	"fmt"

	"fleetsched/pkg/resource"
)

// Kind identifies one of the §7 error categories.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindNoCapacity
	KindCapacityExhausted
	KindStrategyUnknown
	KindUnknownRequest
	KindUnknownServer
	KindEvicted
	KindCancelled
	KindMigrationFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindNoCapacity:
		return "NoCapacity"
	case KindCapacityExhausted:
		return "CapacityExhausted"
	case KindStrategyUnknown:
		return "StrategyUnknown"
	case KindUnknownRequest:
		return "UnknownRequest"
	case KindUnknownServer:
		return "UnknownServer"
	case KindEvicted:
		return "Evicted"
	case KindCancelled:
		return "Cancelled"
	case KindMigrationFailed:
		return "MigrationFailed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across fleetsched's public
// API. Kind is always present; Shortage is populated only for NoCapacity.
type Error struct {
	Kind     Kind
	Message  string
	Shortage *resource.Requirements
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a plain *Error with no shortage and no wrapped cause.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause, preserving %w
// unwrapping so errors.Is/errors.As keep working through it.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// NoCapacity builds the NoCapacity{shortage} error of §7.
func NoCapacity(shortage resource.Requirements) *Error {
	return &Error{Kind: KindNoCapacity, Message: "no server meets requirements", Shortage: &shortage}
}

// OfKind reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func OfKind(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
