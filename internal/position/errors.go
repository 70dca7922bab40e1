package position

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so use cases can decide between ignoring,
// replaying, retrying, and dead-lettering without inspecting messages.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindOversell           Kind = "OVERSELL"
	KindDuplicatedPosition Kind = "DUPLICATED_POSITION"
	KindAlreadyProcessed   Kind = "ALREADY_PROCESSED"
	KindPersistenceError   Kind = "PERSISTENCE_ERROR"
	KindUnexpectedError    Kind = "UNEXPECTED_ERROR"
)

// Error is a typed domain failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a typed error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind to an underlying error.
func WrapErr(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, or KindUnexpectedError if err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnexpectedError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
