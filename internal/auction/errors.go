package auction

import (
	"errors"
	"fmt"
)

// Kind classifies a bid or time-sync failure.
type Kind string

const (
	KindInvalidInput     Kind = "InvalidInput"
	KindNotFound         Kind = "NotFound"
	KindNotStarted       Kind = "NotStarted"
	KindClosed           Kind = "Closed"
	KindPriceTooLow      Kind = "PriceTooLow"
	KindStoreUnavailable Kind = "StoreUnavailable"
)

// Error is returned by Engine operations. Two Errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "auction not found"}
	ErrNotStarted       = &Error{Kind: KindNotStarted, Message: "auction has not started"}
	ErrClosed           = &Error{Kind: KindClosed, Message: "auction is closed"}
	ErrPriceTooLow      = &Error{Kind: KindPriceTooLow, Message: "bid does not exceed the current price"}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable, Message: "store unavailable"}
)

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may resubmit unchanged.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidInput builds an InvalidInput error for transport-level parsing
// failures.
func InvalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, nil, format, args...)
}
