package model

import (
	"net/http"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	// NetworkFailure means a fetch or connect attempt failed. It is retryable.
	NetworkFailure ErrorKind = iota + 1

	// ChannelDropped means an established push connection was lost. The channel reconnects on its
	// own.
	ChannelDropped

	// NotFound means a mutation target no longer exists.
	NotFound

	// Unauthorized should be surfaced to the user and is never retried.
	Unauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "network failure"
	case ChannelDropped:
		return "channel dropped"
	case NotFound:
		return "not found"
	case Unauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Error is the error type surfaced by the engine's components.
type Error struct {
	Kind ErrorKind
	Op   string

	cause error
}

func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{
		Kind:  kind,
		Op:    op,
		cause: cause,
	}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Cause() error {
	return e.cause
}

// Retryable returns true if the operation may succeed if attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == NetworkFailure || e.Kind == ChannelDropped
}

// KindOf returns the kind of the first *Error in err's chain, or zero if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable returns true if err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// ErrorForHTTPStatus maps a non-2xx status code to an *Error.
func ErrorForHTTPStatus(op string, status int) *Error {
	cause := errors.Errorf("unexpected status %d %s", status, http.StatusText(status))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(Unauthorized, op, cause)
	case http.StatusNotFound:
		return NewError(NotFound, op, cause)
	}
	return NewError(NetworkFailure, op, cause)
}
