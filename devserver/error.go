package devserver

import (
	"net/http"
)

// SanitizedError is an error whose message is safe to return to clients.
type SanitizedError interface {
	error
	SanitizedError() string
	StatusCode() int
}

type InternalError struct {
	cause error
}

func (e *InternalError) Error() string {
	return "An internal error has occurred."
}

func (e *InternalError) SanitizedError() string {
	return e.Error()
}

func (e *InternalError) StatusCode() int {
	return http.StatusInternalServerError
}

func (e *InternalError) Unwrap() error {
	return e.cause
}

func (s *Server) internalError(err error) *InternalError {
	s.logger.Error(err)
	return &InternalError{
		cause: err,
	}
}

type UserError struct {
	message string
	status  int
}

func (e *UserError) Error() string {
	return e.message
}

func (e *UserError) SanitizedError() string {
	return e.Error()
}

func (e *UserError) StatusCode() int {
	return e.status
}

func userError(message string) *UserError {
	return &UserError{
		message: message,
		status:  http.StatusBadRequest,
	}
}

func notFoundError(message string) *UserError {
	return &UserError{
		message: message,
		status:  http.StatusNotFound,
	}
}
