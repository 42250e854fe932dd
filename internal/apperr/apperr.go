// Package apperr defines the error taxonomy surfaced by the review service
// and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindTransactionFailure Kind = "TRANSACTION_FAILED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is regardless of the message attached.
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrTransactionFailure = errors.New("transaction failed")
)

// Error is a structured application error.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && !isSentinel(e.Err) {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func isSentinel(err error) bool {
	switch err {
	case ErrValidation, ErrUnauthorized, ErrNotFound, ErrConflict, ErrTransactionFailure:
		return true
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input. fields maps field names to messages.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields, Err: ErrValidation}
}

// Unauthorized reports a missing or unusable acting user.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Err: ErrUnauthorized}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Err:     ErrNotFound,
	}
}

// Conflict reports a write that clashes with existing state.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: ErrConflict}
}

// TransactionFailure reports a unit of work that could not commit after retries.
func TransactionFailure(cause error) *Error {
	return &Error{
		Kind:    KindTransactionFailure,
		Message: "the request could not be completed, please try again",
		Err:     fmt.Errorf("%w: %w", ErrTransactionFailure, cause),
	}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "an internal error occurred", Err: cause}
}

// As extracts an *Error from err, or wraps err as an internal error.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// HTTPStatus returns the HTTP status code for err.
func HTTPStatus(err error) int {
	switch As(err).Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransactionFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
