package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/inbox-router/internal/store"
)

// ErrorCode classifies a service failure for the transport layer.
type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "invalid_input"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorForbidden    ErrorCode = "forbidden"
	ErrorConflict     ErrorCode = "conflict"
	ErrorInternal     ErrorCode = "internal"
)

// Assignment failure reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonWrongTenant     = "wrong_tenant"
	ReasonUnavailable     = "unavailable"
	ReasonAtCapacity      = "at_capacity"
	ReasonNoEligibleAgent = "no_eligible_agent"
	ReasonAssignmentError = "assignment_error"
)

// Error is returned by every service operation that rejects a request.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("service: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("service: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a service error, ErrorInternal for any other
// error and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorInternal
}

// ReasonOf returns the reason of a service error, or "".
func ReasonOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// fromStore translates store sentinels; anything else is internal.
func fromStore(op string, err error) error {
	var se *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se):
		return err
	case errors.Is(err, store.ErrNotFound):
		return newError(ErrorNotFound, op+": not found", err)
	case errors.Is(err, store.ErrAtCapacity):
		return newError(ErrorConflict, ReasonAtCapacity, err)
	case errors.Is(err, store.ErrConflict):
		return newError(ErrorConflict, op+": conflict", err)
	}
	return newError(ErrorInternal, op, err)
}
