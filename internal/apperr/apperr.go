// Package apperr defines the hub's logical error kinds and the HTTP
// surfacing each one maps to, per the error handling design: storage
// errors, validation failures, and authorization failures all travel
// through the same small set of kinds instead of raw error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the logical error kinds from the error handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAccessDenied
	KindUnauthenticated
	KindVersionMismatch
	KindValidation
	KindTransientStore
	KindTransportGone
	KindAgentTransportGone
)

// Error wraps an underlying cause with a logical Kind so HTTP handlers
// can map it to the right status code without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func AccessDenied(msg string) *Error    { return New(KindAccessDenied, msg) }
func Unauthenticated(msg string) *Error { return New(KindUnauthenticated, msg) }
func VersionMismatch(msg string) *Error { return New(KindVersionMismatch, msg) }
func Validation(msg string) *Error      { return New(KindValidation, msg) }
func Transient(msg string, err error) *Error {
	return Wrap(KindTransientStore, msg, err)
}

// KindOf extracts the Kind from err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps a Kind to the status code the error handling design assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindVersionMismatch:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTransientStore:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
