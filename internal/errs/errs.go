// Package errs defines the coded error taxonomy shared by every layer of the
// bridge. Sentinels are matched with errors.Is by code, so a value returned by
// WithDetail or Wrap still satisfies errors.Is(err, errs.ErrRateLimited).
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code int

const (
	CodeUnknown Code = 1000 + iota
	CodeConnection
	CodeRequestTimeout
	CodeProtocol
	CodeRateLimited
	CodeBreakerOpen
	CodeInsufficientPrivilege
	CodeOrderNotFound
	CodePartialIndex
	CodeInvalidOrder
	CodeRejected
)

var codeNames = map[Code]string{
	CodeUnknown:               "unknown",
	CodeConnection:            "connection_error",
	CodeRequestTimeout:        "request_timeout",
	CodeProtocol:              "protocol_error",
	CodeRateLimited:           "rate_limited",
	CodeBreakerOpen:           "breaker_open",
	CodeInsufficientPrivilege: "insufficient_privilege",
	CodeOrderNotFound:         "order_not_found",
	CodePartialIndex:          "partial_index",
	CodeInvalidOrder:          "invalid_order",
	CodeRejected:              "rejected",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a coded error with an optional detail and cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Cause   error  `json:"-"`
}

var (
	ErrConnection            = New(CodeConnection, "upstream connection error")
	ErrRequestTimeout        = New(CodeRequestTimeout, "request timed out")
	ErrProtocol              = New(CodeProtocol, "upstream protocol error")
	ErrRateLimited           = New(CodeRateLimited, "rate limit exceeded")
	ErrBreakerOpen           = New(CodeBreakerOpen, "emergency breaker is open")
	ErrInsufficientPrivilege = New(CodeInsufficientPrivilege, "insufficient privilege")
	ErrOrderNotFound         = New(CodeOrderNotFound, "order not found")
	ErrPartialIndex          = New(CodePartialIndex, "order index is incomplete")
	ErrInvalidOrder          = New(CodeInvalidOrder, "invalid order")
	ErrRejected              = New(CodeRejected, "rejected by upstream")
)

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Message, e.Detail, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Detailf is WithDetail with formatting.
func (e *Error) Detailf(format string, args ...any) *Error {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// CodeOf returns the code carried by err, CodeUnknown for foreign errors and 0 for nil.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is is errors.Is, re-exported so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// Infrastructure reports whether err is a transport-level failure
// (connection, timeout or protocol) as opposed to an application-level answer.
func Infrastructure(err error) bool {
	switch CodeOf(err) {
	case CodeConnection, CodeRequestTimeout, CodeProtocol:
		return true
	}
	return false
}

// HTTPStatus maps err to the status the API layer responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case 0:
		return http.StatusOK
	case CodeInvalidOrder:
		return http.StatusBadRequest
	case CodeInsufficientPrivilege:
		return http.StatusForbidden
	case CodeOrderNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRejected:
		return http.StatusUnprocessableEntity
	case CodeBreakerOpen, CodeConnection:
		return http.StatusServiceUnavailable
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeProtocol:
		return http.StatusBadGateway
	case CodePartialIndex:
		return http.StatusPartialContent
	}
	return http.StatusInternalServerError
}
