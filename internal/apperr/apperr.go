// Package apperr is the error taxonomy shared by the gateway acks and the
// HTTP API. Every error that reaches a client is reduced to a Code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeForbidden          Code = "forbidden"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeUnavailable        Code = "unavailable"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error         { return New(CodeInvalidArgument, msg) }
func NotFound(msg string) error           { return New(CodeNotFound, msg) }
func AlreadyExists(msg string) error      { return New(CodeAlreadyExists, msg) }
func Forbidden(msg string) error          { return New(CodeForbidden, msg) }
func Unauthenticated(msg string) error    { return New(CodeUnauthenticated, msg) }
func FailedPrecondition(msg string) error { return New(CodeFailedPrecondition, msg) }
func Unavailable(msg string) error        { return New(CodeUnavailable, msg) }
func Internal(msg string) error           { return New(CodeInternal, msg) }

// CodeOf returns the code of the outermost AppError in err's chain, or
// CodeInternal for anything else.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Public reduces err to what a client may see. Internal errors lose their
// message.
func Public(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != CodeInternal {
		return &AppError{Code: ae.Code, Message: ae.Message}
	}
	return &AppError{Code: CodeInternal, Message: "internal error"}
}

// HTTPStatus maps a code to a response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
