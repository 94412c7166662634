// Package apperr classifies gateway errors into a fixed taxonomy so callers
// can decide whether to retry, surface to a client, or page an operator.
package apperr

import (
	"errors"
	"fmt"
)

// Code is one of the gateway's fixed error categories.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeAuth              Code = "auth_error"
	CodeRateLimit         Code = "rate_limit_error"
	CodeUpstreamTransient Code = "upstream_transient_error"
	CodeUpstreamPermanent Code = "upstream_permanent_error"
	CodeStore             Code = "store_error"
	CodeConfig            Code = "config_error"
	CodeInternal          Code = "internal_error"
)

// Error wraps an underlying error with a taxonomy code and optional fields
// useful for structured logging.
type Error struct {
	Code    Code
	Message string
	Err     error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithField attaches a diagnostic field and returns the same error for
// chaining at the call site.
func (e *Error) WithField(key string, val any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = val
	return e
}

// New creates an Error of the given code with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error of the given code around an existing error. Returns
// nil if err is nil, so callers can write `return apperr.Wrap(...)` inline.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Validation, Auth, RateLimit, UpstreamTransient, UpstreamPermanent, Store,
// ConfigErr and Internal are shorthand constructors for the taxonomy's codes.
func Validation(format string, a ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, a...))
}

func Auth(format string, a ...any) *Error {
	return New(CodeAuth, fmt.Sprintf(format, a...))
}

func RateLimit(format string, a ...any) *Error {
	return New(CodeRateLimit, fmt.Sprintf(format, a...))
}

func UpstreamTransient(err error, format string, a ...any) *Error {
	return Wrap(CodeUpstreamTransient, fmt.Sprintf(format, a...), err)
}

func UpstreamPermanent(err error, format string, a ...any) *Error {
	return Wrap(CodeUpstreamPermanent, fmt.Sprintf(format, a...), err)
}

func Store(err error, format string, a ...any) *Error {
	return Wrap(CodeStore, fmt.Sprintf(format, a...), err)
}

func ConfigErr(format string, a ...any) *Error {
	return New(CodeConfig, fmt.Sprintf(format, a...))
}

func Internal(err error, format string, a ...any) *Error {
	return Wrap(CodeInternal, fmt.Sprintf(format, a...), err)
}

// Of extracts the taxonomy Code from err, walking the Unwrap chain.
// Unclassified errors report CodeInternal.
func Of(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Retryable reports whether an error of this code represents a condition
// that may succeed if retried after a delay. Validation, auth and permanent
// upstream rejections never are; transient upstream and store failures are.
func (c Code) Retryable() bool {
	switch c {
	case CodeUpstreamTransient, CodeStore, CodeRateLimit:
		return true
	default:
		return false
	}
}

// Retryable reports whether err, classified through the taxonomy, should be
// retried by a caller such as the order execution engine's backoff ladder.
func Retryable(err error) bool {
	return Of(err).Retryable()
}

// HTTPStatus maps a taxonomy code to the REST status code the API layer
// should respond with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return 400
	case CodeAuth:
		return 401
	case CodeRateLimit:
		return 429
	case CodeUpstreamPermanent:
		return 502
	case CodeUpstreamTransient:
		return 503
	case CodeStore:
		return 503
	case CodeConfig:
		return 500
	default:
		return 500
	}
}
