package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Error classes used across the routing core. Validation errors are never
// retried; transient errors are retried with backoff and eventually
// dead-lettered; security errors are rejected and counted per connection;
// external-send errors never roll back persisted state.
const (
	CodeValidation = 400
	CodeAuth       = 401
	CodeSecurity   = 403
	CodeNotFound   = 404
	CodeTransient  = 503
	CodeExternal   = 502
)

var (
	ErrInvalidPayload   = NewCodeError(CodeValidation, "invalid payload")
	ErrUnauthorized     = NewCodeError(CodeAuth, "unauthorized")
	ErrIdentityMismatch = NewCodeError(CodeSecurity, "sender identity mismatch")
	ErrRecordNotFound   = NewCodeError(CodeNotFound, "record not found")
	ErrDependency       = NewCodeError(CodeTransient, "dependency unavailable")
	ErrExternalSend     = NewCodeError(CodeExternal, "external send failed")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the original sentinel
// stays comparable through errors.Is.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code == CodeTransient
	}
	// Unknown errors from drivers default to retryable; validation and
	// security failures are always explicit CodeErrors.
	return err != nil
}

// IsValidation reports whether err must surface to the caller unretried.
func IsValidation(err error) bool {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code == CodeValidation || ce.Code == CodeNotFound
	}
	return false
}

func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
