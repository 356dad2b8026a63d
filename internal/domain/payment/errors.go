package payment

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is the store-level sentinel for a missing row.
var ErrNotFound = errors.New("payment: not found")

// ErrorCode classifies the failures a run can surface to its caller.
type ErrorCode string

const (
	CodeNoSuchPayment          ErrorCode = "NO_SUCH_PAYMENT"
	CodeNoSuchPaymentMethod    ErrorCode = "NO_SUCH_PAYMENT_METHOD"
	CodeNoDefaultPaymentMethod ErrorCode = "NO_DEFAULT_PAYMENT_METHOD"
	CodePluginApiAborted       ErrorCode = "PLUGIN_API_ABORTED"
	CodeInternal               ErrorCode = "INTERNAL_ERROR"
	CodeWillRetry              ErrorCode = "WILL_RETRY"
)

// Error is the typed failure surfaced by the automaton runner. WillRetry is
// not strictly an application error: it tells a synchronous caller that the
// attempt is parked in RETRIED and carries the scheduled timestamp.
type Error struct {
	Code    ErrorCode
	RetryAt time.Time
	cause   error
	msg     string
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, cause: cause, msg: fmt.Sprintf(format, args...)}
}

// NewWillRetry builds the typed "parked for retry" error.
func NewWillRetry(retryAt time.Time, transactionExternalKey string) *Error {
	return &Error{
		Code:    CodeWillRetry,
		RetryAt: retryAt,
		msg:     fmt.Sprintf("transaction %s scheduled for retry at %s", transactionExternalKey, retryAt.Format(time.RFC3339)),
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("payment: %s: %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("payment: %s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any payment error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// CodeOf extracts the error code, or empty when err is not a payment error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
