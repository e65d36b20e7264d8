package types

import (
	"errors"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY - Structured codes, not stringly-typed messages
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorCode is the closed set of failure categories
type ErrorCode string

const (
	ErrValidation          ErrorCode = "VALIDATION"           // caller fault; never retried
	ErrInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE" // admission denial
	ErrWindowCapExceeded   ErrorCode = "WINDOW_CAP_EXCEEDED"  // admission denial
	ErrUnresolvedOrder     ErrorCode = "UNRESOLVED_ORDER"     // UNKNOWN order gates (window, token)
	ErrSubmissionFailed    ErrorCode = "SUBMISSION_FAILED"    // raised before exchange ack
	ErrAmbiguousSubmission ErrorCode = "AMBIGUOUS_SUBMISSION" // sent, ack uncertain
	ErrConfirmationTimeout ErrorCode = "CONFIRMATION_TIMEOUT" // polling budget exceeded
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"   // bug or race
	ErrInvalidCancelState  ErrorCode = "INVALID_CANCEL_STATE" // order not cancellable
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrStorage             ErrorCode = "STORAGE"
	ErrBusy                ErrorCode = "BUSY"  // backpressure; safe to re-submit next tick
	ErrFatal               ErrorCode = "FATAL" // unrecoverable; auto-triggers flatten
)

// Error carries a code plus an opaque diagnostic blob. Strategies and the UI
// branch on Code only.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a coded error
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewErrorf builds a coded error with a formatted message
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error
func WrapError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetail adds a key to the diagnostic blob
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// CodeOf extracts the error code, or empty when err carries none
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
