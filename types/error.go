package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Input error codes. Never retried; surfaced to the submitter.
const (
	ErrUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCorruptInput      ErrorCode = "CORRUPT_INPUT"
	ErrEmptyInput        ErrorCode = "EMPTY_INPUT"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
)

// Provider error codes.
const (
	ErrProviderError    ErrorCode = "PROVIDER_ERROR"     // transient
	ErrProviderTimeout  ErrorCode = "PROVIDER_TIMEOUT"   // transient
	ErrRateLimited      ErrorCode = "RATE_LIMITED"       // transient
	ErrProviderRejected ErrorCode = "PROVIDER_REJECTED"  // terminal (content policy)
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"       // terminal
	ErrContentFiltered  ErrorCode = "CONTENT_FILTERED"   // terminal
	ErrExtractTimeout   ErrorCode = "EXTRACTION_TIMEOUT" // transient
)

// Store error codes. Retried a bounded number of times, then surfaced.
const (
	ErrStoreError   ErrorCode = "STORE_ERROR"
	ErrStoreTimeout ErrorCode = "STORE_TIMEOUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
)

// Orchestration error codes.
const (
	ErrTaskCancelled     ErrorCode = "TASK_CANCELLED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// The retryable flag defaults by error class.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithStage sets the pipeline stage the error surfaced from.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrProviderError, ErrProviderTimeout, ErrRateLimited,
		ErrStoreError, ErrStoreTimeout, ErrExtractTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
