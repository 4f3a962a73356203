package errors

import (
	"context"
	"errors"
	"fmt"
)

// CorpusError is the structured error type for corpusd.
// It carries the context the job record and the realtime bus need:
// component, phase, and item key live in Details.
type CorpusError struct {
	// Code is the unique error code (e.g., "ERR_301_RPC_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, RPC, Validation, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs
	// (component, phase, item key).
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *CorpusError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CorpusError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *CorpusError) Is(target error) bool {
	if t, ok := target.(*CorpusError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *CorpusError) WithDetail(key, value string) *CorpusError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new CorpusError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CorpusError {
	return &CorpusError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CorpusError from an existing error.
// Returns nil if err is nil.
func Wrap(code string, err error) *CorpusError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *CorpusError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// TransientRPC creates a retryable RPC error.
func TransientRPC(message string, cause error) *CorpusError {
	return New(ErrCodeRPCUnavailable, message, cause)
}

// PermanentRPC creates a non-retryable RPC error (4xx other than 429).
func PermanentRPC(message string, cause error) *CorpusError {
	return New(ErrCodeRPCRejected, message, cause)
}

// ParseError creates a parse error for a single file or page.
// Parse errors are logged, counted and skipped, never fatal to a run.
func ParseError(message string, cause error) *CorpusError {
	return New(ErrCodeParseFailed, message, cause)
}

// ConsistencyError creates an invariant-violation error.
func ConsistencyError(code, message string) *CorpusError {
	return New(code, message, nil)
}

// Cancelled creates a cooperative-cancellation error.
func Cancelled(message string) *CorpusError {
	return New(ErrCodeCancelled, message, nil)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *CorpusError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *CorpusError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ce *CorpusError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ce *CorpusError
	if errors.As(err, &ce) {
		return ce.Severity == SeverityFatal
	}
	return false
}

// IsCancelled checks if an error represents cooperative cancellation,
// including plain context errors.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *CorpusError
	if errors.As(err, &ce) {
		return ce.Category == CategoryCancelled
	}
	return false
}

// GetCode extracts the error code from a CorpusError.
// Returns empty string for plain errors.
func GetCode(err error) string {
	var ce *CorpusError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
