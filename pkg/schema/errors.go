package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeQueryFailed    = "QUERY_FAILED"
	ErrCodeReportFailed   = "REPORT_FAILED"
	ErrCodeContextInvalid = "CONTEXT_INVALID"
	ErrCodeIntegrity      = "INTEGRITY_VIOLATION"
	ErrCodeTransport      = "TRANSPORT_FATAL"
)

// fatalCodes abort a run instead of being absorbed at the action boundary.
var fatalCodes = map[string]bool{
	ErrCodeContextInvalid: true,
	ErrCodeIntegrity:      true,
	ErrCodeTransport:      true,
}

// KarError is the structured error type for all karflow operations.
type KarError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *KarError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KarError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error must propagate to the caller of a run.
func (e *KarError) IsFatal() bool {
	return fatalCodes[e.Code]
}

// IsRetryable reports whether a retry of the failed operation may succeed.
func (e *KarError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeQueryFailed, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new KarError.
func NewError(code, message string) *KarError {
	return &KarError{Code: code, Message: message}
}

// NewErrorf creates a new KarError with a formatted message.
func NewErrorf(code, format string, args ...any) *KarError {
	return &KarError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *KarError) WithAction(actionID string) *KarError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *KarError) WithCause(err error) *KarError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *KarError) WithDetails(details map[string]any) *KarError {
	e.Details = details
	return e
}

// IsFatal reports whether err carries a fatal KarError anywhere in its chain.
func IsFatal(err error) bool {
	var kerr *KarError
	if errors.As(err, &kerr) {
		return kerr.IsFatal()
	}
	return false
}

// CodeOf returns the code of the first KarError in err's chain, or "".
func CodeOf(err error) string {
	var kerr *KarError
	if errors.As(err, &kerr) {
		return kerr.Code
	}
	return ""
}
