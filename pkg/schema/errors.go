package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidAction        = "INVALID_ACTION"
	ErrCodeNotAuthorized        = "NOT_AUTHORIZED"
	ErrCodeAssigneeRequired     = "ASSIGNEE_REQUIRED"
	ErrCodeDelegationNotAllowed = "DELEGATION_NOT_ALLOWED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeExpression           = "EXPRESSION_ERROR"
	ErrCodeInvariant            = "INVARIANT_VIOLATION"
	ErrCodeStore                = "STORE_ERROR"
)

// Sentinels usable with errors.Is. Matching is by code only.
var (
	ErrInvalidAction        = &FlowError{Code: ErrCodeInvalidAction}
	ErrNotAuthorized        = &FlowError{Code: ErrCodeNotAuthorized}
	ErrAssigneeRequired     = &FlowError{Code: ErrCodeAssigneeRequired}
	ErrDelegationNotAllowed = &FlowError{Code: ErrCodeDelegationNotAllowed}
	ErrNotFound             = &FlowError{Code: ErrCodeNotFound}
	ErrInvariant            = &FlowError{Code: ErrCodeInvariant}
)

// FlowError is the structured error type for all workflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Code == e.Code
}

// Recoverable reports whether the error is an expected, user-facing outcome
// that should be surfaced to the caller unchanged.
func (e *FlowError) Recoverable() bool {
	switch e.Code {
	case ErrCodeInvalidAction, ErrCodeNotAuthorized, ErrCodeAssigneeRequired,
		ErrCodeDelegationNotAllowed, ErrCodeNotFound, ErrCodeValidation, ErrCodeConflict:
		return true
	}
	return false
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
