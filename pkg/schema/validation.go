package schema

import "fmt"

// ValidationSeverity tells blocking problems from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a definition, located by a
// JSON-ish path such as "steps[2].assignee".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation stage. Warnings
// never make a definition invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise the error carries the
// shared code of all errors (ASSIGNEE_REQUIRED, CYCLE_DETECTED, ...) or
// VALIDATION_ERROR when they differ, with every issue in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := r.Errors[0].Code
	for _, is := range r.Errors[1:] {
		if is.Code != code {
			code = ErrCodeValidation
			break
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition has %d errors, first: %s", len(r.Errors), msg)
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
