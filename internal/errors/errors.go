package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Plan errors (PLAN-001 to PLAN-099)
	ErrCodePlanNotFound            ErrorCode = "PLAN-001"
	ErrCodePlanInvalid             ErrorCode = "PLAN-002"
	ErrCodePlanFingerprintMismatch ErrorCode = "PLAN-006"

	// Execution errors (EXEC-001 to EXEC-099)
	ErrCodeExecUnknownRunner     ErrorCode = "EXEC-001"
	ErrCodeExecNotApproved       ErrorCode = "EXEC-002"
	ErrCodeExecConnection        ErrorCode = "EXEC-003"
	ErrCodeExecStaging           ErrorCode = "EXEC-004"
	ErrCodeExecSubmission        ErrorCode = "EXEC-005"
	ErrCodeExecNotFound          ErrorCode = "EXEC-006"
	ErrCodeExecStart             ErrorCode = "EXEC-007"
	ErrCodeExecInvalidTransition ErrorCode = "EXEC-008"

	// Config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
	ErrCodeFileUnmarshal   ErrorCode = "IO-005"
	ErrCodeFileMarshal     ErrorCode = "IO-006"
)

// ManuscriptError represents an enhanced error with code, suggestions, and documentation
type ManuscriptError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *ManuscriptError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ManuscriptError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
// This lets callers match on a bare sentinel such as New(ErrCodeExecNotFound, "").
func (e *ManuscriptError) Is(target error) bool {
	t, ok := target.(*ManuscriptError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new ManuscriptError
func New(code ErrorCode, message string) *ManuscriptError {
	return &ManuscriptError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new ManuscriptError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ManuscriptError {
	return &ManuscriptError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ManuscriptError) WithSuggestion(suggestion string) *ManuscriptError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ManuscriptError) WithSuggestions(suggestions ...string) *ManuscriptError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *ManuscriptError) WithDocs(url string) *ManuscriptError {
	e.DocsURL = url
	return e
}

// CodeOf returns the code of the first ManuscriptError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var me *ManuscriptError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a ManuscriptError with code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &ManuscriptError{Code: code})
}

// Common error constructors for frequently used errors

// NewUnknownRunnerError creates an unknown runner kind error
func NewUnknownRunnerError(kind string) *ManuscriptError {
	return New(ErrCodeExecUnknownRunner, fmt.Sprintf("unknown runner: %s", kind)).
		WithSuggestion("Use one of: local, remote (ssh), batch (slurm)")
}

// NewNotApprovedError creates an approval violation error
func NewNotApprovedError(planID string) *ManuscriptError {
	return New(ErrCodeExecNotApproved, fmt.Sprintf("plan %s has not been approved", planID)).
		WithSuggestion(fmt.Sprintf("Run 'manuscript exec approve %s' after reviewing the commands", planID))
}

// NewFingerprintMismatchError creates an error for a plan modified after creation
func NewFingerprintMismatchError(planID, expected, actual string) *ManuscriptError {
	return New(ErrCodePlanFingerprintMismatch, fmt.Sprintf("plan %s changed after it was created", planID)).
		WithSuggestion("Create a new plan and approve it again").
		WithSuggestion(fmt.Sprintf("Expected fingerprint: %s, got: %s", expected, actual))
}

// NewConnectionError creates a remote connection failure error
func NewConnectionError(host string, cause error) *ManuscriptError {
	return Wrap(ErrCodeExecConnection, fmt.Sprintf("failed to connect to %s", host), cause).
		WithSuggestion("Check that the host is reachable and the port is correct").
		WithSuggestion("Verify the username and key_path in cluster_profile")
}

// NewStagingError creates a file staging failure error
func NewStagingError(path string, cause error) *ManuscriptError {
	return Wrap(ErrCodeExecStaging, fmt.Sprintf("failed to stage %s", path), cause).
		WithSuggestion("Check that the local file exists under the project artifacts directory").
		WithSuggestion("Check that the remote directory is writable")
}

// NewSubmissionError creates a batch submission failure error
func NewSubmissionError(output string, cause error) *ManuscriptError {
	msg := "batch job submission failed"
	if output != "" {
		msg += ": " + strings.TrimSpace(output)
	}
	return Wrap(ErrCodeExecSubmission, msg, cause).
		WithSuggestion("Check the scheduler defaults in cluster_profile.defaults").
		WithSuggestion("Run 'sbatch --test-only' on the cluster to validate the script")
}

// NewPlanNotFoundError creates a plan not found error
func NewPlanNotFoundError(id string) *ManuscriptError {
	return New(ErrCodePlanNotFound, fmt.Sprintf("plan not found: %s", id))
}

// NewExecutionNotFoundError creates an execution not found error
func NewExecutionNotFoundError(id string) *ManuscriptError {
	return New(ErrCodeExecNotFound, fmt.Sprintf("execution not found: %s", id))
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *ManuscriptError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Verify the file exists and you have read permissions")
}

// NewFileUnmarshalError creates an unmarshal error
func NewFileUnmarshalError(path string, format string, cause error) *ManuscriptError {
	return Wrap(ErrCodeFileUnmarshal, fmt.Sprintf("failed to parse %s file: %s", format, path), cause).
		WithSuggestion("Check the file syntax and format").
		WithSuggestion(fmt.Sprintf("Ensure the file is valid %s", format))
}
