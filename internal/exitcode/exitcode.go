package exitcode

import (
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// NotApproved indicates a run was requested for a plan without approval
	NotApproved = 3

	// PlanChanged indicates a plan no longer matches its approved fingerprint
	PlanChanged = 4

	// StagingError indicates a file could not be staged to or from a remote host
	StagingError = 5

	// NetworkError indicates a remote host could not be reached
	NetworkError = 6

	// CommandFailed indicates the run finished with a failing command
	CommandFailed = 7

	// Interrupted indicates the operation was cancelled by a signal
	Interrupted = 130
)

// ErrRunFailed marks a run that finished because a command failed
var ErrRunFailed = stderrors.New("run failed")

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode analyzes an error and returns the appropriate exit code.
// Coded errors are mapped by code; other errors fall back to message matching.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	if stderrors.Is(err, ErrRunFailed) {
		return CommandFailed
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeExecNotApproved:
		return NotApproved
	case errors.ErrCodePlanFingerprintMismatch:
		return PlanChanged
	case errors.ErrCodeExecStaging:
		return StagingError
	case errors.ErrCodeExecConnection:
		return NetworkError
	case errors.ErrCodeExecUnknownRunner, errors.ErrCodeConfigInvalid:
		return UsageError
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no route to host") {
		return NetworkError
	}
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "unreachable") {
		return NetworkError
	}

	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "accepts ") {
		return UsageError
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case NotApproved:
		return "Plan not approved"
	case PlanChanged:
		return "Plan changed since creation"
	case StagingError:
		return "File staging error"
	case NetworkError:
		return "Network error"
	case CommandFailed:
		return "Command failed"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
