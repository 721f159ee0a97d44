package ux

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// ErrorWithSuggestion wraps an error with a recovery hint
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v\n\n💡 Suggestion: %s", e.Err, e.Suggestion)
	}
	return e.Err.Error()
}

func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// NewErrorWithSuggestion returns nil for a nil err
func NewErrorWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{Err: err, Suggestion: suggestion}
}

// EnhanceError attaches a hint for failures users commonly hit. Errors
// that already carry suggestions are returned unchanged.
func EnhanceError(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeExecNotApproved:
		return NewErrorWithSuggestion(err, "Review and approve the plan with 'manuscript exec approve <plan-id>'")
	case errors.ErrCodePlanFingerprintMismatch:
		return NewErrorWithSuggestion(err, "The stored plan changed after approval; create a new plan with 'manuscript exec plan'")
	case errors.ErrCodeExecUnknownRunner:
		return NewErrorWithSuggestion(err, "Use --runner local, ssh or slurm")
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Suggestions:"):
		return err
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return NewErrorWithSuggestion(err,
			"Set cluster_profile.key_path or load a key into ssh-agent, and check cluster_profile.username")
	case strings.Contains(msg, "knownhosts: key mismatch"):
		return NewErrorWithSuggestion(err,
			"The host key changed. Verify the host and update the known_hosts file set in ssh.known_hosts")
	case strings.Contains(msg, "knownhosts: key is unknown"):
		return NewErrorWithSuggestion(err,
			"Add the host to known_hosts, e.g. ssh-keyscan <host> >> ~/.ssh/known_hosts")
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no route to host"), strings.Contains(msg, "i/o timeout"):
		return NewErrorWithSuggestion(err,
			"Check cluster_profile.host and port, and that the host is reachable from this machine")
	case strings.Contains(msg, "sbatch: command not found"), strings.Contains(msg, "sacct: command not found"):
		return NewErrorWithSuggestion(err,
			"Slurm tools are not on the remote PATH; add a module load to cluster_profile.env_init_commands")
	case strings.Contains(msg, "permission denied"):
		return NewErrorWithSuggestion(err,
			"Check permissions on the data directory (data_dir in ~/.manuscript/config.yaml)")
	}

	return err
}

// FormatError enhances err and prefixes it with context
func FormatError(err error, context string) error {
	if err == nil {
		return nil
	}

	enhanced := EnhanceError(err)
	if context != "" {
		return fmt.Errorf("%s: %w", context, enhanced)
	}
	return enhanced
}
