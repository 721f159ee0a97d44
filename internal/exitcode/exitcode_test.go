package exitcode

import (
	"fmt"
	"testing"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

func TestDetermineExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, Success},
		{"not approved", errors.NewNotApprovedError("p1"), NotApproved},
		{"wrapped not approved", fmt.Errorf("run: %w", errors.NewNotApprovedError("p1")), NotApproved},
		{"fingerprint", errors.NewFingerprintMismatchError("p1", "a", "b"), PlanChanged},
		{"staging", errors.NewStagingError("x", nil), StagingError},
		{"connection", errors.NewConnectionError("h", fmt.Errorf("refused")), NetworkError},
		{"unknown runner", errors.NewUnknownRunnerError("k8s"), UsageError},
		{"plain refused", fmt.Errorf("dial tcp: connection refused"), NetworkError},
		{"plain timeout", fmt.Errorf("i/o timeout"), NetworkError},
		{"usage", fmt.Errorf("unknown command \"foo\""), UsageError},
		{"run failed", fmt.Errorf("execution e1: %w", ErrRunFailed), CommandFailed},
		{"generic", fmt.Errorf("something broke"), GeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineExitCode(tt.err); got != tt.want {
				t.Errorf("DetermineExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetExitCodeDescription(t *testing.T) {
	for _, code := range []int{Success, GeneralError, UsageError, NotApproved, PlanChanged, StagingError, NetworkError, CommandFailed, Interrupted} {
		if GetExitCodeDescription(code) == "Unknown error" {
			t.Errorf("code %d should have a description", code)
		}
	}
	if GetExitCodeDescription(99) != "Unknown error" {
		t.Error("unmapped code should be unknown")
	}
}
