package health

import (
	"context"
	"os/exec"
	"strings"
)

// ShellChecker verifies /bin/sh can run commands for the local runner.
type ShellChecker struct {
	shell string
}

func NewShellChecker() *ShellChecker {
	return &ShellChecker{shell: "sh"}
}

func (c *ShellChecker) Name() string {
	return "local-shell"
}

// Check is degraded rather than unhealthy on failure: remote and batch
// runners do not need a local shell.
func (c *ShellChecker) Check(ctx context.Context) *Result {
	shellPath, err := exec.LookPath(c.shell)
	if err != nil {
		return Degraded("shell not found in PATH; local runner unavailable").
			WithDetail("error", err.Error())
	}

	out, err := exec.CommandContext(ctx, shellPath, "-c", "echo ok").CombinedOutput()
	if err != nil {
		return Degraded("shell failed to run a command").
			WithDetail("shell", shellPath).
			WithDetail("error", err.Error()).
			WithDetail("output", strings.TrimSpace(string(out)))
	}

	return Healthy("local shell is usable").WithDetail("shell", shellPath)
}
