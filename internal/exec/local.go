package exec

import (
	"context"
	stderrors "errors"
	"os/exec"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// Shell runs each command string. Commands rely on shell features
// (pipes, redirects, &&), so they are never split into argv.
var Shell = []string{"/bin/sh", "-c"}

// LocalRunner executes plan commands as local subprocesses inside the
// project's artifact directory. It holds no per-run state.
type LocalRunner struct {
	workspace Workspace
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// NewLocalRunner creates a LocalRunner
func NewLocalRunner(deps Deps) *LocalRunner {
	logger := deps.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &LocalRunner{
		workspace: deps.Workspace,
		logger:    logger.With("runner", string(RunnerLocal)),
		metrics:   deps.Metrics,
	}
}

// Kind implements Runner
func (r *LocalRunner) Kind() RunnerKind {
	return RunnerLocal
}

// Plan implements Runner
func (r *LocalRunner) Plan(commands []string, execCtx ExecContext) PlanResult {
	return planCommands(commands, execCtx, r.metrics)
}

// RunApproved implements Runner
func (r *LocalRunner) RunApproved(ctx context.Context, plan *Plan, store Store) (execution *Execution, err error) {
	started := time.Now()
	execution, logs, err := beginExecution(ctx, r.workspace, store, plan)
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	defer func() {
		finalizeOnError(store, r.logger, execution, err)
		r.metrics.RecordRun(string(RunnerLocal), string(execution.Status), time.Since(started))
	}()

	ctx = log.WithExecution(log.WithPlan(ctx, plan.ID), execution.ID)
	r.logger.InfoContext(ctx, "run started", "commands", len(plan.Commands))

	dir, err := r.workspace.ArtifactsDir(plan.ProjectID)
	if err != nil {
		return execution, err
	}

	err = runSequence(ctx, store, logs, execution, plan.Commands, r.metrics,
		func(ctx context.Context, seq int, command string) (int, error) {
			return runLocal(ctx, dir, command, logs)
		})
	if err != nil {
		return execution, err
	}

	r.logger.InfoContext(ctx, "run finished", "status", string(execution.Status), "exit_code", *execution.ExitCode)
	return execution, nil
}

// runLocal runs one command with the log files attached directly as the
// child's stdout and stderr, so output is on disk when Wait returns.
func runLocal(ctx context.Context, dir, command string, logs *runLogs) (int, error) {
	args := append(append([]string{}, Shell[1:]...), command)
	cmd := exec.CommandContext(ctx, Shell[0], args...)
	cmd.Dir = dir
	cmd.Stdout = logs.Stdout
	cmd.Stderr = logs.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return 0, errors.Wrap(errors.ErrCodeExecStart, "failed to start command", err)
}

// Cancel implements Runner. Local subprocesses cannot be signalled from a
// separate request, so only the recorded status changes.
func (r *LocalRunner) Cancel(ctx context.Context, execution *Execution, plan *Plan, store Store) (*Execution, error) {
	r.metrics.RecordCancel(string(RunnerLocal), false)
	return cancelExecution(ctx, store, r.logger, execution)
}

// CollectArtifacts implements Runner. Local runs leave nothing remote.
func (r *LocalRunner) CollectArtifacts(ctx context.Context, plan *Plan, execution *Execution) ([]string, error) {
	return []string{}, nil
}

var _ Runner = (*LocalRunner)(nil)
