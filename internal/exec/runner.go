package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// ErrNoJob is returned by Store.GetJob when no batch job was recorded for a plan
var ErrNoJob = stderrors.New("no batch job recorded")

// Store is the persistence a runner needs while executing a plan.
// Audit entries are created before a command runs and updated after.
type Store interface {
	CreateExecution(ctx context.Context, execution *Execution) error
	UpdateExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)

	CreateAudit(ctx context.Context, entry *AuditEntry) error
	UpdateAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, executionID string) ([]AuditEntry, error)

	SaveJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, planID string) (*JobRecord, error)
}

// Runner executes approved plans against one backend
type Runner interface {
	Kind() RunnerKind

	// Plan screens commands and echoes them back with advisory warnings
	Plan(commands []string, ctx ExecContext) PlanResult

	// RunApproved executes plan's commands in order. The caller must have
	// checked plan.Approved; runners do not re-verify it.
	RunApproved(ctx context.Context, plan *Plan, store Store) (*Execution, error)

	// Cancel marks execution cancelled, signalling the backend first when it can
	Cancel(ctx context.Context, execution *Execution, plan *Plan, store Store) (*Execution, error)

	// CollectArtifacts downloads the plan's staging downloads and returns
	// their paths relative to the artifact directory
	CollectArtifacts(ctx context.Context, plan *Plan, execution *Execution) ([]string, error)
}

// PollConfig bounds the batch scheduler poll loop
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig waits up to a minute for a job to leave the queue
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 5 * time.Second, MaxAttempts: 12}
}

// Deps are the collaborators shared by every runner a Factory builds
type Deps struct {
	Workspace Workspace
	Dialer    Dialer
	Poll      PollConfig
	Monitor   *Monitor
	Logger    *log.Logger
	Metrics   *metrics.Metrics
}

// Factory builds runners by kind. Remote and batch runners are built per
// call because they bind a cluster profile; the local runner is shared.
type Factory struct {
	deps  Deps
	local *LocalRunner
}

// NewFactory creates a Factory
func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = log.DefaultLogger()
	}
	if deps.Poll.MaxAttempts <= 0 {
		deps.Poll = DefaultPollConfig()
	}
	return &Factory{
		deps:  deps,
		local: NewLocalRunner(deps),
	}
}

// Runner returns the runner for kind, bound to the plan's cluster profile
func (f *Factory) Runner(kind RunnerKind, execCtx ExecContext) (Runner, error) {
	switch kind {
	case RunnerLocal:
		return f.local, nil
	case RunnerRemote:
		return NewRemoteRunner(f.deps, profileOf(execCtx)), nil
	case RunnerBatch:
		return NewBatchRunner(f.deps, profileOf(execCtx)), nil
	default:
		return nil, errors.NewUnknownRunnerError(string(kind))
	}
}

// Deps returns the collaborators runners are built with
func (f *Factory) Deps() Deps {
	return f.deps
}

// Workspace returns the workspace runners write into
func (f *Factory) Workspace() Workspace {
	return f.deps.Workspace
}

func profileOf(execCtx ExecContext) ClusterProfile {
	if execCtx.ClusterProfile == nil {
		return ClusterProfile{}
	}
	return *execCtx.ClusterProfile
}

// planCommands is the Plan operation shared by all runners
func planCommands(commands []string, execCtx ExecContext, m *metrics.Metrics) PlanResult {
	screened := Screen(commands)
	for _, f := range screened.Findings {
		m.RecordScreenFinding(f.Rule)
	}
	return PlanResult{
		Commands: screened.Commands,
		Warnings: screened.Warnings,
		Context:  execCtx,
	}
}

// beginExecution opens the run logs and persists a running Execution.
// It runs before any command so the record exists even if the backend fails.
func beginExecution(ctx context.Context, ws Workspace, store Store, plan *Plan) (*Execution, *runLogs, error) {
	stdoutPath, stderrPath, err := ws.RunLogPaths(plan.ProjectID, plan.ID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := openRunLogs(stdoutPath, stderrPath)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "open run logs", err)
	}

	now := time.Now().UTC()
	execution := &Execution{
		ID:         uuid.NewString(),
		PlanID:     plan.ID,
		ProjectID:  plan.ProjectID,
		Runner:     plan.Runner,
		Status:     StatusPending,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if execution.Status, err = nextStatus(execution.Status, eventStart); err != nil {
		logs.Close()
		return nil, nil, err
	}
	if err := store.CreateExecution(ctx, execution); err != nil {
		logs.Close()
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return execution, logs, nil
}

// finish moves execution to its terminal state and persists it
func finish(ctx context.Context, store Store, execution *Execution, event string, exitCode *int) error {
	status, err := nextStatus(execution.Status, event)
	if err != nil {
		return err
	}
	execution.Status = status
	execution.ExitCode = exitCode
	execution.UpdatedAt = time.Now().UTC()
	return store.UpdateExecution(ctx, execution)
}

// finalizeOnError marks a still-running execution failed when the run
// aborted with an infrastructure error, so no record stays running.
func finalizeOnError(store Store, logger *log.Logger, execution *Execution, runErr error) {
	if runErr == nil || execution == nil || execution.Status.IsTerminal() {
		return
	}
	execution.Error = runErr.Error()
	// The caller's context may be the reason the run stopped.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := finish(ctx, store, execution, eventFail, nil); err != nil {
		logger.WithError(err).Error("failed to finalize execution", "execution_id", execution.ID)
	}
}

// commandFunc runs one command, writing its output to the run logs
type commandFunc func(ctx context.Context, seq int, command string) (int, error)

// runSequence executes commands strictly in order, auditing each, and
// stops at the first nonzero exit. A nonzero exit is recorded as a failed
// execution; only infrastructure failures are returned as errors.
func runSequence(ctx context.Context, store Store, logs *runLogs, execution *Execution, commands []string, m *metrics.Metrics, run commandFunc) error {
	for i, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		code, err := auditCommand(ctx, store, logs, execution, i, command, func() (int, error) {
			return run(ctx, i, command)
		})
		if err != nil {
			m.RecordCommand(string(execution.Runner), "error", time.Since(started))
			return err
		}
		if code != 0 {
			m.RecordCommand(string(execution.Runner), "nonzero", time.Since(started))
			return finish(ctx, store, execution, eventFail, intPtr(code))
		}
		m.RecordCommand(string(execution.Runner), "ok", time.Since(started))
	}
	return finish(ctx, store, execution, eventComplete, intPtr(0))
}

// cancelExecution is the base Cancel behavior: record the cancellation only.
// Executions that already reached a terminal state are returned unchanged.
func cancelExecution(ctx context.Context, store Store, logger *log.Logger, execution *Execution) (*Execution, error) {
	if !CanCancel(execution.Status) {
		logger.InfoContext(ctx, "execution already finished, nothing to cancel",
			"execution_id", execution.ID, "status", string(execution.Status))
		return execution, nil
	}
	if err := finish(ctx, store, execution, eventCancel, execution.ExitCode); err != nil {
		return nil, err
	}
	return execution, nil
}
