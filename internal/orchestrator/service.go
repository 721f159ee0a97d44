// Package orchestrator implements the plan, approve, run, cancel and
// collect operations on top of the runners in internal/exec. It owns the
// approval gate: runners trust that only approved plans reach them.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// Store is the persistence the service needs beyond exec.Store
type Store interface {
	exec.Store

	SavePlan(ctx context.Context, plan *exec.Plan) error
	GetPlan(ctx context.Context, id string) (*exec.Plan, error)
	ListExecutions(ctx context.Context, statuses ...exec.Status) ([]exec.Execution, error)
}

// Service coordinates plans and executions
type Service struct {
	store   Store
	runners *exec.Factory
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Service
func New(store Store, runners *exec.Factory, logger *log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Service{
		store:   store,
		runners: runners,
		logger:  logger.WithGroup("orchestrator"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlanRequest is the input to Plan
type PlanRequest struct {
	ProjectID string           `json:"project_id"`
	Runner    string           `json:"runner"`
	Commands  []string         `json:"commands"`
	Context   exec.ExecContext `json:"context"`
}

// PlanResponse is the output of Plan
type PlanResponse struct {
	PlanID      string          `json:"plan_id"`
	Runner      exec.RunnerKind `json:"runner_kind"`
	Commands    []string        `json:"commands"`
	Approved    bool            `json:"approved"`
	Warnings    []string        `json:"warnings"`
	Fingerprint string          `json:"fingerprint"`
}

// Plan screens the commands and persists an unapproved plan. Unknown
// runner kinds fail before anything is stored.
func (s *Service) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	kind, err := exec.ParseRunnerKind(req.Runner)
	if err != nil {
		return nil, s.fail(ctx, "plan", err)
	}
	if len(req.Commands) == 0 {
		return nil, s.fail(ctx, "plan", errors.New(errors.ErrCodePlanInvalid, "at least one command is required"))
	}
	if kind != exec.RunnerLocal && (req.Context.ClusterProfile == nil || req.Context.ClusterProfile.Host == "") {
		return nil, s.fail(ctx, "plan", errors.New(errors.ErrCodePlanInvalid,
			fmt.Sprintf("runner %s requires context.cluster_profile.host", kind)))
	}
	runner, err := s.runners.Runner(kind, req.Context)
	if err != nil {
		return nil, s.fail(ctx, "plan", err)
	}

	result := runner.Plan(req.Commands, req.Context)
	plan := &exec.Plan{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Runner:      kind,
		Commands:    result.Commands,
		Context:     result.Context,
		Warnings:    result.Warnings,
		Fingerprint: exec.Fingerprint(kind, result.Commands, result.Context),
		CreatedAt:   s.now(),
	}
	if _, err := s.runners.Workspace().ArtifactsDir(plan.ProjectID); err != nil {
		return nil, s.fail(ctx, "plan", err)
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, s.fail(ctx, "plan", err)
	}

	s.metrics.RecordPlan(string(kind))
	s.logger.InfoContext(log.WithPlan(ctx, plan.ID), "plan created",
		"project_id", plan.ProjectID, "runner", string(kind),
		"commands", len(plan.Commands), "warnings", len(plan.Warnings))

	return &PlanResponse{
		PlanID:      plan.ID,
		Runner:      kind,
		Commands:    plan.Commands,
		Approved:    false,
		Warnings:    plan.Warnings,
		Fingerprint: plan.Fingerprint,
	}, nil
}

// GetPlan loads a plan
func (s *Service) GetPlan(ctx context.Context, planID string) (*exec.Plan, error) {
	return s.store.GetPlan(ctx, planID)
}

// Approve marks a plan approved. Approving twice keeps the first approval.
func (s *Service) Approve(ctx context.Context, planID, approver string) (*exec.Plan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, s.fail(ctx, "approve", err)
	}
	if plan.Approved {
		return plan, nil
	}
	if !exec.VerifyFingerprint(plan) {
		return nil, s.fail(ctx, "approve", errors.NewFingerprintMismatchError(plan.ID, plan.Fingerprint,
			exec.Fingerprint(plan.Runner, plan.Commands, plan.Context)))
	}

	now := s.now()
	plan.Approved = true
	plan.ApprovedAt = &now
	plan.ApprovedBy = approver
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, s.fail(ctx, "approve", err)
	}

	s.metrics.RecordApproval(string(plan.Runner))
	s.logger.InfoContext(log.WithPlan(ctx, plan.ID), "plan approved", "approved_by", approver)
	return plan, nil
}

// ExecutionStatus is the summary returned by Run, Cancel and Status
type ExecutionStatus struct {
	ExecutionID string      `json:"execution_id"`
	PlanID      string      `json:"plan_id"`
	Status      exec.Status `json:"status"`
	ExitCode    *int        `json:"exit_code"`
	Error       string      `json:"error,omitempty"`
}

func statusOf(e *exec.Execution) *ExecutionStatus {
	return &ExecutionStatus{
		ExecutionID: e.ID,
		PlanID:      e.PlanID,
		Status:      e.Status,
		ExitCode:    e.ExitCode,
		Error:       e.Error,
	}
}

// Run executes an approved plan. Unapproved plans and plans whose content
// no longer matches the approved fingerprint are refused.
func (s *Service) Run(ctx context.Context, planID string) (*ExecutionStatus, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, s.fail(ctx, "run", err)
	}
	if !plan.Approved {
		s.metrics.RecordRejected("not_approved")
		return nil, s.fail(ctx, "run", errors.NewNotApprovedError(plan.ID))
	}
	if !exec.VerifyFingerprint(plan) {
		s.metrics.RecordRejected("fingerprint_mismatch")
		return nil, s.fail(ctx, "run", errors.NewFingerprintMismatchError(plan.ID, plan.Fingerprint,
			exec.Fingerprint(plan.Runner, plan.Commands, plan.Context)))
	}

	runner, err := s.runners.Runner(plan.Runner, plan.Context)
	if err != nil {
		return nil, s.fail(ctx, "run", err)
	}

	ctx = log.WithProject(log.WithPlan(ctx, plan.ID), plan.ProjectID)
	execution, err := runner.RunApproved(ctx, plan, s.store)
	if err != nil {
		if execution != nil {
			err = fmt.Errorf("execution %s: %w", execution.ID, err)
		}
		return nil, s.fail(ctx, "run", err)
	}
	return statusOf(execution), nil
}

// Cancel cancels an execution through its plan's runner. Finished
// executions are returned unchanged.
func (s *Service) Cancel(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	execution, plan, runner, err := s.load(ctx, executionID)
	if err != nil {
		return nil, s.fail(ctx, "cancel", err)
	}
	execution, err = runner.Cancel(log.WithExecution(ctx, execution.ID), execution, plan, s.store)
	if err != nil {
		return nil, s.fail(ctx, "cancel", err)
	}
	s.logger.InfoContext(log.WithExecution(ctx, execution.ID), "cancel requested", "status", string(execution.Status))
	return statusOf(execution), nil
}

// CollectResult is the output of Collect
type CollectResult struct {
	Status string   `json:"status"`
	Files  []string `json:"files"`
}

// Collect downloads the plan's staged outputs into the artifact directory
func (s *Service) Collect(ctx context.Context, executionID string) (*CollectResult, error) {
	execution, plan, runner, err := s.load(ctx, executionID)
	if err != nil {
		return nil, s.fail(ctx, "collect", err)
	}
	files, err := runner.CollectArtifacts(log.WithExecution(ctx, execution.ID), plan, execution)
	if err != nil {
		return nil, s.fail(ctx, "collect", err)
	}
	s.logger.InfoContext(log.WithExecution(ctx, execution.ID), "artifacts collected", "files", len(files))
	return &CollectResult{Status: "collected", Files: files}, nil
}

// Status reports an execution's current state
func (s *Service) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return statusOf(execution), nil
}

// Execution returns the full execution record
func (s *Service) Execution(ctx context.Context, executionID string) (*exec.Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// LogsResult holds the full text of a run's log files
type LogsResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Logs returns the run's stdout and stderr. Missing files read as empty.
func (s *Service) Logs(ctx context.Context, executionID string) (*LogsResult, error) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	stdout, err := readOptional(execution.StdoutPath)
	if err != nil {
		return nil, err
	}
	stderr, err := readOptional(execution.StderrPath)
	if err != nil {
		return nil, err
	}
	return &LogsResult{Stdout: stdout, Stderr: stderr}, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(errors.ErrCodeFileReadFailed, "read run log", err)
	}
	return string(data), nil
}

// Audit returns an execution's audit entries in command order
func (s *Service) Audit(ctx context.Context, executionID string) ([]exec.AuditEntry, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, executionID)
}

// Verification is the result of VerifyAudit
type Verification struct {
	ExecutionID string `json:"execution_id"`
	Entries     int    `json:"entries"`
	Expected    string `json:"expected,omitempty"`
	Actual      string `json:"actual,omitempty"`
	// ChangedArtifacts lists collected files that no longer match the
	// hashes recorded when they were collected
	ChangedArtifacts []string `json:"changed_artifacts,omitempty"`
	Intact           bool     `json:"intact"`
}

// VerifyAudit recomputes the log checksum and compares it with the last
// audit entry. Each entry covers everything logged before it, so a
// mismatch means the logs were altered or truncated. Files from the last
// collection are checked against its manifest when one exists.
func (s *Service) VerifyAudit(ctx context.Context, executionID string) (*Verification, error) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAudit(ctx, executionID)
	if err != nil {
		return nil, err
	}
	v := &Verification{ExecutionID: executionID, Entries: len(entries), Intact: true}

	if len(entries) > 0 {
		last := entries[len(entries)-1]
		v.Expected = last.Checksum
		actual, err := exec.ChecksumFiles(execution.StdoutPath, execution.StderrPath)
		v.Actual = actual
		if err != nil || actual != last.Checksum {
			v.Intact = false
			s.logger.WarnContext(log.WithExecution(ctx, executionID), "audit checksum mismatch",
				"expected", v.Expected, "actual", v.Actual)
		}
	}

	changed, err := s.changedArtifacts(execution)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		sort.Strings(changed)
		v.ChangedArtifacts = changed
		v.Intact = false
	}
	return v, nil
}

func (s *Service) changedArtifacts(execution *exec.Execution) ([]string, error) {
	ws := s.runners.Workspace()
	manifest, err := ws.LoadManifest(execution.ProjectID, execution.ID)
	if errors.HasCode(err, errors.ErrCodeFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	artifacts, err := ws.ArtifactsDir(execution.ProjectID)
	if err != nil {
		return nil, err
	}
	return manifest.Changed(artifacts), nil
}

// ResumePolling restarts background polling for batch executions left
// running by a previous process. It returns how many were resumed.
func (s *Service) ResumePolling(ctx context.Context) (int, error) {
	running, err := s.store.ListExecutions(ctx, exec.StatusRunning)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range running {
		execution := &running[i]
		if execution.Runner != exec.RunnerBatch {
			continue
		}
		plan, err := s.store.GetPlan(ctx, execution.PlanID)
		if err != nil {
			s.logger.WithError(err).WarnContext(ctx, "cannot resume execution", "execution_id", execution.ID)
			continue
		}
		runner := exec.NewBatchRunner(s.runners.Deps(), profileOf(plan.Context))
		if err := runner.Resume(ctx, plan, execution, s.store); err != nil {
			if stderrors.Is(err, exec.ErrNoJob) {
				continue
			}
			s.logger.WithError(err).WarnContext(ctx, "cannot resume execution", "execution_id", execution.ID)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.InfoContext(ctx, "resumed batch polling", "executions", resumed)
	}
	return resumed, nil
}

// ListArtifacts lists a project's artifact files
func (s *Service) ListArtifacts(ctx context.Context, projectID string) ([]string, error) {
	return s.runners.Workspace().ListArtifacts(projectID)
}

func (s *Service) load(ctx context.Context, executionID string) (*exec.Execution, *exec.Plan, exec.Runner, error) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}
	plan, err := s.store.GetPlan(ctx, execution.PlanID)
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := s.runners.Runner(plan.Runner, plan.Context)
	if err != nil {
		return nil, nil, nil, err
	}
	return execution, plan, runner, nil
}

// fail logs and counts err, then returns it
func (s *Service) fail(ctx context.Context, op string, err error) error {
	code := errors.CodeOf(err)
	s.metrics.RecordError(string(code), "orchestrator")
	s.logger.WithError(err).WarnContext(ctx, op+" failed", "operation", op)
	return err
}

func profileOf(c exec.ExecContext) exec.ClusterProfile {
	if c.ClusterProfile == nil {
		return exec.ClusterProfile{}
	}
	return *c.ClusterProfile
}
