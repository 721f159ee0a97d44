package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/store"
)

func newTestService(t *testing.T, dialer exec.Dialer) (*Service, *store.FileStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	factory := exec.NewFactory(exec.Deps{
		Workspace: exec.Workspace{Root: dir},
		Dialer:    dialer,
		Poll:      exec.PollConfig{MaxAttempts: 2},
		Logger:    log.Discard(),
	})
	return New(st, factory, log.Discard(), nil), st
}

func planAndApprove(t *testing.T, svc *Service, commands ...string) string {
	t.Helper()
	resp, err := svc.Plan(context.Background(), PlanRequest{ProjectID: "1", Runner: "local", Commands: commands})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), resp.PlanID, "tester")
	require.NoError(t, err)
	return resp.PlanID
}

func TestService_PlanEchoesCommandsAndWarnings(t *testing.T) {
	svc, st := newTestService(t, nil)

	resp, err := svc.Plan(context.Background(), PlanRequest{
		ProjectID: "1",
		Runner:    "local",
		Commands:  []string{"echo hi", "rm -rf build"},
	})
	require.NoError(t, err)

	assert.False(t, resp.Approved)
	assert.Equal(t, exec.RunnerLocal, resp.Runner)
	assert.Equal(t, []string{"echo hi", "rm -rf build"}, resp.Commands)
	assert.Equal(t, []string{"rm -rf build"}, resp.Warnings)

	plan, err := st.GetPlan(context.Background(), resp.PlanID)
	require.NoError(t, err)
	assert.False(t, plan.Approved)
	assert.Equal(t, resp.Fingerprint, plan.Fingerprint)
}

func TestService_PlanUnknownRunnerStoresNothing(t *testing.T) {
	svc, st := newTestService(t, nil)

	_, err := svc.Plan(context.Background(), PlanRequest{ProjectID: "1", Runner: "k8s", Commands: []string{"ls"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecUnknownRunner))

	plans, err := st.ListPlans(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestService_PlanRemoteNeedsHost(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Plan(context.Background(), PlanRequest{ProjectID: "1", Runner: "ssh", Commands: []string{"ls"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanInvalid))
}

func TestService_RunRequiresApproval(t *testing.T) {
	svc, st := newTestService(t, nil)

	resp, err := svc.Plan(context.Background(), PlanRequest{ProjectID: "1", Runner: "local", Commands: []string{"touch ran"}})
	require.NoError(t, err)

	_, err = svc.Run(context.Background(), resp.PlanID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecNotApproved))

	executions, err := st.ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestService_RunRefusesTamperedPlan(t *testing.T) {
	svc, st := newTestService(t, nil)
	planID := planAndApprove(t, svc, "echo safe")

	plan, err := st.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	plan.Commands = []string{"echo swapped"}
	require.NoError(t, st.SavePlan(context.Background(), plan))

	_, err = svc.Run(context.Background(), planID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanFingerprintMismatch))
}

func TestService_FullLocalLifecycle(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	planID := planAndApprove(t, svc, "echo ok", "false", "echo never")

	result, err := svc.Run(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, exec.StatusFailed, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 1, *result.ExitCode)

	status, err := svc.Status(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, result.Status, status.Status)

	logs, err := svc.Logs(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", logs.Stdout)

	entries, err := svc.Audit(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	collected, err := svc.Collect(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "collected", collected.Status)
	assert.Empty(t, collected.Files)

	cancelled, err := svc.Cancel(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.StatusFailed, cancelled.Status, "finished executions are not cancelled")
}

func TestService_ApproveIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	resp, err := svc.Plan(context.Background(), PlanRequest{ProjectID: "1", Runner: "local", Commands: []string{"ls"}})
	require.NoError(t, err)

	first, err := svc.Approve(context.Background(), resp.PlanID, "alice")
	require.NoError(t, err)
	second, err := svc.Approve(context.Background(), resp.PlanID, "bob")
	require.NoError(t, err)

	assert.True(t, second.Approved)
	assert.Equal(t, "alice", second.ApprovedBy)
	require.NotNil(t, second.ApprovedAt)
	assert.True(t, first.ApprovedAt.Equal(*second.ApprovedAt))
}

func TestService_UnknownIDs(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Approve(ctx, "missing", "x")
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanNotFound))
	_, err = svc.Run(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanNotFound))
	_, err = svc.Status(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecNotFound))
	_, err = svc.Cancel(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecNotFound))
}

func TestService_VerifyAudit(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	planID := planAndApprove(t, svc, "echo one", "echo two")

	result, err := svc.Run(ctx, planID)
	require.NoError(t, err)

	v, err := svc.VerifyAudit(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.True(t, v.Intact)
	assert.Equal(t, 2, v.Entries)

	execution, err := svc.Execution(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(execution.StdoutPath, []byte("one\n"), 0600))

	v, err = svc.VerifyAudit(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.False(t, v.Intact)
	assert.NotEqual(t, v.Expected, v.Actual)
}

// queueDialer answers squeue and sacct for a job that already finished
type queueDialer struct {
	commands []string
}

func (d *queueDialer) Dial(ctx context.Context, profile exec.ClusterProfile) (exec.Session, error) {
	return &queueSession{d: d}, nil
}

type queueSession struct{ d *queueDialer }

func (s *queueSession) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	s.d.commands = append(s.d.commands, command)
	if strings.HasPrefix(command, "sacct") {
		_, _ = io.WriteString(stdout, "COMPLETED|0:0\n")
	}
	return 0, nil
}

func (s *queueSession) Upload(ctx context.Context, local, remote string) error { return nil }

func (s *queueSession) Download(ctx context.Context, remote, local string) error {
	return fmt.Errorf("open %s: %w", remote, os.ErrNotExist)
}

func (s *queueSession) Close() error { return nil }

func TestService_ResumePolling(t *testing.T) {
	dialer := &queueDialer{}
	svc, st := newTestService(t, dialer)
	ctx := context.Background()

	plan := &exec.Plan{
		ID: "p-1", ProjectID: "1", Runner: exec.RunnerBatch, Commands: []string{"make"},
		Context:  exec.ExecContext{ClusterProfile: &exec.ClusterProfile{Host: "hpc"}},
		Approved: true,
	}
	require.NoError(t, st.SavePlan(ctx, plan))
	require.NoError(t, st.CreateExecution(ctx, &exec.Execution{ID: "e-1", PlanID: "p-1", ProjectID: "1", Runner: exec.RunnerBatch, Status: exec.StatusRunning}))
	require.NoError(t, st.CreateExecution(ctx, &exec.Execution{ID: "e-2", PlanID: "p-1", ProjectID: "1", Runner: exec.RunnerLocal, Status: exec.StatusRunning}))
	require.NoError(t, st.SaveJob(ctx, &exec.JobRecord{PlanID: "p-1", ExecutionID: "e-1", JobID: "5"}))

	resumed, err := svc.ResumePolling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	e, err := st.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, exec.StatusCompleted, e.Status)
	assert.Contains(t, dialer.commands, "squeue -h -j 5")
}

type downDialer struct{}

func (downDialer) Dial(ctx context.Context, profile exec.ClusterProfile) (exec.Session, error) {
	return nil, fmt.Errorf("dial %s: connection refused", profile.Host)
}

func TestService_RunErrorNamesExecution(t *testing.T) {
	svc, st := newTestService(t, downDialer{})
	resp, err := svc.Plan(context.Background(), PlanRequest{
		ProjectID: "1",
		Runner:    "remote",
		Commands:  []string{"hostname"},
		Context:   exec.ExecContext{ClusterProfile: &exec.ClusterProfile{Host: "hpc.example.org"}},
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), resp.PlanID, "tester")
	require.NoError(t, err)

	_, err = svc.Run(context.Background(), resp.PlanID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecConnection))

	executions, err := st.ListExecutions(context.Background())
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, exec.StatusFailed, executions[0].Status)
	assert.Contains(t, err.Error(), executions[0].ID)
}
