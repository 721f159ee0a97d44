package exec

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// slurmCompleted is the only accounting state that maps to StatusCompleted
const slurmCompleted = "COMPLETED"

// BatchRunner submits plans as Slurm jobs. Session handling and file
// staging come from the embedded remote runner.
type BatchRunner struct {
	remote  *RemoteRunner
	poll    PollConfig
	monitor *Monitor
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewBatchRunner creates a BatchRunner for profile. With a Monitor in deps
// the poll loop runs in the background and RunApproved returns once the
// job is submitted.
func NewBatchRunner(deps Deps, profile ClusterProfile) *BatchRunner {
	remote := NewRemoteRunner(deps, profile)
	poll := deps.Poll
	if poll.MaxAttempts <= 0 {
		poll = DefaultPollConfig()
	}
	return &BatchRunner{
		remote:  remote,
		poll:    poll,
		monitor: deps.Monitor,
		logger:  remote.logger.With("runner", string(RunnerBatch)),
		metrics: deps.Metrics,
	}
}

// Kind implements Runner
func (b *BatchRunner) Kind() RunnerKind {
	return RunnerBatch
}

// Plan implements Runner
func (b *BatchRunner) Plan(commands []string, execCtx ExecContext) PlanResult {
	return planCommands(commands, execCtx, b.metrics)
}

// RunApproved implements Runner. The submission is the single audited
// command; its exit status is the audited exit code.
func (b *BatchRunner) RunApproved(ctx context.Context, plan *Plan, store Store) (execution *Execution, err error) {
	started := time.Now()
	execution, logs, err := beginExecution(ctx, b.remote.workspace, store, plan)
	if err != nil {
		return nil, err
	}
	defer logs.Close()

	var (
		job      *JobRecord
		finished *Execution
		detached bool
	)
	defer func() {
		if !detached {
			finalizeOnError(store, b.logger, execution, err)
		}
		if execution.Status.IsTerminal() {
			b.metrics.RecordRun(string(RunnerBatch), string(execution.Status), time.Since(started))
		}
	}()

	ctx = log.WithExecution(log.WithPlan(ctx, plan.ID), execution.ID)

	err = b.remote.withSession(ctx, func(sess Session) error {
		if err := b.remote.stageUploads(ctx, sess, plan); err != nil {
			return err
		}
		var serr error
		job, serr = b.submit(ctx, sess, plan, store, logs, execution)
		if serr != nil || job == nil || b.monitor != nil {
			return serr
		}
		finished, serr = b.await(ctx, sess, plan, store, execution.ID, job)
		return serr
	})
	if err != nil && job != nil && ctx.Err() != nil {
		// The job is still queued; leave the execution running so a later
		// cancel reaches the scheduler or a resume picks up polling.
		detached = true
		b.logger.WarnContext(ctx, "polling interrupted, job left running", "job_id", job.JobID)
		return execution, err
	}
	if err != nil {
		return execution, err
	}

	if job != nil && b.monitor != nil {
		if !b.startMonitor(plan, store, execution.ID, job) {
			b.logger.WarnContext(ctx, "monitor unavailable, polling resumes on next start", "job_id", job.JobID)
		}
		return execution, nil
	}
	if finished != nil {
		execution = finished
	} else if current, gerr := store.GetExecution(ctx, execution.ID); gerr == nil {
		execution = current
	}
	return execution, nil
}

// submit renders and uploads the job script, then runs sbatch. A nonzero
// sbatch exit finalizes the execution as failed and returns a nil job.
func (b *BatchRunner) submit(ctx context.Context, sess Session, plan *Plan, store Store, logs *runLogs, execution *Execution) (*JobRecord, error) {
	script := RenderJobScript(b.remote.profile, plan.Commands)

	localScript := filepath.Join(b.remote.workspace.ProjectDir(plan.ProjectID), "runs", jobScriptName(plan.ID))
	if err := os.WriteFile(localScript, []byte(script+"\n"), 0640); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "write job script", err)
	}
	remoteScript := b.remote.remotePath(jobScriptName(plan.ID))
	if err := sess.Upload(ctx, localScript, remoteScript); err != nil {
		b.metrics.RecordStaging("upload", "error")
		return nil, errors.NewStagingError(remoteScript, err)
	}
	b.metrics.RecordStaging("upload", "ok")

	submitCommand := "sbatch " + shellQuote(path.Base(remoteScript))
	var out bytes.Buffer
	started := time.Now()
	code, err := auditCommand(ctx, store, logs, execution, 0, submitCommand, func() (int, error) {
		return sess.Run(ctx, b.remote.remoteCommand(submitCommand),
			io.MultiWriter(logs.Stdout, &out), logs.Stderr)
	})
	if err != nil {
		b.metrics.RecordCommand(string(RunnerBatch), "error", time.Since(started))
		b.metrics.RecordSubmission("error")
		return nil, err
	}
	if code != 0 {
		b.metrics.RecordCommand(string(RunnerBatch), "nonzero", time.Since(started))
		b.metrics.RecordSubmission("rejected")
		b.logger.WarnContext(ctx, "sbatch rejected the job", "exit_code", code)
		return nil, finish(ctx, store, execution, eventFail, intPtr(code))
	}
	b.metrics.RecordCommand(string(RunnerBatch), "ok", time.Since(started))

	jobID, err := ParseJobID(out.String())
	if err != nil {
		b.metrics.RecordSubmission("error")
		return nil, errors.NewSubmissionError(out.String(), err)
	}

	job := &JobRecord{
		PlanID:      plan.ID,
		ExecutionID: execution.ID,
		JobID:       jobID,
		ScriptPath:  remoteScript,
		SubmittedAt: time.Now().UTC(),
	}
	if err := store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record batch job: %w", err)
	}
	b.metrics.RecordSubmission("ok")
	b.logger.InfoContext(ctx, "job submitted", "job_id", jobID)
	return job, nil
}

// startMonitor polls job in the background on a fresh session
func (b *BatchRunner) startMonitor(plan *Plan, store Store, executionID string, job *JobRecord) bool {
	return b.monitor.Start(executionID, func(ctx context.Context) {
		ctx = log.WithPlan(ctx, plan.ID)
		started := time.Now()
		var finished *Execution
		err := b.remote.withSession(ctx, func(sess Session) error {
			var aerr error
			finished, aerr = b.await(ctx, sess, plan, store, executionID, job)
			return aerr
		})
		if err == nil {
			if finished != nil {
				b.metrics.RecordRun(string(RunnerBatch), string(finished.Status), time.Since(started))
			}
			return
		}
		if ctx.Err() != nil {
			// Stopped by Cancel or shutdown; the execution stays as it is.
			return
		}
		b.failStored(store, executionID, err)
	})
}

// Resume restarts polling for a running execution whose job was already
// submitted, e.g. after a server restart. Without a monitor it polls inline.
func (b *BatchRunner) Resume(ctx context.Context, plan *Plan, execution *Execution, store Store) error {
	if execution.Status.IsTerminal() {
		return nil
	}
	job, err := store.GetJob(ctx, plan.ID)
	if err != nil {
		return err
	}
	if job.ExecutionID != execution.ID {
		return fmt.Errorf("job %s belongs to execution %s: %w", job.JobID, job.ExecutionID, ErrNoJob)
	}
	if b.monitor != nil {
		b.startMonitor(plan, store, execution.ID, job)
		return nil
	}
	started := time.Now()
	var finished *Execution
	err = b.remote.withSession(ctx, func(sess Session) error {
		var aerr error
		finished, aerr = b.await(ctx, sess, plan, store, execution.ID, job)
		return aerr
	})
	if err != nil {
		b.failStored(store, execution.ID, err)
		return err
	}
	if finished != nil {
		b.metrics.RecordRun(string(RunnerBatch), string(finished.Status), time.Since(started))
	}
	return nil
}

// await polls the live queue until the job leaves it or the attempt bound
// is reached, then trusts one accounting query for the terminal state.
// It returns the finalized execution, or nil when another caller already
// moved it to a terminal state.
func (b *BatchRunner) await(ctx context.Context, sess Session, plan *Plan, store Store, executionID string, job *JobRecord) (*Execution, error) {
	for attempt := 1; attempt <= b.poll.MaxAttempts; attempt++ {
		queued, err := b.queued(ctx, sess, job.JobID)
		if err != nil {
			b.metrics.RecordPoll("error")
			return nil, err
		}
		if !queued {
			b.metrics.RecordPoll("finished")
			break
		}
		b.metrics.RecordPoll("queued")
		if attempt == b.poll.MaxAttempts {
			b.logger.WarnContext(ctx, "poll bound reached, trusting accounting",
				"job_id", job.JobID, "attempts", attempt)
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll.Interval):
		}
	}

	status, exitCode, err := b.accounting(ctx, sess, job.JobID)
	if err != nil {
		return nil, err
	}

	b.fetchJobOutput(ctx, sess, plan, job)

	execution, err := store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status.IsTerminal() {
		return nil, nil
	}
	event := eventComplete
	if status == StatusFailed {
		event = eventFail
	}
	if err := finish(ctx, store, execution, event, exitCode); err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "job finished", "job_id", job.JobID,
		"status", string(execution.Status), "exit_code", *execution.ExitCode)
	return execution, nil
}

// queued reports whether the job is still in the live queue. Empty output
// or a nonzero squeue exit (unknown job id) means it has left.
func (b *BatchRunner) queued(ctx context.Context, sess Session, jobID string) (bool, error) {
	var out bytes.Buffer
	code, err := sess.Run(ctx, "squeue -h -j "+jobID, &out, io.Discard)
	if err != nil {
		return false, err
	}
	return code == 0 && strings.TrimSpace(out.String()) != "", nil
}

// accounting maps the job's final accounting state to an execution status.
// Only COMPLETED is a success; anything else, including no record, fails.
func (b *BatchRunner) accounting(ctx context.Context, sess Session, jobID string) (Status, *int, error) {
	var out bytes.Buffer
	_, err := sess.Run(ctx, "sacct -j "+jobID+" -X -n -P --format=State,ExitCode", &out, io.Discard)
	if err != nil {
		return "", nil, err
	}
	state, code, ok := parseAccounting(out.String())
	if state == slurmCompleted {
		return StatusCompleted, intPtr(0), nil
	}
	if !ok || code == 0 {
		code = 1
	}
	b.logger.InfoContext(ctx, "job did not complete", "job_id", jobID, "state", state)
	return StatusFailed, intPtr(code), nil
}

// fetchJobOutput saves slurm-<id>.out into the artifact directory when it exists
func (b *BatchRunner) fetchJobOutput(ctx context.Context, sess Session, plan *Plan, job *JobRecord) {
	artifacts, err := b.remote.workspace.ArtifactsDir(plan.ProjectID)
	if err != nil {
		b.logger.WithError(err).WarnContext(ctx, "cannot save job output")
		return
	}
	name := jobOutputName(job.JobID)
	found, err := fetchOptional(ctx, sess, b.remote.remotePath(name), filepath.Join(artifacts, name))
	switch {
	case err != nil:
		b.logger.WithError(err).WarnContext(ctx, "failed to fetch job output", "job_id", job.JobID)
	case !found:
		b.logger.DebugContext(ctx, "job output not found", "job_id", job.JobID)
	default:
		b.metrics.RecordStaging("download", "ok")
	}
}

// failStored finalizes the stored execution after a background poll error
func (b *BatchRunner) failStored(store Store, executionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	execution, err := store.GetExecution(ctx, executionID)
	if err != nil {
		b.logger.WithError(err).Error("failed to load execution", "execution_id", executionID)
		return
	}
	finalizeOnError(store, b.logger, execution, cause)
	b.metrics.RecordRun(string(RunnerBatch), string(execution.Status), 0)
}

// Cancel implements Runner. With a recorded job the scheduler is asked to
// kill it over a fresh session and the execution is marked cancelled
// whatever scancel returns. Without one, only the status changes. When no
// session can be opened the execution keeps running and its background
// poll, if any, is restarted.
func (b *BatchRunner) Cancel(ctx context.Context, execution *Execution, plan *Plan, store Store) (*Execution, error) {
	if !CanCancel(execution.Status) {
		return cancelExecution(ctx, store, b.logger, execution)
	}

	job, err := store.GetJob(ctx, plan.ID)
	if stderrors.Is(err, ErrNoJob) || (err == nil && job.ExecutionID != execution.ID) {
		b.metrics.RecordCancel(string(RunnerBatch), false)
		return cancelExecution(ctx, store, b.logger, execution)
	}
	if err != nil {
		return nil, err
	}

	polling := b.monitor.Stop(execution.ID)
	if polling {
		// The poll loop may have finalized the execution before it stopped.
		if current, err := store.GetExecution(ctx, execution.ID); err == nil {
			execution = current
		}
		if !CanCancel(execution.Status) {
			return execution, nil
		}
	}

	err = b.remote.withSession(ctx, func(sess Session) error {
		var stderr bytes.Buffer
		code, err := sess.Run(ctx, "scancel "+job.JobID, io.Discard, &stderr)
		if err != nil {
			return err
		}
		if code != 0 {
			b.logger.WarnContext(ctx, "scancel returned nonzero", "job_id", job.JobID,
				"exit_code", code, "stderr", strings.TrimSpace(stderr.String()))
		}
		return nil
	})
	if err != nil {
		if polling && !b.startMonitor(plan, store, execution.ID, job) {
			b.logger.WarnContext(ctx, "monitor unavailable, polling resumes on next start", "job_id", job.JobID)
		}
		return nil, err
	}

	b.metrics.RecordCancel(string(RunnerBatch), true)
	return cancelExecution(ctx, store, b.logger, execution)
}

// CollectArtifacts implements Runner
func (b *BatchRunner) CollectArtifacts(ctx context.Context, plan *Plan, execution *Execution) ([]string, error) {
	return b.remote.CollectArtifacts(ctx, plan, execution)
}

var _ Runner = (*BatchRunner)(nil)
