package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// RemoteRunner runs plan commands over one SSH session per run, staging
// files with SFTP. It is bound to a single cluster profile.
type RemoteRunner struct {
	workspace Workspace
	dialer    Dialer
	profile   ClusterProfile
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// NewRemoteRunner creates a RemoteRunner for profile
func NewRemoteRunner(deps Deps, profile ClusterProfile) *RemoteRunner {
	logger := deps.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &SSHDialer{Logger: logger}
	}
	return &RemoteRunner{
		workspace: deps.Workspace,
		dialer:    dialer,
		profile:   profile,
		logger:    logger.With("runner", string(RunnerRemote), "host", profile.Host),
		metrics:   deps.Metrics,
	}
}

// Kind implements Runner
func (r *RemoteRunner) Kind() RunnerKind {
	return RunnerRemote
}

// Plan implements Runner
func (r *RemoteRunner) Plan(commands []string, execCtx ExecContext) PlanResult {
	return planCommands(commands, execCtx, r.metrics)
}

// withSession opens a session, passes it to fn and closes it on every path
func (r *RemoteRunner) withSession(ctx context.Context, fn func(Session) error) error {
	sess, err := r.dialer.Dial(ctx, r.profile)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeExecConnection) {
			return err
		}
		return errors.NewConnectionError(r.profile.Address(), err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.logger.WithError(cerr).Debug("failed to close session")
		}
	}()
	return fn(sess)
}

// RunApproved implements Runner
func (r *RemoteRunner) RunApproved(ctx context.Context, plan *Plan, store Store) (execution *Execution, err error) {
	started := time.Now()
	execution, logs, err := beginExecution(ctx, r.workspace, store, plan)
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	defer func() {
		finalizeOnError(store, r.logger, execution, err)
		r.metrics.RecordRun(string(RunnerRemote), string(execution.Status), time.Since(started))
	}()

	ctx = log.WithExecution(log.WithPlan(ctx, plan.ID), execution.ID)
	r.logger.InfoContext(ctx, "run started", "commands", len(plan.Commands))

	err = r.withSession(ctx, func(sess Session) error {
		if err := r.stageUploads(ctx, sess, plan); err != nil {
			return err
		}
		return runSequence(ctx, store, logs, execution, plan.Commands, r.metrics,
			func(ctx context.Context, seq int, command string) (int, error) {
				return sess.Run(ctx, r.remoteCommand(command), logs.Stdout, logs.Stderr)
			})
	})
	if err != nil {
		return execution, err
	}

	r.logger.InfoContext(ctx, "run finished", "status", string(execution.Status), "exit_code", *execution.ExitCode)
	return execution, nil
}

// remoteCommand runs command from the remote base directory
func (r *RemoteRunner) remoteCommand(command string) string {
	return "cd " + quoteDir(r.profile.BaseDir()) + " && " + command
}

// remotePath resolves p against the remote base directory unless absolute
func (r *RemoteRunner) remotePath(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(r.profile.BaseDir(), p)
}

// stageUploads copies every upload entry to the remote host. Any failure
// aborts the run before a command executes.
func (r *RemoteRunner) stageUploads(ctx context.Context, sess Session, plan *Plan) error {
	if len(plan.Context.Staging.Upload) == 0 {
		return nil
	}
	artifacts, err := r.workspace.ArtifactsDir(plan.ProjectID)
	if err != nil {
		return err
	}
	for _, pair := range plan.Context.Staging.Upload {
		local := resolveLocal(artifacts, pair.Local)
		info, err := os.Stat(local)
		if err != nil {
			r.metrics.RecordStaging("upload", "error")
			return errors.NewStagingError(local, err)
		}
		if info.IsDir() {
			r.metrics.RecordStaging("upload", "error")
			return errors.NewStagingError(local, fmt.Errorf("is a directory"))
		}
		remote := r.remotePath(pair.Remote)
		if pair.Remote == "" {
			remote = r.remotePath(filepath.Base(local))
		}
		if err := sess.Upload(ctx, local, remote); err != nil {
			r.metrics.RecordStaging("upload", "error")
			return errors.NewStagingError(remote, err)
		}
		r.metrics.RecordStaging("upload", "ok")
		r.logger.DebugContext(ctx, "staged upload", "local", local, "remote", remote)
	}
	return nil
}

// Cancel implements Runner. No signal reaches the remote command.
func (r *RemoteRunner) Cancel(ctx context.Context, execution *Execution, plan *Plan, store Store) (*Execution, error) {
	r.metrics.RecordCancel(string(RunnerRemote), false)
	return cancelExecution(ctx, store, r.logger, execution)
}

// CollectArtifacts implements Runner. Each download entry is saved under
// the artifact directory; the returned paths are relative to it.
func (r *RemoteRunner) CollectArtifacts(ctx context.Context, plan *Plan, execution *Execution) ([]string, error) {
	files := []string{}
	downloads := plan.Context.Staging.Download
	if len(downloads) == 0 {
		return files, nil
	}
	artifacts, err := r.workspace.ArtifactsDir(plan.ProjectID)
	if err != nil {
		return nil, err
	}

	err = r.withSession(ctx, func(sess Session) error {
		for _, pair := range downloads {
			rel := pair.Local
			if rel == "" {
				rel = path.Base(pair.Remote)
			}
			local, err := resolveInside(artifacts, rel)
			if err != nil {
				r.metrics.RecordStaging("download", "error")
				return errors.NewStagingError(rel, err)
			}
			remote := r.remotePath(pair.Remote)
			if err := sess.Download(ctx, remote, local); err != nil {
				r.metrics.RecordStaging("download", "error")
				return errors.NewStagingError(remote, err)
			}
			r.metrics.RecordStaging("download", "ok")

			saved, err := filepath.Rel(artifacts, local)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(saved))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	manifest := newCollectManifest(plan, execution)
	for _, rel := range files {
		if err := manifest.AddFile(rel, filepath.Join(artifacts, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
	}
	runs, err := r.workspace.RunsDir(plan.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, err := SaveManifest(manifest, runs); err != nil {
		return nil, err
	}

	r.metrics.RecordCollected(string(r.Kind()), len(files))
	return files, nil
}

// fetchOptional downloads remote to local, reporting whether the remote
// file existed. Other failures are returned.
func fetchOptional(ctx context.Context, sess Session, remote, local string) (bool, error) {
	err := sess.Download(ctx, remote, local)
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var _ Runner = (*RemoteRunner)(nil)
