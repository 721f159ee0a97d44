package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
)

// memStore is an in-memory Store for runner tests
type memStore struct {
	mu         sync.Mutex
	executions map[string]Execution
	audit      map[string][]AuditEntry
	jobs       map[string]JobRecord
}

func newMemStore() *memStore {
	return &memStore{
		executions: map[string]Execution{},
		audit:      map[string][]AuditEntry{},
		jobs:       map[string]JobRecord{},
	}
}

func (s *memStore) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = *e
	return nil
}

func (s *memStore) UpdateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return errors.NewExecutionNotFoundError(e.ID)
	}
	s.executions[e.ID] = *e
	return nil
}

func (s *memStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, errors.NewExecutionNotFoundError(id)
	}
	return &e, nil
}

func (s *memStore) CreateAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[entry.ExecutionID] = append(s.audit[entry.ExecutionID], *entry)
	return nil
}

func (s *memStore) UpdateAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.audit[entry.ExecutionID]
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = *entry
			return nil
		}
	}
	return fmt.Errorf("audit entry %s not found", entry.ID)
}

func (s *memStore) ListAudit(ctx context.Context, executionID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]AuditEntry(nil), s.audit[executionID]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *memStore) SaveJob(ctx context.Context, job *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.PlanID] = *job
	return nil
}

func (s *memStore) GetJob(ctx context.Context, planID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNoJob)
	}
	return &job, nil
}

// loopbackDialer hands out sessions that run commands with the local shell
// inside root, standing in for a remote host's filesystem.
type loopbackDialer struct {
	root  string
	dials int
	err   error
}

func (d *loopbackDialer) Dial(ctx context.Context, profile ClusterProfile) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return &loopbackSession{root: d.root}, nil
}

type loopbackSession struct {
	root   string
	closed bool
}

func (s *loopbackSession) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.root, p)
}

func (s *loopbackSession) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	cmd := osexec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.root
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if exitErr, ok := err.(*osexec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func (s *loopbackSession) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	dst := s.resolve(remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0640)
}

func (s *loopbackSession) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := os.Open(s.resolve(remotePath))
	if err != nil {
		return err
	}
	defer src.Close()
	return writeLocalFile(localPath, src)
}

func (s *loopbackSession) Close() error {
	s.closed = true
	return nil
}

// scriptedDialer hands out sessions that answer commands from a responder,
// recording every call. It models a Slurm login node.
type scriptedDialer struct {
	mu       sync.Mutex
	respond  func(command string) (stdout string, code int)
	files    map[string][]byte
	commands []string
	dials    int
	failing  int
}

func newScriptedDialer(respond func(command string) (string, int)) *scriptedDialer {
	return &scriptedDialer{respond: respond, files: map[string][]byte{}}
}

func (d *scriptedDialer) Dial(ctx context.Context, profile ClusterProfile) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing > 0 {
		d.failing--
		return nil, fmt.Errorf("dial %s: connection refused", profile.Host)
	}
	return &scriptedSession{d: d}, nil
}

// failNextDials makes the next n dials fail
func (d *scriptedDialer) failNextDials(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = n
}

func (d *scriptedDialer) ran() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *scriptedDialer) ranMatching(prefix string) int {
	n := 0
	for _, c := range d.ran() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type scriptedSession struct {
	d *scriptedDialer
}

func (s *scriptedSession) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.d.mu.Lock()
	s.d.commands = append(s.d.commands, command)
	respond := s.d.respond
	s.d.mu.Unlock()

	out, code := respond(command)
	_, _ = io.WriteString(stdout, out)
	return code, nil
}

func (s *scriptedSession) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.files[remotePath] = data
	return nil
}

func (s *scriptedSession) Download(ctx context.Context, remotePath, localPath string) error {
	s.d.mu.Lock()
	data, ok := s.d.files[remotePath]
	s.d.mu.Unlock()
	if !ok {
		return fmt.Errorf("open %s: %w", remotePath, fs.ErrNotExist)
	}
	return writeLocalFile(localPath, bytes.NewReader(data))
}

func (s *scriptedSession) Close() error { return nil }

func testDeps(t *testing.T, dialer Dialer) Deps {
	t.Helper()
	return Deps{
		Workspace: Workspace{Root: t.TempDir()},
		Dialer:    dialer,
		Poll:      PollConfig{Interval: 0, MaxAttempts: 3},
		Logger:    log.Discard(),
	}
}

func testPlan(runner RunnerKind, commands ...string) *Plan {
	plan := &Plan{
		ID:        "plan-1",
		ProjectID: "1",
		Runner:    runner,
		Commands:  commands,
		Approved:  true,
	}
	plan.Fingerprint = Fingerprint(plan.Runner, plan.Commands, plan.Context)
	return plan
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
