// Package store persists plans, executions, audit entries and batch job
// records as JSON files under the data directory:
//
//	<root>/state/plans/<plan>.json
//	<root>/state/executions/<execution>.json
//	<root>/state/audit/<execution>/<seq>_<entry>.json
//	<root>/state/jobs/<plan>.json
//
// Writes go through a temporary file and rename, so readers never observe
// a partial record.
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/exec"
)

const stateDir = "state"

// FileStore is a filesystem-backed store safe for concurrent use within
// one process
type FileStore struct {
	root        string
	retryConfig retry.Config

	mu sync.RWMutex
}

// New creates a FileStore rooted at dataDir and creates its directories
func New(dataDir string) (*FileStore, error) {
	s := &FileStore{
		root: filepath.Join(dataDir, stateDir),
		retryConfig: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
	}
	for _, dir := range []string{"plans", "executions", "audit", "jobs"} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0750); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "create state directory", err)
		}
	}
	return s, nil
}

// Root returns the state directory
func (s *FileStore) Root() string {
	return s.root
}

// SavePlan creates or replaces a plan
func (s *FileStore) SavePlan(ctx context.Context, plan *exec.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.path("plans", plan.ID), plan)
}

// GetPlan loads a plan
func (s *FileStore) GetPlan(ctx context.Context, id string) (*exec.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var plan exec.Plan
	if err := s.read(ctx, s.path("plans", id), &plan); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewPlanNotFoundError(id)
		}
		return nil, err
	}
	return &plan, nil
}

// ListPlans returns the plans of a project, oldest first. An empty
// projectID lists every plan.
func (s *FileStore) ListPlans(ctx context.Context, projectID string) ([]exec.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans, err := readAll[exec.Plan](ctx, s, filepath.Join(s.root, "plans"))
	if err != nil {
		return nil, err
	}
	filtered := plans[:0]
	for _, p := range plans {
		if projectID == "" || p.ProjectID == projectID {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })
	return filtered, nil
}

// CreateExecution implements exec.Store
func (s *FileStore) CreateExecution(ctx context.Context, execution *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path("executions", execution.ID)
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}
	return s.write(ctx, p, execution)
}

// UpdateExecution implements exec.Store
func (s *FileStore) UpdateExecution(ctx context.Context, execution *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path("executions", execution.ID)
	if _, err := os.Stat(p); err != nil {
		return errors.NewExecutionNotFoundError(execution.ID)
	}
	return s.write(ctx, p, execution)
}

// GetExecution implements exec.Store
func (s *FileStore) GetExecution(ctx context.Context, id string) (*exec.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execution exec.Execution
	if err := s.read(ctx, s.path("executions", id), &execution); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewExecutionNotFoundError(id)
		}
		return nil, err
	}
	return &execution, nil
}

// ListExecutions returns executions, oldest first, optionally only those
// in one of statuses
func (s *FileStore) ListExecutions(ctx context.Context, statuses ...exec.Status) ([]exec.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := readAll[exec.Execution](ctx, s, filepath.Join(s.root, "executions"))
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, e := range all {
		if len(statuses) == 0 || containsStatus(statuses, e.Status) {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })
	return filtered, nil
}

func containsStatus(statuses []exec.Status, s exec.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CreateAudit implements exec.Store
func (s *FileStore) CreateAudit(ctx context.Context, entry *exec.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "audit", safeName(entry.ExecutionID))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "create audit directory", err)
	}
	return s.write(ctx, s.auditPath(entry), entry)
}

// UpdateAudit implements exec.Store
func (s *FileStore) UpdateAudit(ctx context.Context, entry *exec.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.auditPath(entry)
	if _, err := os.Stat(p); err != nil {
		return errors.Wrap(errors.ErrCodeFileNotFound, "audit entry not found", err)
	}
	return s.write(ctx, p, entry)
}

// ListAudit implements exec.Store. Entries are ordered by sequence number.
func (s *FileStore) ListAudit(ctx context.Context, executionID string) ([]exec.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := readAll[exec.AuditEntry](ctx, s, filepath.Join(s.root, "audit", safeName(executionID)))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *FileStore) auditPath(entry *exec.AuditEntry) string {
	name := fmt.Sprintf("%06d_%s.json", entry.Seq, safeName(entry.ID))
	return filepath.Join(s.root, "audit", safeName(entry.ExecutionID), name)
}

// SaveJob implements exec.Store
func (s *FileStore) SaveJob(ctx context.Context, job *exec.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.path("jobs", job.PlanID), job)
}

// GetJob implements exec.Store. It returns an error wrapping exec.ErrNoJob
// when the plan was never submitted.
func (s *FileStore) GetJob(ctx context.Context, planID string) (*exec.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var job exec.JobRecord
	if err := s.read(ctx, s.path("jobs", planID), &job); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("plan %s: %w", planID, exec.ErrNoJob)
		}
		return nil, err
	}
	return &job, nil
}

// Writable verifies that the state directory accepts writes
func (s *FileStore) Writable(ctx context.Context) error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "state directory not writable", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FileStore) path(kind, id string) string {
	return filepath.Join(s.root, kind, safeName(id)+".json")
}

// safeName keeps ids from escaping their directory
func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}

// write marshals v and atomically replaces path, retrying transient failures
func (s *FileStore) write(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileMarshal, "marshal record", err)
	}

	retryer := retry.New[struct{}](s.retryConfig)
	_, err = retryer.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, writeAtomic(path, data)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write "+filepath.Base(path), err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// read loads path into v. A missing file is reported without retrying
// and matches fs.ErrNotExist.
func (s *FileStore) read(ctx context.Context, path string, v any) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	retryer := retry.New[[]byte](s.retryConfig)
	// #nosec G304 -- path is built from the state root and a sanitized id
	data, err := retryer.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileReadFailed, "read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewFileUnmarshalError(path, "JSON", err)
	}
	return nil
}

// readAll decodes every .json file in dir. A missing dir is empty.
func readAll[T any](ctx context.Context, s *FileStore, dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []T{}, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "list "+filepath.Base(dir), err)
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		var v T
		if err := s.read(ctx, filepath.Join(dir, entry.Name()), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

var _ exec.Store = (*FileStore)(nil)
