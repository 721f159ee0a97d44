package exec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// CollectManifest records the files one collection saved with their
// SHA-256 hashes, so later edits to collected outputs can be detected.
type CollectManifest struct {
	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	Runner      RunnerKind        `json:"runner"`
	CollectedAt time.Time         `json:"collected_at"`
	Files       map[string]string `json:"files"`
}

func newCollectManifest(plan *Plan, execution *Execution) *CollectManifest {
	return &CollectManifest{
		ExecutionID: execution.ID,
		PlanID:      plan.ID,
		Runner:      plan.Runner,
		CollectedAt: time.Now().UTC(),
		Files:       make(map[string]string),
	}
}

// AddFile hashes path and records it under its artifact-relative name
func (m *CollectManifest) AddFile(rel, path string) error {
	sum, err := ChecksumFiles(path)
	if err != nil {
		return err
	}
	m.Files[rel] = sum
	return nil
}

// RunsDir returns the project's runs directory, creating the layout if needed
func (w Workspace) RunsDir(projectID string) (string, error) {
	if _, err := w.ArtifactsDir(projectID); err != nil {
		return "", err
	}
	return filepath.Join(w.ProjectDir(projectID), "runs"), nil
}

func manifestName(executionID string) string {
	return fmt.Sprintf("collect_%s.json", executionID)
}

// SaveManifest writes m into dir, replacing an earlier collection of the
// same execution.
func SaveManifest(m *CollectManifest, dir string) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeFileMarshal, "marshal manifest", err)
	}
	path := filepath.Join(dir, manifestName(m.ExecutionID))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(errors.ErrCodeFileWriteFailed, "write manifest", err)
	}
	return path, nil
}

// LoadManifest reads the manifest of an execution's last collection
func (w Workspace) LoadManifest(projectID, executionID string) (*CollectManifest, error) {
	path := filepath.Join(w.ProjectDir(projectID), "runs", manifestName(executionID))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read manifest", err)
	}
	var m CollectManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewFileUnmarshalError(path, "JSON", err)
	}
	return &m, nil
}

// Changed lists manifest files whose current hash differs or that are gone
func (m *CollectManifest) Changed(artifacts string) []string {
	var changed []string
	for rel, want := range m.Files {
		got, err := ChecksumFiles(filepath.Join(artifacts, filepath.FromSlash(rel)))
		if err != nil || got != want {
			changed = append(changed, rel)
		}
	}
	return changed
}
