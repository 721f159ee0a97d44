package exec

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// Workspace lays out per-project directories under a data root:
//
//	<root>/projects/project_<id>/artifacts
//	<root>/projects/project_<id>/runs
type Workspace struct {
	Root string
}

// ProjectDir returns the project's directory without creating it
func (w Workspace) ProjectDir(projectID string) string {
	return filepath.Join(w.Root, "projects", "project_"+projectID)
}

// ArtifactsDir returns the project's artifact directory, creating the layout if needed
func (w Workspace) ArtifactsDir(projectID string) (string, error) {
	if projectID == "" {
		return "", errors.New(errors.ErrCodePlanInvalid, "project id is required")
	}
	base := w.ProjectDir(projectID)
	for _, dir := range []string{filepath.Join(base, "artifacts"), filepath.Join(base, "runs")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", errors.Wrap(errors.ErrCodeDirectoryFailed, "create project directory", err)
		}
	}
	return filepath.Join(base, "artifacts"), nil
}

// RunLogPaths returns the fixed stdout and stderr log files for a plan's runs
func (w Workspace) RunLogPaths(projectID, planID string) (string, string, error) {
	dir, err := w.ArtifactsDir(projectID)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, fmt.Sprintf("exec_%s_stdout.log", planID)),
		filepath.Join(dir, fmt.Sprintf("exec_%s_stderr.log", planID)), nil
}

// ListArtifacts returns artifact files relative to the artifact directory, sorted
func (w Workspace) ListArtifacts(projectID string) ([]string, error) {
	base, err := w.ArtifactsDir(projectID)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "list artifacts", err)
	}
	sort.Strings(files)
	return files, nil
}

// resolveLocal resolves p against the artifact directory unless it is absolute
func resolveLocal(artifacts, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(artifacts, p)
}

// resolveInside joins rel onto base and rejects results that escape base
func resolveInside(base, rel string) (string, error) {
	full := filepath.Clean(filepath.Join(base, rel))
	cleanBase := filepath.Clean(base)
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", rel, base)
	}
	return full, nil
}
