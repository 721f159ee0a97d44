package exec

import (
	"fmt"
	"os"
)

// runLogs holds the two plan-run log files. Both are truncated when a run
// starts and appended to by every command of that run.
type runLogs struct {
	StdoutPath string
	StderrPath string
	Stdout     *os.File
	Stderr     *os.File
}

func openRunLogs(stdoutPath, stderrPath string) (*runLogs, error) {
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open stderr log: %w", err)
	}
	return &runLogs{
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}

// Sync flushes both files so checksums see everything written so far
func (l *runLogs) Sync() error {
	if err := l.Stdout.Sync(); err != nil {
		return fmt.Errorf("sync stdout log: %w", err)
	}
	if err := l.Stderr.Sync(); err != nil {
		return fmt.Errorf("sync stderr log: %w", err)
	}
	return nil
}

// Checksum syncs both logs and digests their full current contents
func (l *runLogs) Checksum() (string, error) {
	if err := l.Sync(); err != nil {
		return "", err
	}
	sum, err := ChecksumFiles(l.StdoutPath, l.StderrPath)
	if err != nil {
		return "", fmt.Errorf("checksum run logs: %w", err)
	}
	return sum, nil
}

func (l *runLogs) Close() error {
	errOut := l.Stdout.Close()
	errErr := l.Stderr.Close()
	if errOut != nil {
		return errOut
	}
	return errErr
}
