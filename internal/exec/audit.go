package exec

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// ChecksumFiles computes the SHA-256 digest over the concatenated contents
// of paths, read in order. Audit entries use it over the stdout and stderr
// logs, so each checksum covers everything logged so far in the run.
func ChecksumFiles(paths ...string) (string, error) {
	hasher := sha256.New()
	for _, path := range paths {
		if err := hashInto(hasher, path); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func hashInto(w io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	return nil
}

// newAuditEntry creates the intent record persisted before a command runs
func newAuditEntry(execution *Execution, seq int, command string) *AuditEntry {
	return &AuditEntry{
		ID:          uuid.NewString(),
		ProjectID:   execution.ProjectID,
		ExecutionID: execution.ID,
		Seq:         seq,
		Command:     command,
		StdoutPath:  execution.StdoutPath,
		StderrPath:  execution.StderrPath,
		StartedAt:   time.Now().UTC(),
	}
}

// auditCommand brackets one command attempt with its audit entry:
// the entry is stored before run is called and updated with the exit code
// and the cumulative log checksum afterwards.
func auditCommand(ctx context.Context, store Store, logs *runLogs, execution *Execution, seq int, command string, run func() (int, error)) (int, error) {
	entry := newAuditEntry(execution, seq, command)
	if err := store.CreateAudit(ctx, entry); err != nil {
		return 0, fmt.Errorf("record audit intent: %w", err)
	}

	code, runErr := run()

	finished := time.Now().UTC()
	entry.FinishedAt = &finished
	if runErr == nil {
		entry.ExitCode = intPtr(code)
	}

	sum, err := logs.Checksum()
	if err != nil && runErr == nil {
		runErr = err
	}
	entry.Checksum = sum

	if err := store.UpdateAudit(ctx, entry); err != nil && runErr == nil {
		runErr = fmt.Errorf("record audit result: %w", err)
	}
	return code, runErr
}
