package exec

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestChecksumFiles_MatchesConcatenation(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.log")
	errLog := filepath.Join(dir, "err.log")
	require.NoError(t, os.WriteFile(out, []byte("hello\n"), 0600))
	require.NoError(t, os.WriteFile(errLog, []byte("warn\n"), 0600))

	got, err := ChecksumFiles(out, errLog)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte("hello\nwarn\n"))), got)
}

func TestChecksumFiles_MissingFile(t *testing.T) {
	_, err := ChecksumFiles(filepath.Join(t.TempDir(), "absent.log"))
	assert.Error(t, err)
}

// TestChecksumFiles_Deterministic checks that the digest depends only on
// file contents
func TestChecksumFiles_Deterministic(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		stdout := rapid.SliceOf(rapid.Byte()).Draw(t, "stdout")
		stderr := rapid.SliceOf(rapid.Byte()).Draw(t, "stderr")

		sums := make([]string, 2)
		for i := range sums {
			a := filepath.Join(dir, fmt.Sprintf("a%d.log", i))
			b := filepath.Join(dir, fmt.Sprintf("b%d.log", i))
			if err := os.WriteFile(a, stdout, 0600); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(b, stderr, 0600); err != nil {
				t.Fatal(err)
			}
			sum, err := ChecksumFiles(a, b)
			if err != nil {
				t.Fatal(err)
			}
			sums[i] = sum
		}
		if sums[0] != sums[1] {
			t.Fatalf("identical contents gave %s and %s", sums[0], sums[1])
		}
	})
}

func TestAudit_ChecksumIsCumulative(t *testing.T) {
	deps := testDeps(t, nil)
	store := newMemStore()
	plan := testPlan(RunnerLocal, "echo first", "echo second")

	execution, err := NewLocalRunner(deps).RunApproved(context.Background(), plan, store)
	require.NoError(t, err)

	entries, err := store.ListAudit(context.Background(), execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := fmt.Sprintf("%x", sha256.Sum256([]byte("first\n")))
	both := fmt.Sprintf("%x", sha256.Sum256([]byte("first\nsecond\n")))
	assert.Equal(t, first, entries[0].Checksum)
	assert.Equal(t, both, entries[1].Checksum)

	final, err := ChecksumFiles(execution.StdoutPath, execution.StderrPath)
	require.NoError(t, err)
	assert.Equal(t, final, entries[1].Checksum)
}

func TestAudit_EntryPersistedBeforeCommand(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	logs, err := openRunLogs(filepath.Join(dir, "o.log"), filepath.Join(dir, "e.log"))
	require.NoError(t, err)
	defer logs.Close()

	execution := &Execution{ID: "e-1", ProjectID: "1"}
	var seenBefore int
	code, err := auditCommand(context.Background(), store, logs, execution, 0, "echo", func() (int, error) {
		entries, _ := store.ListAudit(context.Background(), "e-1")
		seenBefore = len(entries)
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, 1, seenBefore)

	entries, _ := store.ListAudit(context.Background(), "e-1")
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ExitCode)
	assert.Equal(t, 3, *entries[0].ExitCode)
	assert.NotNil(t, entries[0].FinishedAt)
	assert.NotEmpty(t, entries[0].Checksum)
}

func TestAudit_RunErrorLeavesExitCodeUnset(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	logs, err := openRunLogs(filepath.Join(dir, "o.log"), filepath.Join(dir, "e.log"))
	require.NoError(t, err)
	defer logs.Close()

	execution := &Execution{ID: "e-2"}
	_, err = auditCommand(context.Background(), store, logs, execution, 0, "x", func() (int, error) {
		return 0, fmt.Errorf("connection reset")
	})
	require.EqualError(t, err, "connection reset")

	entries, _ := store.ListAudit(context.Background(), "e-2")
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ExitCode)
	assert.NotNil(t, entries[0].FinishedAt)
}
