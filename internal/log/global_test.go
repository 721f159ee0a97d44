package log

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetDefault clears the process logger for the duration of a test
func resetDefault(t *testing.T) {
	t.Helper()
	original := defaultLogger
	defaultLogger = nil
	t.Cleanup(func() { defaultLogger = original })
}

func TestSetDefaultLogger(t *testing.T) {
	resetDefault(t)

	custom := Development()
	SetDefaultLogger(custom)

	assert.Same(t, custom, DefaultLogger())
}

func TestDefaultLogger_CreatesOnFirstUse(t *testing.T) {
	resetDefault(t)

	logger := DefaultLogger()
	require.NotNil(t, logger)
	assert.Same(t, logger, defaultLogger)
	assert.Same(t, logger, DefaultLogger())
}

func TestDefaultLogger_FirstUseReleasesLock(t *testing.T) {
	resetDefault(t)

	_ = DefaultLogger()

	done := make(chan struct{})
	go func() {
		SetDefaultLogger(Discard())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetDefaultLogger blocked after the first DefaultLogger call")
	}
}

func TestDefaultLogger_ConcurrentFirstUse(t *testing.T) {
	resetDefault(t)

	const readers = 64
	loggers := make([]*Logger, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loggers[i] = DefaultLogger()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent DefaultLogger calls did not return")
	}

	for i := 1; i < readers; i++ {
		assert.Same(t, loggers[0], loggers[i], "logger %d", i)
	}

	// writers still get the lock after the racing first calls
	custom := Discard()
	SetDefaultLogger(custom)
	assert.Same(t, custom, DefaultLogger())
}
