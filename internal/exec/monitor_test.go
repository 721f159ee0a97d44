package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/manuscript/internal/log"
)

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(log.Discard(), nil)

	started := make(chan struct{})
	require.True(t, m.Start("e-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	assert.True(t, m.Running("e-1"))
	assert.False(t, m.Start("e-1", func(ctx context.Context) {}), "duplicate key must be refused")

	assert.True(t, m.Stop("e-1"))
	assert.False(t, m.Running("e-1"))
	assert.False(t, m.Stop("e-1"))
}

func TestMonitor_TaskCompletesOnItsOwn(t *testing.T) {
	m := NewMonitor(log.Discard(), nil)
	done := make(chan string, 1)

	m.Start("e-2", func(ctx context.Context) { done <- "ok" })
	m.Wait()

	assert.Equal(t, "ok", <-done)
	assert.False(t, m.Running("e-2"))
}

func TestMonitor_Shutdown(t *testing.T) {
	m := NewMonitor(log.Discard(), nil)
	for _, key := range []string{"a", "b", "c"} {
		m.Start(key, func(ctx context.Context) { <-ctx.Done() })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.False(t, m.Start("d", func(ctx context.Context) {}), "no tasks after shutdown")
}

func TestMonitor_NilIsSafe(t *testing.T) {
	var m *Monitor
	assert.False(t, m.Stop("x"))
	assert.False(t, m.Running("x"))
}
