package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    Status
		event   string
		want    Status
		wantErr bool
	}{
		{StatusPending, eventStart, StatusRunning, false},
		{StatusPending, eventCancel, StatusCancelled, false},
		{StatusPending, eventFail, StatusFailed, false},
		{StatusPending, eventComplete, StatusPending, true},
		{StatusRunning, eventComplete, StatusCompleted, false},
		{StatusRunning, eventFail, StatusFailed, false},
		{StatusRunning, eventCancel, StatusCancelled, false},
		{StatusRunning, eventStart, StatusRunning, true},
		{StatusCompleted, eventCancel, StatusCompleted, true},
		{StatusFailed, eventComplete, StatusFailed, true},
		{StatusCancelled, eventStart, StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event, func(t *testing.T) {
			got, err := nextStatus(tt.from, tt.event)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeExecInvalidTransition))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCanCancel(t *testing.T) {
	assert.True(t, CanCancel(StatusPending))
	assert.True(t, CanCancel(StatusRunning))
	assert.False(t, CanCancel(StatusCompleted))
	assert.False(t, CanCancel(StatusFailed))
	assert.False(t, CanCancel(StatusCancelled))
}

func TestParseRunnerKind(t *testing.T) {
	for in, want := range map[string]RunnerKind{
		"local": RunnerLocal, "remote": RunnerRemote, "ssh": RunnerRemote,
		"batch": RunnerBatch, "slurm": RunnerBatch, " SLURM ": RunnerBatch,
	} {
		got, err := ParseRunnerKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRunnerKind("kubernetes")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecUnknownRunner))
}
