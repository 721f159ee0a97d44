package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/manuscript/internal/exec"
)

func testPlan() *exec.Plan {
	return &exec.Plan{
		ID:        "plan-1",
		ProjectID: "7",
		Runner:    exec.RunnerBatch,
		Commands:  []string{"module load python", "rm -rf scratch", "python train.py"},
		Warnings:  []string{"rm -rf scratch"},
		Context: exec.ExecContext{
			ClusterProfile: &exec.ClusterProfile{Host: "hpc.example.org", RemoteBaseDir: "/scratch/alice"},
			Staging: exec.Staging{
				Upload: []exec.PathPair{{Local: "data.csv", Remote: "data.csv"}},
			},
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m planReviewModel, keys ...string) (planReviewModel, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, k := range keys {
		var next tea.Model
		next, cmd = m.Update(key(k))
		var ok bool
		m, ok = next.(planReviewModel)
		require.True(t, ok)
	}
	return m, cmd
}

func TestPlanReview_Navigation(t *testing.T) {
	m := newPlanReviewModel(testPlan())
	assert.Nil(t, m.Init())

	m, _ = send(t, m, "j", "j", "j")
	assert.Equal(t, 2, m.cursor, "cursor stops at the last command")

	m, _ = send(t, m, "k")
	assert.Equal(t, 1, m.cursor)

	m, _ = send(t, m, "enter")
	assert.Equal(t, detailView, m.mode)
	view := m.View()
	assert.Contains(t, view, "Command 2 of 3")
	assert.Contains(t, view, "rm -rf scratch")
	assert.Contains(t, view, "/scratch/alice")
	assert.Contains(t, view, "data.csv")

	m, _ = send(t, m, "esc")
	assert.Equal(t, listView, m.mode)
}

func TestPlanReview_ListHighlightsFlaggedCommands(t *testing.T) {
	m := newPlanReviewModel(testPlan())
	view := m.View()

	assert.Contains(t, view, "Flagged: 1")
	assert.Contains(t, view, "destructive")
	assert.True(t, m.flagged(1))
	assert.False(t, m.flagged(0))
}

func TestPlanReview_Approve(t *testing.T) {
	m, cmd := send(t, newPlanReviewModel(testPlan()), "a")
	require.NotNil(t, m.result)
	assert.True(t, m.result.Approved)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "approved")
}

func TestPlanReview_RejectWithReason(t *testing.T) {
	m, _ := send(t, newPlanReviewModel(testPlan()), "r")
	assert.True(t, m.editingReason)

	m, _ = send(t, m, "n", "o", "p", "backspace", " ", "r", "m")
	assert.Equal(t, "no rm", m.rejectionInput)
	assert.Contains(t, m.View(), "Rejection reason")

	m, cmd := send(t, m, "enter")
	require.NotNil(t, m.result)
	assert.False(t, m.result.Approved)
	assert.Equal(t, "no rm", m.result.Reason)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "no rm")
}

func TestPlanReview_EscAbandonsReason(t *testing.T) {
	m, _ := send(t, newPlanReviewModel(testPlan()), "r", "x", "esc")
	assert.False(t, m.editingReason)
	assert.Empty(t, m.rejectionInput)
	assert.Nil(t, m.result)
}

func TestPlanReview_QuitRejects(t *testing.T) {
	m, _ := send(t, newPlanReviewModel(testPlan()), "q")
	require.NotNil(t, m.result)
	assert.False(t, m.result.Approved)
	assert.Equal(t, "review cancelled", m.result.Reason)
}

func TestRunPlanReview_EmptyPlanIsNotApproved(t *testing.T) {
	result, err := RunPlanReview(&exec.Plan{ID: "empty"})
	require.NoError(t, err)
	assert.False(t, result.Approved)
}
