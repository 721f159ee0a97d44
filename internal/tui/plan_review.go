package tui

import (
	"fmt"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/manuscript/internal/exec"
)

// PlanReviewResult holds the outcome of a review session
type PlanReviewResult struct {
	Approved bool
	Reason   string
}

type viewMode int

const (
	listView viewMode = iota
	detailView
)

// planReviewModel walks the reviewer through a plan's commands, flagged
// ones highlighted, before approval.
type planReviewModel struct {
	plan           *exec.Plan
	cursor         int
	mode           viewMode
	rejectionInput string
	editingReason  bool
	result         *PlanReviewResult
	width          int
	height         int
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("170")).
				Bold(true).
				PaddingLeft(2)

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	detailKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99")).
			Bold(true)

	detailValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginLeft(2).
			MarginTop(1)

	approveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	rejectStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

func newPlanReviewModel(p *exec.Plan) planReviewModel {
	return planReviewModel{plan: p, mode: listView}
}

func (m planReviewModel) Init() tea.Cmd {
	return nil
}

func (m planReviewModel) flagged(i int) bool {
	return slices.Contains(m.plan.Warnings, m.plan.Commands[i])
}

func (m planReviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.editingReason {
			return m.updateReason(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			m.result = &PlanReviewResult{Approved: false, Reason: "review cancelled"}
			return m, tea.Quit

		case "up", "k":
			if m.mode == listView && m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.mode == listView && m.cursor < len(m.plan.Commands)-1 {
				m.cursor++
			}

		case "enter", "right", "l":
			m.mode = detailView

		case "left", "h", "esc":
			m.mode = listView

		case "a", "A":
			m.result = &PlanReviewResult{Approved: true}
			return m, tea.Quit

		case "r", "R":
			m.editingReason = true
		}
	}

	return m, nil
}

func (m planReviewModel) updateReason(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.editingReason = false
		m.result = &PlanReviewResult{Approved: false, Reason: strings.TrimSpace(m.rejectionInput)}
		return m, tea.Quit
	case tea.KeyEsc:
		m.editingReason = false
		m.rejectionInput = ""
	case tea.KeyBackspace:
		if r := []rune(m.rejectionInput); len(r) > 0 {
			m.rejectionInput = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.rejectionInput += " "
	case tea.KeyRunes:
		m.rejectionInput += string(msg.Runes)
	}
	return m, nil
}

func (m planReviewModel) View() string {
	if m.result != nil {
		if m.result.Approved {
			return approveStyle.Render("\n✓ Plan approved\n\n")
		}
		reason := m.result.Reason
		if reason == "" {
			reason = "no reason provided"
		}
		return rejectStyle.Render(fmt.Sprintf("\n✗ Plan rejected\n  Reason: %s\n\n", reason))
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Plan Review " + m.plan.ID))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("Runner: %s | Commands: %d | Flagged: %d",
		m.plan.Runner, len(m.plan.Commands), len(m.plan.Warnings))))
	b.WriteString("\n\n")

	if m.mode == listView {
		m.renderList(&b)
	} else {
		m.renderDetail(&b)
	}

	b.WriteString("\n")

	switch {
	case m.editingReason:
		b.WriteString(rejectStyle.Render("✗ Rejection reason:"))
		b.WriteString("\n  ")
		b.WriteString(m.rejectionInput)
		b.WriteString("_\n\n")
		b.WriteString(helpStyle.Render("enter: submit | esc: cancel"))
	case m.mode == listView:
		b.WriteString(helpStyle.Render("↑/↓: navigate | enter: details | a: approve | r: reject | q: quit"))
	default:
		b.WriteString(helpStyle.Render("h/esc: back | a: approve | r: reject | q: quit"))
	}

	return b.String()
}

func (m planReviewModel) renderList(b *strings.Builder) {
	for i, command := range m.plan.Commands {
		style := itemStyle
		cursor := "  "
		if i == m.cursor {
			style = selectedItemStyle
			cursor = "→ "
		}
		line := fmt.Sprintf("%s[%d] %s", cursor, i+1, command)
		if m.flagged(i) {
			line += " " + warningStyle.Render("⚠ destructive")
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
}

func (m planReviewModel) renderDetail(b *strings.Builder) {
	if len(m.plan.Commands) == 0 {
		return
	}
	i := m.cursor
	b.WriteString(headerStyle.Render(fmt.Sprintf("Command %d of %d", i+1, len(m.plan.Commands))))
	b.WriteString("\n\n")

	details := []struct{ key, value string }{
		{"Command", m.plan.Commands[i]},
		{"Flagged", fmt.Sprintf("%t", m.flagged(i))},
		{"Project", m.plan.ProjectID},
		{"Fingerprint", m.plan.Fingerprint},
	}
	if cp := m.plan.Context.ClusterProfile; cp != nil {
		details = append(details,
			struct{ key, value string }{"Host", cp.Host},
			struct{ key, value string }{"Remote dir", cp.BaseDir()})
	}

	for _, d := range details {
		b.WriteString("  ")
		b.WriteString(detailKeyStyle.Render(fmt.Sprintf("%-12s:", d.key)))
		b.WriteString(" ")
		b.WriteString(detailValueStyle.Render(d.value))
		b.WriteString("\n")
	}

	staging := m.plan.Context.Staging
	if len(staging.Upload)+len(staging.Download) > 0 {
		b.WriteString("\n  ")
		b.WriteString(detailKeyStyle.Render("Staging:"))
		b.WriteString("\n")
		for _, u := range staging.Upload {
			fmt.Fprintf(b, "    ↑ %s → %s\n", u.Local, u.Remote)
		}
		for _, d := range staging.Download {
			fmt.Fprintf(b, "    ↓ %s → %s\n", d.Remote, d.Local)
		}
	}
}

// RunPlanReview shows the plan interactively and returns the decision.
// A plan without commands cannot be approved.
func RunPlanReview(p *exec.Plan) (*PlanReviewResult, error) {
	if len(p.Commands) == 0 {
		return &PlanReviewResult{Approved: false, Reason: "plan has no commands"}, nil
	}

	finalModel, err := tea.NewProgram(newPlanReviewModel(p)).Run()
	if err != nil {
		return nil, fmt.Errorf("running plan review UI: %w", err)
	}

	m, ok := finalModel.(planReviewModel)
	if !ok {
		return nil, fmt.Errorf("unexpected model type: %T", finalModel)
	}
	if m.result == nil {
		return &PlanReviewResult{Approved: false, Reason: "review ended without a decision"}, nil
	}
	return m.result, nil
}
