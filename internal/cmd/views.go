package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/orchestrator"
)

// Text renderings of command results. JSON and YAML output use the
// underlying types' json tags.

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func statusText(s exec.Status) string {
	switch s {
	case exec.StatusCompleted:
		return okStyle.Render(string(s))
	case exec.StatusFailed, exec.StatusCancelled:
		return badStyle.Render(string(s))
	default:
		return string(s)
	}
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

type planView orchestrator.PlanResponse

func (p *planView) RenderText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Plan:"), p.PlanID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Runner:"), p.Runner)
	fmt.Fprintf(&b, "%s %t\n", labelStyle.Render("Approved:"), p.Approved)
	b.WriteString(labelStyle.Render("Commands:") + "\n")
	for i, c := range p.Commands {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, c)
	}
	if len(p.Warnings) > 0 {
		b.WriteString(warnStyle.Render("Flagged as destructive:") + "\n")
		for _, c := range p.Warnings {
			fmt.Fprintf(&b, "  ⚠ %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nApprove with: manuscript exec approve %s\n", p.PlanID)
	_, err := io.WriteString(w, b.String())
	return err
}

type statusView orchestrator.ExecutionStatus

func (s *statusView) RenderText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Execution:"), s.ExecutionID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Plan:"), s.PlanID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:"), statusText(s.Status))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Exit code:"), exitText(s.ExitCode))
	if s.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Error:"), s.Error)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type collectView orchestrator.CollectResult

func (c *collectView) RenderText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Collected %d file(s)\n", len(c.Files))
	for _, f := range c.Files {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type logsView orchestrator.LogsResult

func (l *logsView) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n%s", labelStyle.Render("== stdout =="), l.Stdout,
		labelStyle.Render("== stderr =="), l.Stderr)
	return err
}

type verifyView orchestrator.Verification

func (v *verifyView) RenderText(w io.Writer) error {
	if v.Intact {
		_, err := fmt.Fprintf(w, "%s %d audit entries, checksum %s\n", okStyle.Render("✓ intact:"), v.Entries, v.Actual)
		return err
	}
	_, err := fmt.Fprintf(w, "%s expected %s, logs hash to %s\n", badStyle.Render("✗ tampered:"), v.Expected, v.Actual)
	return err
}

type auditView []exec.AuditEntry

func (a auditView) RenderText(w io.Writer) error {
	var b strings.Builder
	for _, e := range a {
		checksum := e.Checksum
		if len(checksum) > 12 {
			checksum = checksum[:12]
		}
		fmt.Fprintf(&b, "%3d  exit=%-3s  %-12s  %s\n", e.Seq, exitText(e.ExitCode), checksum, e.Command)
	}
	if len(a) == 0 {
		b.WriteString("no audit entries\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
