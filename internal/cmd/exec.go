package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/exitcode"
	"github.com/felixgeelhaar/manuscript/internal/orchestrator"
	"github.com/felixgeelhaar/manuscript/internal/tui"
	"github.com/felixgeelhaar/manuscript/internal/ux"
)

func newExecCmd() *cobra.Command {
	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Plan, approve, run and inspect command executions",
		Long: `Manage the execution lifecycle of a project's command batches.

  plan     screen commands and store an unapproved plan
  approve  review and approve a plan
  run      execute an approved plan
  cancel   cancel a running execution
  collect  download staged outputs into the artifact directory
  status   show an execution's state
  logs     print an execution's stdout and stderr
  audit    list audit entries and verify log checksums`,
	}

	execCmd.AddCommand(
		newPlanCmd(),
		newApproveCmd(),
		newRunCmd(),
		newCancelCmd(),
		newCollectCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newAuditCmd(),
	)
	return execCmd
}

func newPlanCmd() *cobra.Command {
	var (
		project      string
		runner       string
		commands     []string
		commandsFile string
		contextFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan [flags] [-- command...]",
		Short: "Create an unapproved plan from a command batch",
		Example: `  manuscript exec plan --project 1 -c "make data" -c "python train.py"
  manuscript exec plan --project 1 --runner slurm --context cluster.yaml --commands-file job.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}

			all := append(append([]string{}, commands...), args...)
			if commandsFile != "" {
				fromFile, err := readCommandsFile(commandsFile)
				if err != nil {
					return err
				}
				all = append(all, fromFile...)
			}

			var execCtx exec.ExecContext
			if contextFile != "" {
				if execCtx, err = readContextFile(contextFile); err != nil {
					return err
				}
			}

			resp, err := a.service.Plan(cmd.Context(), orchestrator.PlanRequest{
				ProjectID: project,
				Runner:    runner,
				Commands:  all,
				Context:   execCtx,
			})
			if err != nil {
				return ux.FormatError(err, "plan")
			}
			return cc.Print(cmd, (*planView)(resp))
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project identifier")
	cmd.Flags().StringVarP(&runner, "runner", "r", "local", "runner kind: local, ssh, slurm")
	cmd.Flags().StringArrayVarP(&commands, "command", "c", nil, "command to run (repeatable, kept in order)")
	cmd.Flags().StringVar(&commandsFile, "commands-file", "", "file with one command per line")
	cmd.Flags().StringVar(&contextFile, "context", "", "execution context file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// readCommandsFile reads one command per line, skipping blank lines and
// lines starting with #.
func readCommandsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to open commands file", err)
	}
	defer f.Close()

	var commands []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		commands = append(commands, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read commands file", err)
	}
	return commands, nil
}

// readContextFile decodes YAML, which also accepts JSON documents.
func readContextFile(path string) (exec.ExecContext, error) {
	var execCtx exec.ExecContext
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return execCtx, errors.NewFileNotFoundError(path)
		}
		return execCtx, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read context file", err)
	}
	if err := yaml.Unmarshal(data, &execCtx); err != nil {
		return execCtx, errors.NewFileUnmarshalError(path, "YAML", err)
	}
	return execCtx, nil
}

func newApproveCmd() *cobra.Command {
	var (
		yes bool
		by  string
	)

	cmd := &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Review and approve a plan",
		Long: `Approve a plan so it can run. Without --yes an interactive review
lists every command with destructive ones flagged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if !yes {
				if !tui.IsInteractive() {
					return fmt.Errorf("approval needs a terminal; pass --yes to approve without review")
				}
				plan, err := a.service.GetPlan(ctx, args[0])
				if err != nil {
					return ux.FormatError(err, "approve")
				}
				result, err := tui.RunPlanReview(plan)
				if err != nil {
					return err
				}
				if !result.Approved {
					return fmt.Errorf("plan %s not approved: %s", plan.ID, result.Reason)
				}
				if by == "" {
					if by, err = tui.PromptForApprover(os.Getenv("USER")); err != nil {
						return err
					}
				}
			}
			if by == "" {
				by = os.Getenv("USER")
			}
			if by == "" {
				by = "cli"
			}

			plan, err := a.service.Approve(ctx, args[0], by)
			if err != nil {
				return ux.FormatError(err, "approve")
			}
			return cc.Print(cmd, map[string]string{
				"status":      "approved",
				"plan_id":     plan.ID,
				"approved_by": plan.ApprovedBy,
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve without interactive review")
	cmd.Flags().StringVar(&by, "by", "", "approver name (default $USER)")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan-id>",
		Short: "Run an approved plan",
		Long: `Run an approved plan and wait for it to finish. Commands run in order
and stop at the first failure. Slurm plans wait for the job to leave the
queue, bounded by batch.max_poll_attempts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			status, err := a.service.Run(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "run")
			}
			if err := cc.Print(cmd, (*statusView)(status)); err != nil {
				return err
			}
			if status.Status == exec.StatusFailed {
				return fmt.Errorf("execution %s: %w", status.ExecutionID, exitcode.ErrRunFailed)
			}
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			if !yes {
				if !tui.IsInteractive() {
					return fmt.Errorf("cancel needs confirmation; pass --yes")
				}
				ok, err := tui.PromptForConfirmation(fmt.Sprintf("Cancel execution %s?", args[0]), false)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "Aborted")
					return nil
				}
			}
			status, err := a.service.Cancel(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "cancel")
			}
			return cc.Print(cmd, (*statusView)(status))
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "cancel without confirmation")
	return cmd
}

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect <execution-id>",
		Short: "Download staged outputs into the project's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			result, err := a.service.Collect(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "collect")
			}
			return cc.Print(cmd, (*collectView)(result))
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			status, err := a.service.Status(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "status")
			}
			return cc.Print(cmd, (*statusView)(status))
		},
	}
}

func newLogsCmd() *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "logs <execution-id>",
		Short: "Print an execution's stdout and stderr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			logs, err := a.service.Logs(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "logs")
			}
			switch stream {
			case "stdout":
				_, err = io.WriteString(cmd.OutOrStdout(), logs.Stdout)
			case "stderr":
				_, err = io.WriteString(cmd.OutOrStdout(), logs.Stderr)
			case "", "both":
				err = cc.Print(cmd, (*logsView)(logs))
			default:
				err = fmt.Errorf("unknown stream %q (supported: stdout, stderr, both)", stream)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "both", "which log to print: stdout, stderr, both")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "audit <execution-id>",
		Short: "List an execution's audit entries",
		Long: `List the audit entries recorded for each command. With --verify the
log checksum is recomputed and compared with the last entry; a mismatch
means the logs were changed or truncated after the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cc, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			if verify {
				v, err := a.service.VerifyAudit(cmd.Context(), args[0])
				if err != nil {
					return ux.FormatError(err, "audit")
				}
				if err := cc.Print(cmd, (*verifyView)(v)); err != nil {
					return err
				}
				if !v.Intact {
					return fmt.Errorf("audit verification failed for execution %s", v.ExecutionID)
				}
				return nil
			}
			entries, err := a.service.Audit(cmd.Context(), args[0])
			if err != nil {
				return ux.FormatError(err, "audit")
			}
			return cc.Print(cmd, auditView(entries))
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "recompute the log checksum and compare")
	return cmd
}
