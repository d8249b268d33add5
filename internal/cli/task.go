package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskCancelCmd(a),
		newTaskPauseCmd(a),
		newTaskDirectiveCmd(a),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var description, priority string
	var repos []string

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			t, err := a.orch.Store().Create(&task.Task{
				Title:         args[0],
				Description:   description,
				Priority:      priority,
				RepositoryIDs: repos,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "priority (low, normal, high)")
	cmd.Flags().StringSliceVarP(&repos, "repo", "r", nil, "repository ids the task may touch (default: all configured)")
	return cmd
}

func newTaskListCmd(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			tasks, err := a.orch.Store().FindAll(store.Filters{Status: task.TaskStatus(status)})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCOST\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n",
					shortID(t.ID), t.Status, t.Priority, t.Orchestration.CostUSD, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's phases, epics, and stories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			t, err := a.orch.Store().FindByID(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  [%s]  %s\n", t.ID, t.Status, t.Title)
			if t.Description != "" {
				fmt.Fprintf(out, "\n%s\n", t.Description)
			}
			fmt.Fprintf(out, "\nCost: $%.4f  Tokens: %d in / %d out\n",
				t.Orchestration.CostUSD, t.Orchestration.InputTokens, t.Orchestration.OutputTokens)
			if t.Orchestration.PendingApproval != "" {
				fmt.Fprintf(out, "Awaiting input after rejected %s; queue a directive and run with --continue\n",
					t.Orchestration.PendingApproval)
			}

			fmt.Fprintln(out, "\nPhases:")
			for _, name := range task.PhaseOrder {
				step := t.Orchestration.Step(name)
				line := fmt.Sprintf("  %-10s %s", name, step.Status)
				if step.Error != "" {
					line += "  (" + step.Error + ")"
				}
				fmt.Fprintln(out, line)
			}

			if len(t.Orchestration.Epics) > 0 {
				fmt.Fprintln(out, "\nEpics:")
				for _, e := range t.Orchestration.Epics {
					fmt.Fprintf(out, "  [order %d] %s (%s)", e.ExecutionOrder, e.Title, e.RepositoryID)
					if len(e.DependsOn) > 0 {
						fmt.Fprintf(out, " depends on %s", strings.Join(e.DependsOn, ", "))
					}
					fmt.Fprintln(out)
				}
			}
			if len(t.Orchestration.Stories) > 0 {
				fmt.Fprintln(out, "\nStories:")
				for _, s := range t.Orchestration.Stories {
					fmt.Fprintf(out, "  %-12s %s", s.Status, s.Title)
					if s.ReviewScore > 0 {
						fmt.Fprintf(out, " (score %d)", s.ReviewScore)
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
}

func newTaskCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation at the next safe point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if err := a.orch.Store().SetCancelRequested(args[0], true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested; takes effect before the next phase")
			return nil
		},
	}
}

func newTaskPauseCmd(a *app) *cobra.Command {
	var unpause bool

	cmd := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause (or unpause) a task at the next safe point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if err := a.orch.Store().SetPaused(args[0], !unpause); err != nil {
				return err
			}
			if unpause {
				fmt.Fprintln(cmd.OutOrStdout(), "task unpaused")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "pause requested; takes effect before the next phase")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpause, "clear", false, "clear the pause flag")
	return cmd
}

func newTaskDirectiveCmd(a *app) *cobra.Command {
	var phaseName string

	cmd := &cobra.Command{
		Use:   "directive <task-id> <text>",
		Short: "Queue a directive for a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if err := a.orch.Store().AddDirective(args[0], phaseName, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "directive queued for %s\n", phaseName)
			return nil
		},
	}
	cmd.Flags().StringVar(&phaseName, "phase", "planning", "phase the directive targets")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
