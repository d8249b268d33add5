package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

func newRunCmd(a *app) *cobra.Command {
	var fresh, continuation bool

	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run the pipeline for a task",
		Long: "Runs planning, build, review, and integrate for a task. The run mode is " +
			"detected automatically: completed tasks continue, interrupted tasks recover. " +
			"Use --fresh or --continue to force a mode.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			taskID := args[0]

			mode, err := a.orch.DetectRunMode(taskID)
			if err != nil {
				return err
			}
			switch {
			case fresh:
				mode = task.RunFresh
			case continuation:
				mode = task.RunContinuation
			}
			fmt.Fprintf(cmd.OutOrStdout(), "running task %s (%s)\n", shortID(taskID), mode)
			a.orch.SetProgress(cmd.OutOrStdout())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.orch.RunTask(ctx, taskID, mode)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "force a fresh run")
	cmd.Flags().BoolVar(&continuation, "continue", false, "force a continuation run")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Recover tasks interrupted by a crash",
		Long: "Finds in-progress tasks with fresh active checkpoints and re-runs them in " +
			"recovery mode, skipping completed phases and resuming live agent sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			cps, err := a.orch.Checkpoints().FindActiveForRecovery()
			if err != nil {
				return err
			}
			candidates := map[string]bool{}
			for _, cp := range cps {
				candidates[cp.TaskID] = true
			}
			// Tasks stranded in_progress without any live session still
			// deserve a recovery pass; their completed phases will skip.
			stranded, err := a.orch.Store().FindAll(store.Filters{Status: task.StatusInProgress})
			if err != nil {
				return err
			}
			for _, t := range stranded {
				candidates[t.ID] = true
			}
			if len(candidates) == 0 {
				fmt.Fprintln(out, "nothing to recover")
				return nil
			}

			a.orch.SetProgress(out)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var firstErr error
			for taskID := range candidates {
				fmt.Fprintf(out, "recovering task %s\n", shortID(taskID))
				if err := a.orch.RunTask(ctx, taskID, task.RunRecovery); err != nil {
					fmt.Fprintf(out, "  recovery failed: %v\n", err)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
	}
}
