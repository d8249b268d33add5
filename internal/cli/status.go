package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Overview of active work",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			active, err := a.orch.Store().FindAll(store.Filters{Status: task.StatusInProgress})
			if err != nil {
				return err
			}
			pending, err := a.orch.Store().FindAll(store.Filters{Status: task.StatusPending})
			if err != nil {
				return err
			}
			if len(active)+len(pending) == 0 {
				fmt.Fprintln(out, "no active or pending tasks")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tCOST\tTITLE")
				for _, t := range append(active, pending...) {
					fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n",
						shortID(t.ID), t.Status, currentPhase(t), t.Orchestration.CostUSD, t.Title)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			cps, err := a.orch.Checkpoints().FindActiveForRecovery()
			if err != nil {
				return err
			}
			if len(cps) > 0 {
				fmt.Fprintf(out, "\n%d resumable session(s); run 'taskmill resume' to recover\n", len(cps))
			}
			return nil
		},
	}
}

// currentPhase reports the first phase that is not yet completed.
func currentPhase(t *task.Task) string {
	for _, name := range task.PhaseOrder {
		switch t.Orchestration.Step(name).Status {
		case task.StepCompleted, task.StepSkipped:
			continue
		default:
			return name
		}
	}
	return "-"
}
