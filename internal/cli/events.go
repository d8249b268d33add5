package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			events, err := a.orch.Events().List(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tTYPE\tDETAIL")
			for _, e := range events {
				detail := ""
				if p, ok := e.Payload["phase"].(string); ok {
					detail = p
				}
				if msg, ok := e.Payload["error"].(string); ok {
					detail += " " + msg
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					e.ID, e.Timestamp.Format(time.RFC3339), e.Type, detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit raw JSON")
	return cmd
}

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show resumable agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			cps, err := a.orch.Checkpoints().FindActiveForRecovery()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cps) == 0 {
				fmt.Fprintln(out, "no active checkpoints")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tPHASE\tSESSION\tTURNS\tLAST HEARTBEAT")
			for _, cp := range cps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					shortID(cp.TaskID), cp.Phase, cp.ExternalSessionID, cp.TurnsCompleted,
					cp.LastCheckpointAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	return cmd
}
