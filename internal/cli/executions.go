package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

var (
	execRule   string
	execEvent  string
	execStatus string
	execSince  time.Duration
	execLimit  int
)

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.Flags().StringVar(&execRule, "rule", "", "Only this rule")
	executionsCmd.Flags().StringVar(&execEvent, "event", "", "Only this event")
	executionsCmd.Flags().StringVar(&execStatus, "status", "", "Only this status (success, failure, partial, running)")
	executionsCmd.Flags().DurationVar(&execSince, "since", 0, "Only executions started within this window (e.g. 24h)")
	executionsCmd.Flags().IntVarP(&execLimit, "limit", "n", 20, "Maximum rows")
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List rule executions, newest first",
	RunE:  runExecutions,
}

func runExecutions(cmd *cobra.Command, args []string) error {
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	f := store.ExecutionFilter{
		RuleID:  execRule,
		EventID: execEvent,
		Status:  model.ExecutionStatus(execStatus),
		Limit:   execLimit,
	}
	if execSince > 0 {
		f.Since = time.Now().Add(-execSince)
	}
	execs, err := rt.engine.Executions(context.Background(), f)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(execs) == 0 {
		fmt.Fprintln(out, "No executions.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-20s %-28s %-8s %-4s %s\n", "ID", "RULE", "EVENT", "STATUS", "ESC", "STARTED")
	for _, e := range execs {
		esc := ""
		if e.Escalated {
			esc = "yes"
		}
		fmt.Fprintf(out, "%-36s %-20s %-28s %-8s %-4s %s\n",
			e.ID,
			truncate(e.RuleID, 20),
			truncate(e.EventID, 28),
			e.Status,
			esc,
			e.StartedAt.Format(time.RFC3339),
		)
	}
	return nil
}
