package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

var (
	escStatus     string
	escRule       string
	escResolvedBy string
	escResolution string
)

func init() {
	rootCmd.AddCommand(escalationsCmd)
	escalationsCmd.AddCommand(escalationsListCmd)
	escalationsCmd.AddCommand(escalationsResolveCmd)
	escalationsCmd.AddCommand(escalationsAdvanceCmd)

	escalationsListCmd.Flags().StringVar(&escStatus, "status", "open", "open, resolved or empty for all")
	escalationsListCmd.Flags().StringVar(&escRule, "rule", "", "Only this rule")
	escalationsResolveCmd.Flags().StringVar(&escResolvedBy, "by", os.Getenv("USER"), "Who resolved the escalation")
	escalationsResolveCmd.Flags().StringVar(&escResolution, "resolution", "", "What was done")
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Inspect and handle escalations",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	RunE:  runEscalationsList,
}

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an open escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsResolve,
}

var escalationsAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Move an open escalation to its next level now",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsAdvance,
}

func runEscalationsList(cmd *cobra.Command, args []string) error {
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	escs, err := rt.engine.Escalations(context.Background(), store.EscalationFilter{
		RuleID: escRule,
		Status: model.EscalationStatus(escStatus),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(escs) == 0 {
		fmt.Fprintln(out, "No escalations.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-20s %-9s %-7s %-20s %s\n", "ID", "RULE", "STATUS", "LEVEL", "ASSIGNEE", "NEXT")
	for _, e := range escs {
		next := "-"
		if e.NextAdvanceAt != nil {
			next = e.NextAdvanceAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%-36s %-20s %-9s %-7s %-20s %s\n",
			e.ID,
			truncate(e.RuleID, 20),
			e.Status,
			fmt.Sprintf("%d/%d", e.CurrentLevel, e.MaxLevel()),
			truncate(e.Target.Assignee, 20),
			next,
		)
	}
	return nil
}

func runEscalationsResolve(cmd *cobra.Command, args []string) error {
	if escResolvedBy == "" {
		return fmt.Errorf("--by is required")
	}
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	esc, err := rt.engine.ResolveEscalation(context.Background(), args[0], escResolvedBy, escResolution)
	if err != nil {
		return err
	}
	return printJSON(cmd, esc)
}

func runEscalationsAdvance(cmd *cobra.Command, args []string) error {
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	esc, err := rt.engine.AdvanceEscalation(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, esc)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
