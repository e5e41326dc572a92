package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/rules"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect automation rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a rules file",
	Long:  "Parses the rules file and reports every problem in every rule and chain.\nDefaults to the rules_file from the config.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesValidate,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in execution order with their statistics",
	RunE:  runRulesList,
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.RulesFile
	}
	if path == "" {
		return fmt.Errorf("no rules file given and none configured")
	}
	f, hash, err := rules.LoadFileWithHash(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d rules, %d chains (%s)\n", len(f.Rules), len(f.Chains), hash)
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	all, err := rt.engine.Rules(context.Background())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(all) == 0 {
		fmt.Fprintln(out, "No rules.")
		return nil
	}
	fmt.Fprintf(out, "%-24s %-6s %-8s %-30s %8s %8s %6s\n", "ID", "ACTIVE", "PRIORITY", "NAME", "RUNS", "FAILED", "STREAK")
	for _, r := range all {
		fmt.Fprintf(out, "%-24s %-6t %-8d %-30s %8d %8d %6d\n",
			truncate(r.ID, 24),
			r.Active,
			r.Priority,
			truncate(r.Name, 30),
			r.Stats.ExecutionCount,
			r.Stats.FailureCount,
			r.Stats.ConsecutiveFailures,
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
