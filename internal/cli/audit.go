package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/audit"
)

var (
	tailLines  int
	tailRule   string
	tailEvent  string
	tailKind   string
	tailSince  time.Duration
	tailAsJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&tailRule, "rule", "", "Only entries for this rule")
	auditTailCmd.Flags().StringVar(&tailEvent, "event", "", "Only entries for this event")
	auditTailCmd.Flags().StringVar(&tailKind, "kind", "", "Only entries of this kind (e.g. execution_finished)")
	auditTailCmd.Flags().DurationVar(&tailSince, "since", 0, "Only entries newer than this (e.g. 1h)")
	auditTailCmd.Flags().BoolVar(&tailAsJSON, "json", false, "Print JSON instead of a timeline")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log of executions and escalations.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the audit log, applies the filters and prints the last N entries as a timeline.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

// auditPath takes the path argument or falls back to the configured log.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.AuditLog == "" {
		return "", fmt.Errorf("no audit log path given and none configured")
	}
	return cfg.AuditLog, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	f := audit.Filter{
		Kind:    audit.Kind(tailKind),
		RuleID:  tailRule,
		EventID: tailEvent,
		Limit:   tailLines,
	}
	if tailSince > 0 {
		f.Since = time.Now().Add(-tailSince)
	}
	entries, summary, err := audit.Read(path, f)
	if err != nil {
		return err
	}
	if tailAsJSON {
		out, err := audit.FormatJSON(entries, summary)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(entries, summary))
	return nil
}
