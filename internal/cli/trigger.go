package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/model"
)

var (
	triggerAttrs     []string
	triggerAlertType string
	triggerDevice    string
	triggerDryRun    bool
	triggerLive      bool
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().StringArrayVar(&triggerAttrs, "attr", nil, "Event attribute key=value (repeatable)")
	triggerCmd.Flags().StringVar(&triggerAlertType, "alert-type", "", "Shorthand for --attr alertType=...")
	triggerCmd.Flags().StringVar(&triggerDevice, "device", "", "Shorthand for --attr deviceName=...")
	triggerCmd.Flags().BoolVar(&triggerDryRun, "dry-run", false, "Describe the actions instead of running them")
	triggerCmd.Flags().BoolVar(&triggerLive, "live", false, "Production run: honor the schedule, record the execution and escalate")
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <rule-id>",
	Short: "Run one rule against a sample event",
	Long: `Evaluates the rule's conditions against an event built from --attr flags
and runs its actions. By default the run is a test: the schedule is ignored
and nothing is recorded. --live makes it a production run of that rule.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func triggerEvent() (*model.AlertEvent, error) {
	attrs := map[string]any{}
	for _, kv := range triggerAttrs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --attr %q: want key=value", kv)
		}
		attrs[k] = v
	}
	if triggerAlertType != "" {
		attrs[model.AttrAlertType] = triggerAlertType
	}
	if triggerDevice != "" {
		attrs[model.AttrDeviceName] = triggerDevice
	}
	return &model.AlertEvent{Source: "cli", EventType: "alert", Attributes: attrs}, nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ev, err := triggerEvent()
	if err != nil {
		return err
	}
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.TestRule(context.Background(), args[0], ev, engine.TestOptions{
		TestMode: !triggerLive,
		DryRun:   triggerDryRun,
	})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
