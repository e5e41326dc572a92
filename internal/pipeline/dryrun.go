package pipeline

import (
	"context"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// DryRunExecutor walks a rule exactly like Pipeline but never calls a
// capability: each action succeeds with a description of what would run.
type DryRunExecutor struct {
	orchestrator
}

// NewDryRun returns a dry-run executor writing to ledger.
func NewDryRun(ledger store.Ledger, opts Options) *DryRunExecutor {
	return &DryRunExecutor{newOrchestrator(ledger, opts, true, func(_ context.Context, c call) (string, error) {
		return "dry run: would " + c.describe, nil
	})}
}

// Execute implements Executor.
func (d *DryRunExecutor) Execute(ctx context.Context, rule model.Rule, ev *model.AlertEvent) (*model.MappingExecution, error) {
	return d.run(ctx, rule, ev)
}

var (
	_ Executor = (*Pipeline)(nil)
	_ Executor = (*DryRunExecutor)(nil)
)
