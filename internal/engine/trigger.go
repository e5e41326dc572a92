package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/condition"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/schedule"
	"github.com/ppiankov/autoremedy/internal/store"
)

// TestOptions select how TestRule runs.
type TestOptions struct {
	// TestMode ignores the schedule and records the run in a throwaway
	// ledger: no statistics, no escalation.
	TestMode bool
	// DryRun describes the actions instead of calling capabilities.
	DryRun bool
}

// TestResult is the outcome of TestRule.
type TestResult struct {
	Matched bool `json:"matched"`
	// GatedReason is set when the schedule held the rule back.
	GatedReason string                     `json:"gated_reason,omitempty"`
	Execution   *model.MappingExecution    `json:"execution,omitempty"`
	Escalation  *model.EscalationExecution `json:"escalation,omitempty"`
}

// TestRule runs one rule against ev with the same condition evaluator and
// pipeline used for live events. Without TestMode a live run is a normal
// production run of that rule: the schedule applies, the event and the
// execution are stored and statistics and escalation follow. Dry runs
// never touch statistics and always use a throwaway ledger. Like Process,
// a run is not cut short by the caller going away.
func (e *Engine) TestRule(ctx context.Context, ruleID string, ev *model.AlertEvent, opts TestOptions) (*TestResult, error) {
	ctx = context.WithoutCancel(ctx)
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	ev = ev.Clone()
	if ev.ID == "" {
		ev.ID = "test:" + uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.opts.Now()
	}
	if ev.Status == "" {
		ev.Status = model.EventPending
	}
	log := e.logger.With(
		zap.String("rule_id", rule.ID),
		zap.String("event_id", ev.ID),
		zap.Bool("test_mode", opts.TestMode),
		zap.Bool("dry_run", opts.DryRun))

	res := &TestResult{Matched: condition.Matches(rule.Conditions, ev)}
	if !res.Matched {
		log.Info("test event does not match rule")
		return res, nil
	}
	if !opts.TestMode {
		if ok, reason := schedule.Check(rule.Schedule, e.opts.Now()); !ok {
			res.GatedReason = reason
			log.Info("rule held back by schedule", zap.String("reason", reason))
			return res, nil
		}
	}

	if opts.TestMode || opts.DryRun {
		ledger := store.NewMemory()
		popts := e.pipelineOptions()
		popts.Observer = nil
		var exec pipeline.Executor
		if opts.DryRun {
			exec = pipeline.NewDryRun(ledger, popts)
		} else {
			exec = pipeline.New(ledger, e.caps, popts)
		}
		run, err := exec.Execute(ctx, *rule, ev)
		if err != nil {
			return nil, err
		}
		res.Execution = run
		return res, nil
	}

	stored, _, err := e.store.CreateEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	unlock := e.events.Lock(stored.ID)
	defer unlock()
	if stored.Status.Terminal() {
		return nil, fmt.Errorf("event %s is already %s", stored.ID, stored.Status)
	}
	if err := stored.Transition(model.EventProcessing); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEvent(ctx, stored); err != nil {
		return nil, fmt.Errorf("mark event processing: %w", err)
	}

	run, esc, err := e.runRule(ctx, rule.ID, stored, e.live)
	if err != nil {
		return nil, err
	}
	res.Execution = run
	res.Escalation = esc

	final := model.EventProcessed
	if run == nil {
		final = model.EventIgnored
	}
	if err := stored.Transition(final); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEvent(ctx, stored); err != nil {
		return nil, fmt.Errorf("mark event %s: %w", final, err)
	}
	e.observer.ObserveEvent(stored)
	return res, nil
}
