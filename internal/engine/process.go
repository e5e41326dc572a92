package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/rules"
	"github.com/ppiankov/autoremedy/internal/store"
)

// GatedRule is a matching rule its schedule held back.
type GatedRule struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// ProcessResult is the outcome of processing one event.
type ProcessResult struct {
	Event       *model.AlertEvent            `json:"event"`
	Executions  []*model.MappingExecution    `json:"executions"`
	Escalations []*model.EscalationExecution `json:"escalations,omitempty"`
	Gated       []GatedRule                  `json:"gated,omitempty"`
	// Stopped lists rules not run because a higher-priority rule with
	// stop_on_first_success succeeded.
	Stopped []string `json:"stopped,omitempty"`
	// Replayed is set when the event had already been processed and the
	// prior executions are returned unchanged.
	Replayed bool `json:"replayed,omitempty"`
}

// Ingest normalizes a raw payload and stores the event. A payload whose
// identifier was seen before returns the stored event and is not queued
// again. When the worker pool is running new events are queued for
// processing; otherwise the caller drives Process itself.
func (e *Engine) Ingest(ctx context.Context, source string, raw []byte, headers http.Header) (*model.AlertEvent, error) {
	ev := e.normalizer.Normalize(source, raw, headers)
	ev.Attributes = e.opts.Scrubber.Map(ev.Attributes)
	ev.ReceivedAt = e.opts.Now()

	stored, created, err := e.store.CreateEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	log := e.logger.With(zap.String("event_id", stored.ID), zap.String("source", stored.Source))
	if !created {
		log.Debug("duplicate event ignored", zap.String("status", string(stored.Status)))
		return stored, nil
	}
	e.observer.ObserveEvent(stored)
	if stored.Status == model.EventFailed {
		log.Warn("event normalization failed", zap.String("error", stored.LastError))
		return stored, nil
	}
	log.Info("event ingested",
		zap.String("event_type", stored.EventType),
		zap.String("alert_type", stored.Attr(model.AttrAlertType)))

	if e.running.Load() {
		if err := e.Submit(ctx, stored.ID); err != nil {
			// Stays pending and is recovered on the next start.
			log.Warn("event not queued", zap.Error(err))
		}
	}
	return stored, nil
}

// Process runs every matching rule for a stored event. Processing an event
// that already reached a terminal status returns its prior executions
// without running anything. Only store failures are returned as errors;
// rule and action failures are recorded in the executions. A started run
// is not tied to the caller: a disconnecting client must not turn into
// rule failures, so only each rule's execution budget bounds it.
func (e *Engine) Process(ctx context.Context, eventID string) (*ProcessResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.events.Lock(eventID)
	defer unlock()

	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	log := e.logger.With(zap.String("event_id", ev.ID))

	// Runs already recorded for the event: all of them when it is finished,
	// the ones before an interruption when it is resumed.
	prior, err := e.store.ListExecutions(ctx, store.ExecutionFilter{EventID: ev.ID})
	if err != nil {
		return nil, fmt.Errorf("list prior executions: %w", err)
	}
	if ev.Status.Terminal() {
		return &ProcessResult{Event: ev, Executions: prior, Replayed: true}, nil
	}

	if err := ev.Transition(model.EventProcessing); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("mark event processing: %w", err)
	}

	all, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	sel := rules.Select(all, ev, rules.SelectOptions{Now: e.opts.Now()})

	res := &ProcessResult{Event: ev}
	for _, g := range sel.Gated {
		res.Gated = append(res.Gated, GatedRule{RuleID: g.Rule.ID, Reason: g.Reason})
		log.Info("rule held back by schedule", zap.String("rule_id", g.Rule.ID), zap.String("reason", g.Reason))
	}

	done := make(map[string]*model.MappingExecution, len(prior))
	for _, p := range prior {
		if p.DryRun {
			continue
		}
		if !p.Status.Terminal() {
			if err := e.abandon(ctx, p); err != nil {
				return res, err
			}
			continue
		}
		done[p.RuleID] = p
	}

	stopped := false
	for _, rule := range sel.Matched {
		if stopped {
			res.Stopped = append(res.Stopped, rule.ID)
			continue
		}
		exec, ok := done[rule.ID]
		if !ok {
			var esc *model.EscalationExecution
			exec, esc, err = e.runRule(ctx, rule.ID, ev, e.live)
			if err != nil {
				return res, err
			}
			if esc != nil {
				res.Escalations = append(res.Escalations, esc)
			}
		}
		if exec == nil {
			// Deleted or deactivated while the event was in flight.
			continue
		}
		res.Executions = append(res.Executions, exec)
		if rule.StopOnFirstSuccess && exec.Status == model.ExecSuccess {
			stopped = true
		}
	}

	final := model.EventProcessed
	if len(res.Executions) == 0 {
		final = model.EventIgnored
	}
	if err := ev.Transition(final); err != nil {
		return res, err
	}
	ev.LastError = ""
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return res, fmt.Errorf("mark event %s: %w", final, err)
	}
	e.observer.ObserveEvent(ev)
	log.Info("event processed",
		zap.String("status", string(ev.Status)),
		zap.Int("executions", len(res.Executions)),
		zap.Int("gated", len(res.Gated)),
		zap.Int("stopped", len(res.Stopped)))
	return res, nil
}

// runRule executes one rule under its lock and lets the escalation
// controller observe the result. The rule is re-read under the lock so a
// concurrent edit or delete is honored; a nil execution means it is gone
// or inactive.
func (e *Engine) runRule(ctx context.Context, ruleID string, ev *model.AlertEvent, exec pipeline.Executor) (*model.MappingExecution, *model.EscalationExecution, error) {
	unlock := e.rules.Lock(ruleID)
	defer unlock()

	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load rule: %w", err)
	}
	if !rule.Active {
		return nil, nil, nil
	}

	run, err := exec.Execute(ctx, *rule, ev)
	if err != nil {
		return run, nil, err
	}
	esc, err := e.escalations.Observe(context.WithoutCancel(ctx), *rule, run)
	if err != nil {
		e.logger.Error("escalation check failed",
			zap.String("rule_id", rule.ID),
			zap.String("execution_id", run.ID),
			zap.Error(err))
		return run, nil, fmt.Errorf("escalation check: %w", err)
	}
	return run, esc, nil
}

// abandon closes an execution a crashed run left behind. The rule runs
// again in a fresh execution.
func (e *Engine) abandon(ctx context.Context, exec *model.MappingExecution) error {
	now := e.opts.Now()
	exec.Status = model.ExecFailure
	exec.FinishedAt = &now
	if exec.Error == "" {
		exec.Error = "execution interrupted"
	}
	if _, err := e.store.FinishExecution(ctx, exec); err != nil {
		return fmt.Errorf("close interrupted execution: %w", err)
	}
	e.logger.Warn("closed interrupted execution",
		zap.String("execution_id", exec.ID),
		zap.String("rule_id", exec.RuleID),
		zap.String("event_id", exec.EventID))
	return nil
}
