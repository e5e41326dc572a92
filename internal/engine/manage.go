package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/rules"
	"github.com/ppiankov/autoremedy/internal/store"
)

// SaveRule validates and stores a rule. Statistics survive an update.
func (e *Engine) SaveRule(ctx context.Context, r *model.Rule) error {
	if err := rules.Validate(r); err != nil {
		return err
	}
	if r.EscalationChainID != "" {
		if _, err := e.store.GetChain(ctx, r.EscalationChainID); err != nil {
			return fmt.Errorf("rule %q: escalation chain %q: %w", r.Name, r.EscalationChainID, err)
		}
	}
	unlock := e.rules.Lock(r.ID)
	defer unlock()

	now := e.opts.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := e.store.SaveRule(ctx, r); err != nil {
		return fmt.Errorf("save rule %q: %w", r.Name, err)
	}
	e.logger.Info("rule saved", zap.String("rule_id", r.ID), zap.String("name", r.Name))
	return nil
}

// DeleteRule removes a rule. Its executions stay in the ledger.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	unlock := e.rules.Lock(id)
	defer unlock()
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.logger.Info("rule deleted", zap.String("rule_id", id))
	return nil
}

// Rule returns one rule with its statistics.
func (e *Engine) Rule(ctx context.Context, id string) (*model.Rule, error) {
	return e.store.GetRule(ctx, id)
}

// Rules returns every rule in execution order.
func (e *Engine) Rules(ctx context.Context) ([]model.Rule, error) {
	all, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	rules.Sort(all)
	return all, nil
}

// RuleStats returns the run counters of a rule.
func (e *Engine) RuleStats(ctx context.Context, id string) (model.RuleStats, error) {
	return e.store.RuleStats(ctx, id)
}

// SaveChain validates and stores an escalation chain. Open escalations
// keep the levels they started with.
func (e *Engine) SaveChain(ctx context.Context, c *model.EscalationChain) error {
	if err := rules.ValidateChain(c); err != nil {
		return err
	}
	if err := e.store.SaveChain(ctx, c); err != nil {
		return fmt.Errorf("save chain %q: %w", c.ID, err)
	}
	e.logger.Info("escalation chain saved", zap.String("chain_id", c.ID), zap.Int("levels", len(c.Levels)))
	return nil
}

// DeleteChain removes a chain no rule references.
func (e *Engine) DeleteChain(ctx context.Context, id string) error {
	all, err := e.store.ListRules(ctx)
	if err != nil {
		return err
	}
	var users []string
	for _, r := range all {
		if r.EscalationChainID == id {
			users = append(users, r.ID)
		}
	}
	if len(users) > 0 {
		return fmt.Errorf("chain %q is used by rules %s: %w", id, strings.Join(users, ", "), store.ErrConflict)
	}
	return e.store.DeleteChain(ctx, id)
}

// Chains returns every escalation chain.
func (e *Engine) Chains(ctx context.Context) ([]model.EscalationChain, error) {
	return e.store.ListChains(ctx)
}

// ApplyRules upserts a rule file: chains first, then rules. Rules missing
// from the file are left alone. Every problem is reported, and valid
// entries are applied even when others fail.
func (e *Engine) ApplyRules(ctx context.Context, f *rules.File) error {
	var errs []error
	for i := range f.Chains {
		if err := e.SaveChain(ctx, &f.Chains[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range f.Rules {
		r := f.Rules[i]
		if existing, err := e.store.GetRule(ctx, r.ID); err == nil {
			r.CreatedAt = existing.CreatedAt
		}
		if err := e.SaveRule(ctx, &r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event returns a stored event.
func (e *Engine) Event(ctx context.Context, id string) (*model.AlertEvent, error) {
	return e.store.GetEvent(ctx, id)
}

// Events lists stored events.
func (e *Engine) Events(ctx context.Context, f store.EventFilter) ([]*model.AlertEvent, error) {
	return e.store.ListEvents(ctx, f)
}

// Execution returns one execution with its action results.
func (e *Engine) Execution(ctx context.Context, id string) (*model.MappingExecution, error) {
	return e.store.GetExecution(ctx, id)
}

// Executions lists executions, newest first.
func (e *Engine) Executions(ctx context.Context, f store.ExecutionFilter) ([]*model.MappingExecution, error) {
	return e.store.ListExecutions(ctx, f)
}

// Escalation returns one escalation.
func (e *Engine) Escalation(ctx context.Context, id string) (*model.EscalationExecution, error) {
	return e.store.GetEscalation(ctx, id)
}

// Escalations lists escalations, newest first.
func (e *Engine) Escalations(ctx context.Context, f store.EscalationFilter) ([]*model.EscalationExecution, error) {
	return e.store.ListEscalations(ctx, f)
}

// ResolveEscalation closes an escalation on behalf of an operator.
func (e *Engine) ResolveEscalation(ctx context.Context, id, by, resolution string) (*model.EscalationExecution, error) {
	return e.escalations.Resolve(ctx, id, by, resolution)
}

// AdvanceEscalation moves an escalation to its next level now.
func (e *Engine) AdvanceEscalation(ctx context.Context, id string) (*model.EscalationExecution, error) {
	return e.escalations.Advance(ctx, id)
}
