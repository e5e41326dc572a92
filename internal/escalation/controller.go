// Package escalation counts consecutive rule failures and drives
// multi-level escalations once a rule's threshold is reached.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/store"
)

var (
	// ErrResolved is returned when an operation targets a resolved escalation.
	ErrResolved = errors.New("escalation already resolved")
	// ErrFinalLevel is returned when advancing past the last level.
	ErrFinalLevel = errors.New("escalation is at its final level")
)

// Change names a lifecycle step reported to listeners.
type Change string

const (
	Started  Change = "started"
	Advanced Change = "advanced"
	Resolved Change = "resolved"
)

// Listener is told about every escalation lifecycle change.
type Listener func(change Change, esc *model.EscalationExecution)

// Store is the persistence the controller needs.
type Store interface {
	store.RuleStore
	store.ChainStore
	store.Ledger
}

// Controller starts, advances and resolves escalations.
type Controller struct {
	store     Store
	escalator pipeline.Escalator
	logger    *zap.Logger
	listeners []Listener
	now       func() time.Time

	// mu serializes escalation mutations between sweeps and operator calls.
	// Escalator calls and listeners run after it is released.
	mu sync.Mutex
}

// notice is a notification and listener call owed for one change.
type notice struct {
	change   Change
	esc      *model.EscalationExecution
	ruleName string
	reason   string
	silent   bool // skips the escalator; listeners still run
}

// New returns a Controller. A nil escalator disables notifications only.
func New(s Store, escalator pipeline.Escalator, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     s,
		escalator: escalator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers a listener. Not safe to call once the controller is in use.
func (c *Controller) OnChange(l Listener) {
	c.listeners = append(c.listeners, l)
}

// Observe inspects a finished execution. Callers hold the rule's lock, so
// the failure counter read here is the one FinishExecution just wrote.
// When the counter reaches the rule's threshold an escalation starts at
// level 1 and the counter is reset.
func (c *Controller) Observe(ctx context.Context, rule model.Rule, exec *model.MappingExecution) (*model.EscalationExecution, error) {
	threshold, ok := rule.EscalationThreshold()
	if !ok || exec.DryRun || exec.Status != model.ExecFailure {
		return nil, nil
	}
	stats, err := c.store.RuleStats(ctx, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("read rule stats: %w", err)
	}
	if stats.ConsecutiveFailures < threshold {
		return nil, nil
	}
	return c.start(ctx, rule, exec, stats.ConsecutiveFailures)
}

func (c *Controller) start(ctx context.Context, rule model.Rule, exec *model.MappingExecution, failures int) (*model.EscalationExecution, error) {
	levels, chainID, err := c.levelsFor(ctx, rule)
	if err != nil {
		return nil, err
	}

	now := c.now()
	esc := &model.EscalationExecution{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		ChainID:         chainID,
		ExecutionID:     exec.ID,
		EventID:         exec.EventID,
		Target:          levels[0].Target(),
		Levels:          levels,
		CurrentLevel:    1,
		LevelTimestamps: map[int]time.Time{1: now},
		Status:          model.EscalationOpen,
		StartedAt:       now,
	}
	esc.NextAdvanceAt = nextAdvance(esc, now)

	if err := c.persistStart(ctx, rule.ID, exec.ID, esc); err != nil {
		return nil, err
	}
	exec.Escalated = true
	exec.EscalationID = esc.ID

	c.logger.Info("escalation started",
		zap.String("escalation_id", esc.ID),
		zap.String("rule_id", rule.ID),
		zap.String("execution_id", exec.ID),
		zap.Int("consecutive_failures", failures),
		zap.String("assignee", esc.Target.Assignee))
	c.deliver(ctx, []notice{{
		change:   Started,
		esc:      esc.Clone(),
		ruleName: rule.Name,
		reason:   fmt.Sprintf("rule %q failed %d times in a row", rule.Name, failures),
	}})
	return esc, nil
}

func (c *Controller) persistStart(ctx context.Context, ruleID, execID string, esc *model.EscalationExecution) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.CreateEscalation(ctx, esc); err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	if err := c.store.MarkEscalated(ctx, execID, esc.ID); err != nil {
		return fmt.Errorf("mark execution escalated: %w", err)
	}
	if err := c.store.ResetConsecutiveFailures(ctx, ruleID); err != nil {
		return fmt.Errorf("reset failure counter: %w", err)
	}
	return nil
}

// levelsFor snapshots the rule's chain, or builds a single level from its target.
func (c *Controller) levelsFor(ctx context.Context, rule model.Rule) ([]model.EscalationLevel, string, error) {
	if rule.EscalationChainID != "" {
		chain, err := c.store.GetChain(ctx, rule.EscalationChainID)
		switch {
		case err == nil && len(chain.Levels) > 0:
			return chain.SortedLevels(), chain.ID, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, "", fmt.Errorf("load escalation chain: %w", err)
		}
		c.logger.Warn("escalation chain unavailable, falling back to rule target",
			zap.String("rule_id", rule.ID), zap.String("chain_id", rule.EscalationChainID))
	}
	if rule.EscalationTarget == nil {
		return nil, "", fmt.Errorf("rule %s has no escalation chain or target", rule.ID)
	}
	t := rule.EscalationTarget
	return []model.EscalationLevel{{Level: 1, Assignee: t.Assignee, AssigneeKind: t.Kind}}, "", nil
}

// Advance moves an open escalation to its next level.
func (c *Controller) Advance(ctx context.Context, id string) (*model.EscalationExecution, error) {
	c.mu.Lock()
	esc, err := c.store.GetEscalation(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	n, err := c.advance(ctx, esc, c.now())
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.deliver(ctx, []notice{n})
	return esc, nil
}

// advance requires c.mu. The returned notice is delivered by the caller
// once the lock is released.
func (c *Controller) advance(ctx context.Context, esc *model.EscalationExecution, now time.Time) (notice, error) {
	if esc.Status == model.EscalationResolved {
		return notice{}, fmt.Errorf("escalation %s: %w", esc.ID, ErrResolved)
	}
	if esc.Final() {
		return notice{}, fmt.Errorf("escalation %s: %w", esc.ID, ErrFinalLevel)
	}
	esc.CurrentLevel++
	esc.Target = esc.Levels[esc.CurrentLevel-1].Target()
	esc.LevelTimestamps[esc.CurrentLevel] = now
	esc.NextAdvanceAt = nextAdvance(esc, now)
	if err := c.store.UpdateEscalation(ctx, esc); err != nil {
		return notice{}, fmt.Errorf("update escalation: %w", err)
	}

	c.logger.Info("escalation advanced",
		zap.String("escalation_id", esc.ID),
		zap.String("rule_id", esc.RuleID),
		zap.Int("level", esc.CurrentLevel),
		zap.String("assignee", esc.Target.Assignee))
	return notice{
		change: Advanced,
		esc:    esc.Clone(),
		reason: fmt.Sprintf("unresolved, advanced to level %d", esc.CurrentLevel),
	}, nil
}

// Resolve closes an escalation on behalf of an operator.
func (c *Controller) Resolve(ctx context.Context, id, by, resolution string) (*model.EscalationExecution, error) {
	esc, err := c.resolve(ctx, id, by, resolution)
	if err != nil {
		return nil, err
	}
	c.deliver(ctx, []notice{{change: Resolved, esc: esc.Clone(), silent: true}})
	return esc, nil
}

func (c *Controller) resolve(ctx context.Context, id, by, resolution string) (*model.EscalationExecution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	esc, err := c.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status == model.EscalationResolved {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrResolved)
	}
	now := c.now()
	esc.Status = model.EscalationResolved
	esc.ResolvedBy = by
	esc.Resolution = resolution
	esc.ResolvedAt = &now
	esc.NextAdvanceAt = nil
	if err := c.store.UpdateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("update escalation: %w", err)
	}
	c.logger.Info("escalation resolved",
		zap.String("escalation_id", esc.ID),
		zap.String("rule_id", esc.RuleID),
		zap.String("resolved_by", by))
	return esc, nil
}

// Sweep advances every open escalation whose level delay has elapsed.
// It returns how many escalations moved.
func (c *Controller) Sweep(ctx context.Context, now time.Time) (int, error) {
	open, err := c.store.ListEscalations(ctx, store.EscalationFilter{Status: model.EscalationOpen})
	if err != nil {
		return 0, fmt.Errorf("list open escalations: %w", err)
	}
	notices, errs := c.advanceDue(ctx, open, now)
	c.deliver(ctx, notices)
	return len(notices), errors.Join(errs...)
}

// advanceDue persists every due advance under c.mu and returns the
// notices owed for them.
func (c *Controller) advanceDue(ctx context.Context, open []*model.EscalationExecution, now time.Time) ([]notice, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		notices []notice
		errs    []error
	)
	for _, esc := range open {
		if esc.NextAdvanceAt == nil || esc.NextAdvanceAt.After(now) {
			continue
		}
		// Re-read under the lock: an operator may have acted since the listing.
		current, err := c.store.GetEscalation(ctx, esc.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if current.Status != model.EscalationOpen || current.NextAdvanceAt == nil || current.NextAdvanceAt.After(now) {
			continue
		}
		n, err := c.advance(ctx, current, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		notices = append(notices, n)
	}
	return notices, errs
}

// nextAdvance is when the current level's delay runs out, or nil at the
// final level, which stays open until resolved.
func nextAdvance(esc *model.EscalationExecution, levelStart time.Time) *time.Time {
	if esc.Final() {
		return nil
	}
	t := levelStart.Add(esc.Levels[esc.CurrentLevel-1].Delay())
	return &t
}

// notify tells the current assignee. Failures are logged and never block.
func (c *Controller) notify(ctx context.Context, esc *model.EscalationExecution, ruleName, reason string) {
	if c.escalator == nil {
		return
	}
	ec := pipeline.EscalationContext{
		RuleID:       esc.RuleID,
		RuleName:     ruleName,
		EventID:      esc.EventID,
		ExecutionID:  esc.ExecutionID,
		EscalationID: esc.ID,
		Level:        esc.CurrentLevel,
		Reason:       reason,
	}
	if err := c.escalator.Escalate(ctx, esc.Target, ec); err != nil {
		c.logger.Warn("escalation notify failed",
			zap.String("escalation_id", esc.ID),
			zap.Int("level", esc.CurrentLevel),
			zap.String("assignee", esc.Target.Assignee),
			zap.Error(err))
	}
}

// deliver runs the escalator and listeners for each notice. Callers must
// not hold c.mu.
func (c *Controller) deliver(ctx context.Context, notices []notice) {
	for _, n := range notices {
		if !n.silent {
			c.notify(ctx, n.esc, n.ruleName, n.reason)
		}
		for _, l := range c.listeners {
			l(n.change, n.esc.Clone())
		}
	}
}
