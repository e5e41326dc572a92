package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/autoremedy/internal/condition"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/schedule"
)

// ValidationError lists every problem found in one rule or chain.
type ValidationError struct {
	Kind     string // "rule" or "chain"
	Name     string
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Name, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

// Validate checks a rule before it is saved.
func Validate(r *model.Rule) error {
	var probs []error
	add := func(format string, args ...any) { probs = append(probs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(r.Name) == "" {
		add("name is required")
	}
	if r.Priority < 0 {
		add("priority must not be negative")
	}
	for i, c := range r.Conditions.All {
		if err := validateCondition(c); err != nil {
			add("conditions.all[%d]: %w", i, err)
		}
	}
	for i, c := range r.Conditions.Any {
		if err := validateCondition(c); err != nil {
			add("conditions.any[%d]: %w", i, err)
		}
	}
	if len(r.Actions) == 0 {
		add("at least one action is required")
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			add("actions[%d]: %w", i, err)
		}
	}
	if r.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if r.Retry.RetryDelaySeconds < 0 {
		add("retry.retry_delay_seconds must not be negative")
	}
	if r.ExecutionTimeoutSeconds < 0 {
		add("execution_timeout_seconds must not be negative")
	}
	if r.EscalateAfterFailures != nil && *r.EscalateAfterFailures < 0 {
		add("escalate_after_failures must not be negative")
	}
	if _, ok := r.EscalationThreshold(); ok && r.EscalationTarget == nil && r.EscalationChainID == "" {
		add("escalate_after_failures needs an escalation_target or escalation_chain_id")
	}
	if t := r.EscalationTarget; t != nil {
		if t.Assignee == "" {
			add("escalation_target.assignee is required")
		}
		if !t.Kind.Valid() {
			add("escalation_target.kind must be user or group, got %q", t.Kind)
		}
	}
	if err := schedule.Validate(r.Schedule); err != nil {
		add("schedule: %w", err)
	}

	if len(probs) == 0 {
		return nil
	}
	return &ValidationError{Kind: "rule", Name: r.Name, Problems: probs}
}

func validateCondition(c model.Condition) error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case model.OpRegex:
		if _, err := regexp.Compile(condition.String(c.Value)); err != nil {
			return fmt.Errorf("regex: %w", err)
		}
	case model.OpGreaterThan, model.OpLessThan:
		if _, ok := condition.Number(c.Value); !ok {
			return fmt.Errorf("%s needs a numeric value, got %v", c.Operator, c.Value)
		}
	}
	return nil
}

// ValidateChain checks an escalation chain before it is saved.
func ValidateChain(c *model.EscalationChain) error {
	var probs []error
	add := func(format string, args ...any) { probs = append(probs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Name) == "" {
		add("name is required")
	}
	if len(c.Levels) == 0 {
		add("at least one level is required")
	}
	seen := make(map[int]bool)
	for i, l := range c.Levels {
		if l.Level < 1 {
			add("levels[%d]: level must be 1 or higher", i)
		}
		if seen[l.Level] {
			add("levels[%d]: duplicate level %d", i, l.Level)
		}
		seen[l.Level] = true
		if l.Assignee == "" {
			add("levels[%d]: assignee is required", i)
		}
		if !l.AssigneeKind.Valid() {
			add("levels[%d]: kind must be user or group, got %q", i, l.AssigneeKind)
		}
		if l.DelayMinutes < 0 {
			add("levels[%d]: delay_minutes must not be negative", i)
		}
	}
	if len(probs) == 0 {
		return nil
	}
	return &ValidationError{Kind: "chain", Name: c.Name, Problems: probs}
}

// ValidateFile validates every rule and chain and the cross references
// between them: unique ids and names, known chain ids.
func ValidateFile(f *File) error {
	var errs []error
	chains := make(map[string]bool)
	for i := range f.Chains {
		c := &f.Chains[i]
		if err := ValidateChain(c); err != nil {
			errs = append(errs, err)
		}
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("chain %q: id is required in a rules file", c.Name))
		} else if chains[c.ID] {
			errs = append(errs, fmt.Errorf("duplicate chain id %q", c.ID))
		}
		chains[c.ID] = true
	}

	ids := make(map[string]bool)
	names := make(map[string]bool)
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := Validate(r); err != nil {
			errs = append(errs, err)
		}
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule %q: id is required in a rules file", r.Name))
		} else if ids[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule id %q", r.ID))
		}
		ids[r.ID] = true
		key := strings.ToLower(r.Name)
		if names[key] {
			errs = append(errs, fmt.Errorf("duplicate rule name %q", r.Name))
		}
		names[key] = true
		if r.EscalationChainID != "" && !chains[r.EscalationChainID] {
			errs = append(errs, fmt.Errorf("rule %q: unknown escalation chain %q", r.Name, r.EscalationChainID))
		}
	}
	return errors.Join(errs...)
}
