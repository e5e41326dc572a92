package model

import "time"

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpRegex, OpIn, OpNotIn, OpGreaterThan, OpLessThan,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Negated reports whether op is one of the "absence counts as a match" operators.
func (op Operator) Negated() bool {
	return op == OpNotEquals || op == OpNotContains || op == OpNotIn
}

// Condition compares the attribute at Field (dot notation) against Value.
type Condition struct {
	Field    string   `yaml:"field"    json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value"    json:"value"`
}

// ConditionGroup gates a rule: every All condition and at least one Any
// condition must hold. An empty slot imposes no constraint.
type ConditionGroup struct {
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
}

// RetryPolicy is the fixed-delay retry applied to each failing action.
type RetryPolicy struct {
	MaxRetries        int `yaml:"max_retries"         json:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
}

// RetryDelay returns the delay between attempts.
func (p RetryPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// AssigneeKind distinguishes a single user from a group.
type AssigneeKind string

const (
	AssigneeUser  AssigneeKind = "user"
	AssigneeGroup AssigneeKind = "group"
)

// Valid reports whether k is user or group.
func (k AssigneeKind) Valid() bool {
	return k == AssigneeUser || k == AssigneeGroup
}

// EscalationTarget names who receives an escalation.
type EscalationTarget struct {
	Assignee string       `yaml:"assignee" json:"assignee"`
	Kind     AssigneeKind `yaml:"kind"     json:"kind"`
}

// HourRange is a daily window in "HH:MM" local time. End is exclusive.
// A range whose end is before its start wraps past midnight.
type HourRange struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end"   json:"end"`
}

// Blackout is an interval during which a rule must not run.
type Blackout struct {
	Start  time.Time `yaml:"start"            json:"start"`
	End    time.Time `yaml:"end"              json:"end"`
	Reason string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Schedule restricts when a rule may run.
type Schedule struct {
	Enabled         bool        `yaml:"enabled"                    json:"enabled"`
	Timezone        string      `yaml:"timezone,omitempty"         json:"timezone,omitempty"`
	AllowedDays     []string    `yaml:"allowed_days,omitempty"     json:"allowed_days,omitempty"`
	AllowedHours    []HourRange `yaml:"allowed_hours,omitempty"    json:"allowed_hours,omitempty"`
	BlackoutPeriods []Blackout  `yaml:"blackout_periods,omitempty" json:"blackout_periods,omitempty"`
}

// RuleStats are the run counters the engine maintains for a rule.
type RuleStats struct {
	ExecutionCount      int64           `json:"execution_count"`
	SuccessCount        int64           `json:"success_count"`
	FailureCount        int64           `json:"failure_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastExecutedAt      *time.Time      `json:"last_executed_at,omitempty"`
	LastExecutionStatus ExecutionStatus `json:"last_execution_status,omitempty"`
}

// Record folds a finished execution into the counters.
// partial counts as a failure for FailureCount but resets the
// consecutive-failure streak, since at least one action succeeded.
func (s *RuleStats) Record(status ExecutionStatus, at time.Time) {
	s.ExecutionCount++
	switch status {
	case ExecSuccess:
		s.SuccessCount++
		s.ConsecutiveFailures = 0
	case ExecPartial:
		s.FailureCount++
		s.ConsecutiveFailures = 0
	case ExecFailure:
		s.FailureCount++
		s.ConsecutiveFailures++
	}
	t := at.UTC()
	s.LastExecutedAt = &t
	s.LastExecutionStatus = status
}

// Rule is an automation mapping: conditions gating an ordered action list.
type Rule struct {
	ID                      string            `yaml:"id"                                 json:"id"`
	Name                    string            `yaml:"name"                               json:"name"`
	Description             string            `yaml:"description,omitempty"              json:"description,omitempty"`
	Active                  bool              `yaml:"active"                             json:"active"`
	Priority                int               `yaml:"priority"                           json:"priority"`
	Conditions              ConditionGroup    `yaml:"conditions"                         json:"conditions"`
	Actions                 []Action          `yaml:"actions"                            json:"actions"`
	Retry                   RetryPolicy       `yaml:"retry"                              json:"retry"`
	ExecutionTimeoutSeconds int               `yaml:"execution_timeout_seconds"          json:"execution_timeout_seconds"`
	StopOnFirstSuccess      bool              `yaml:"stop_on_first_success"              json:"stop_on_first_success"`
	EscalateAfterFailures   *int              `yaml:"escalate_after_failures,omitempty"  json:"escalate_after_failures,omitempty"`
	EscalationTarget        *EscalationTarget `yaml:"escalation_target,omitempty"        json:"escalation_target,omitempty"`
	EscalationChainID       string            `yaml:"escalation_chain_id,omitempty"      json:"escalation_chain_id,omitempty"`
	Schedule                Schedule          `yaml:"schedule,omitempty"                 json:"schedule"`
	Stats                   RuleStats         `yaml:"-"                                  json:"stats"`
	CreatedAt               time.Time         `yaml:"created_at,omitempty"               json:"created_at"`
	UpdatedAt               time.Time         `yaml:"updated_at,omitempty"               json:"updated_at"`
}

// ExecutionTimeout returns the wall-clock budget for one run, or 0 for none.
func (r *Rule) ExecutionTimeout() time.Duration {
	return time.Duration(r.ExecutionTimeoutSeconds) * time.Second
}

// EscalationThreshold returns the configured failure threshold and whether
// escalation is enabled for the rule.
func (r *Rule) EscalationThreshold() (int, bool) {
	if r.EscalateAfterFailures == nil || *r.EscalateAfterFailures <= 0 {
		return 0, false
	}
	return *r.EscalateAfterFailures, true
}
