package model

import (
	"sort"
	"time"
)

// ExecutionStatus is the state of one rule run.
type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "pending"
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailure ExecutionStatus = "failure"
	ExecPartial ExecutionStatus = "partial"
)

// Terminal reports whether the run has finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailure || s == ExecPartial
}

// ActionResult is the recorded outcome of one executed action.
type ActionResult struct {
	Action     Action    `json:"action"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// MappingExecution is one run of a rule against one event. Results are
// appended in action order while the run is in progress; Skipped holds the
// actions that were never attempted after an abort.
type MappingExecution struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id"`
	RuleName     string          `json:"rule_name"`
	EventID      string          `json:"event_id"`
	Status       ExecutionStatus `json:"status"`
	Results      []ActionResult  `json:"results"`
	Skipped      []Action        `json:"skipped,omitempty"`
	Escalated    bool            `json:"escalated"`
	EscalationID string          `json:"escalation_id,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
	TimedOut     bool            `json:"timed_out,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Duration returns the wall-clock time of a finished run, or 0.
func (m *MappingExecution) Duration() time.Duration {
	if m.FinishedAt == nil {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}

// Clone copies the execution including its result slices.
func (m *MappingExecution) Clone() *MappingExecution {
	c := *m
	c.Results = append([]ActionResult(nil), m.Results...)
	c.Skipped = append([]Action(nil), m.Skipped...)
	if m.FinishedAt != nil {
		t := *m.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// EscalationLevel is one rung of an escalation chain.
type EscalationLevel struct {
	Level        int          `yaml:"level"         json:"level"`
	Assignee     string       `yaml:"assignee"      json:"assignee"`
	AssigneeKind AssigneeKind `yaml:"kind"          json:"kind"`
	DelayMinutes int          `yaml:"delay_minutes" json:"delay_minutes"`
}

// Delay returns how long the level waits before auto-advancing.
func (l EscalationLevel) Delay() time.Duration {
	return time.Duration(l.DelayMinutes) * time.Minute
}

// Target returns the assignee of the level.
func (l EscalationLevel) Target() EscalationTarget {
	return EscalationTarget{Assignee: l.Assignee, Kind: l.AssigneeKind}
}

// EscalationChain is an ordered sequence of assignees.
type EscalationChain struct {
	ID     string            `yaml:"id"     json:"id"`
	Name   string            `yaml:"name"   json:"name"`
	Levels []EscalationLevel `yaml:"levels" json:"levels"`
}

// SortedLevels returns the levels ordered by level number.
func (c *EscalationChain) SortedLevels() []EscalationLevel {
	levels := append([]EscalationLevel(nil), c.Levels...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels
}

// EscalationStatus is open until an operator resolves it.
type EscalationStatus string

const (
	EscalationOpen     EscalationStatus = "open"
	EscalationResolved EscalationStatus = "resolved"
)

// EscalationExecution tracks one escalation as it climbs its chain.
// CurrentLevel is 1-based and never decreases. Levels is a snapshot of the
// chain taken when the escalation started; Target is the current assignee.
type EscalationExecution struct {
	ID              string            `json:"id"`
	RuleID          string            `json:"rule_id"`
	ChainID         string            `json:"chain_id,omitempty"`
	ExecutionID     string            `json:"execution_id"`
	EventID         string            `json:"event_id,omitempty"`
	Target          EscalationTarget  `json:"target"`
	Levels          []EscalationLevel `json:"levels"`
	CurrentLevel    int               `json:"current_level"`
	LevelTimestamps map[int]time.Time `json:"level_timestamps"`
	Status          EscalationStatus  `json:"status"`
	Resolution      string            `json:"resolution,omitempty"`
	ResolvedBy      string            `json:"resolved_by,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	NextAdvanceAt   *time.Time        `json:"next_advance_at,omitempty"`
}

// MaxLevel is the highest level the escalation can reach.
func (e *EscalationExecution) MaxLevel() int { return len(e.Levels) }

// Final reports whether the escalation sits at its last level.
func (e *EscalationExecution) Final() bool { return e.CurrentLevel >= len(e.Levels) }

// Clone copies the escalation including its timestamp map.
func (e *EscalationExecution) Clone() *EscalationExecution {
	c := *e
	c.Levels = append([]EscalationLevel(nil), e.Levels...)
	c.LevelTimestamps = make(map[int]time.Time, len(e.LevelTimestamps))
	for k, v := range e.LevelTimestamps {
		c.LevelTimestamps[k] = v
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	if e.NextAdvanceAt != nil {
		t := *e.NextAdvanceAt
		c.NextAdvanceAt = &t
	}
	return &c
}
