// Package store defines the persistence interfaces the engine depends on
// and an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/autoremedy/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrImmutable is returned when a finished execution would be modified.
	ErrImmutable = errors.New("execution already finished")
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	Statuses []model.EventStatus
	Source   string
	Limit    int
}

// ExecutionFilter narrows ListExecutions. Zero fields do not filter.
type ExecutionFilter struct {
	RuleID  string
	EventID string
	Status  model.ExecutionStatus
	Since   time.Time
	Until   time.Time
	Limit   int
}

// EscalationFilter narrows ListEscalations.
type EscalationFilter struct {
	RuleID string
	Status model.EscalationStatus
	Limit  int
}

// EventStore persists alert events.
type EventStore interface {
	// CreateEvent stores ev unless an event with the same id exists, in
	// which case the stored event is returned with created=false.
	CreateEvent(ctx context.Context, ev *model.AlertEvent) (stored *model.AlertEvent, created bool, err error)
	GetEvent(ctx context.Context, id string) (*model.AlertEvent, error)
	UpdateEvent(ctx context.Context, ev *model.AlertEvent) error
	// ListEvents returns matching events, oldest first.
	ListEvents(ctx context.Context, f EventFilter) ([]*model.AlertEvent, error)
}

// RuleStore persists rules. Statistics are owned by the Ledger.
type RuleStore interface {
	ListRules(ctx context.Context) ([]model.Rule, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	// SaveRule inserts or replaces a rule, keeping its statistics and creation time.
	SaveRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	RuleStats(ctx context.Context, id string) (model.RuleStats, error)
	ResetConsecutiveFailures(ctx context.Context, id string) error
}

// ChainStore persists escalation chains.
type ChainStore interface {
	ListChains(ctx context.Context) ([]model.EscalationChain, error)
	GetChain(ctx context.Context, id string) (*model.EscalationChain, error)
	SaveChain(ctx context.Context, c *model.EscalationChain) error
	DeleteChain(ctx context.Context, id string) error
}

// Ledger is the append-only record of executions and escalations.
type Ledger interface {
	CreateExecution(ctx context.Context, exec *model.MappingExecution) error
	// AppendResult adds one action result to a running execution.
	AppendResult(ctx context.Context, execID string, res model.ActionResult) error
	// FinishExecution writes the terminal execution and folds it into the
	// rule's statistics in one step. It returns the updated statistics;
	// executions of unknown rules only write the execution.
	FinishExecution(ctx context.Context, exec *model.MappingExecution) (model.RuleStats, error)
	MarkEscalated(ctx context.Context, execID, escalationID string) error
	GetExecution(ctx context.Context, id string) (*model.MappingExecution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.MappingExecution, error)

	CreateEscalation(ctx context.Context, esc *model.EscalationExecution) error
	UpdateEscalation(ctx context.Context, esc *model.EscalationExecution) error
	GetEscalation(ctx context.Context, id string) (*model.EscalationExecution, error)
	ListEscalations(ctx context.Context, f EscalationFilter) ([]*model.EscalationExecution, error)
}

// Store is everything the engine persists.
type Store interface {
	EventStore
	RuleStore
	ChainStore
	Ledger
	Close() error
}

// MatchExecution reports whether exec passes f.
func MatchExecution(exec *model.MappingExecution, f ExecutionFilter) bool {
	if f.RuleID != "" && exec.RuleID != f.RuleID {
		return false
	}
	if f.EventID != "" && exec.EventID != f.EventID {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && exec.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !exec.StartedAt.Before(f.Until) {
		return false
	}
	return true
}
