package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/autoremedy/internal/model"
)

// Memory is a Store kept entirely in process memory. Every read returns a copy.
type Memory struct {
	mu          sync.RWMutex
	events      map[string]*model.AlertEvent
	rules       map[string]*model.Rule
	chains      map[string]*model.EscalationChain
	executions  map[string]*model.MappingExecution
	escalations map[string]*model.EscalationExecution
	now         func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string]*model.AlertEvent),
		rules:       make(map[string]*model.Rule),
		chains:      make(map[string]*model.EscalationChain),
		executions:  make(map[string]*model.MappingExecution),
		escalations: make(map[string]*model.EscalationExecution),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() error { return nil }

// Events

func (m *Memory) CreateEvent(_ context.Context, ev *model.AlertEvent) (*model.AlertEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[ev.ID]; ok {
		return existing.Clone(), false, nil
	}
	m.events[ev.ID] = ev.Clone()
	return ev.Clone(), true, nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*model.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	return ev.Clone(), nil
}

func (m *Memory) UpdateEvent(_ context.Context, ev *model.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return fmt.Errorf("event %q: %w", ev.ID, ErrNotFound)
	}
	m.events[ev.ID] = ev.Clone()
	return nil
}

func (m *Memory) ListEvents(_ context.Context, f EventFilter) ([]*model.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AlertEvent
	for _, ev := range m.events {
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, ev.Status) {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return limit(out, f.Limit), nil
}

// Rules

func (m *Memory) ListRules(_ context.Context) ([]model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (*model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (m *Memory) SaveRule(_ context.Context, r *model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.rules {
		if id != r.ID && strings.EqualFold(other.Name, r.Name) {
			return fmt.Errorf("rule name %q is used by %s: %w", r.Name, id, ErrConflict)
		}
	}
	now := m.now()
	c := *r
	if existing, ok := m.rules[r.ID]; ok {
		c.Stats = existing.Stats
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.rules[r.ID] = &c
	*r = c
	return nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) RuleStats(_ context.Context, id string) (model.RuleStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return model.RuleStats{}, fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	return r.Stats, nil
}

func (m *Memory) ResetConsecutiveFailures(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	r.Stats.ConsecutiveFailures = 0
	return nil
}

// Chains

func (m *Memory) ListChains(_ context.Context) ([]model.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.EscalationChain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, copyChain(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetChain(_ context.Context, id string) (*model.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %q: %w", id, ErrNotFound)
	}
	cp := copyChain(c)
	return &cp, nil
}

func (m *Memory) SaveChain(_ context.Context, c *model.EscalationChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyChain(c)
	m.chains[c.ID] = &cp
	return nil
}

func (m *Memory) DeleteChain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[id]; !ok {
		return fmt.Errorf("chain %q: %w", id, ErrNotFound)
	}
	delete(m.chains, id)
	return nil
}

// Ledger

func (m *Memory) CreateExecution(_ context.Context, exec *model.MappingExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return fmt.Errorf("execution %q: %w", exec.ID, ErrConflict)
	}
	m.executions[exec.ID] = exec.Clone()
	return nil
}

func (m *Memory) AppendResult(_ context.Context, execID string, res model.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[execID]
	if !ok {
		return fmt.Errorf("execution %q: %w", execID, ErrNotFound)
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %q: %w", execID, ErrImmutable)
	}
	exec.Results = append(exec.Results, res)
	return nil
}

func (m *Memory) FinishExecution(_ context.Context, exec *model.MappingExecution) (model.RuleStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[exec.ID]
	if !ok {
		return model.RuleStats{}, fmt.Errorf("execution %q: %w", exec.ID, ErrNotFound)
	}
	if stored.Status.Terminal() {
		return model.RuleStats{}, fmt.Errorf("execution %q: %w", exec.ID, ErrImmutable)
	}
	m.executions[exec.ID] = exec.Clone()

	r, ok := m.rules[exec.RuleID]
	if !ok {
		return model.RuleStats{}, nil
	}
	at := exec.StartedAt
	if exec.FinishedAt != nil {
		at = *exec.FinishedAt
	}
	r.Stats.Record(exec.Status, at)
	return r.Stats, nil
}

func (m *Memory) MarkEscalated(_ context.Context, execID, escalationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[execID]
	if !ok {
		return fmt.Errorf("execution %q: %w", execID, ErrNotFound)
	}
	exec.Escalated = true
	exec.EscalationID = escalationID
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*model.MappingExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]*model.MappingExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.MappingExecution
	for _, exec := range m.executions {
		if MatchExecution(exec, f) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (m *Memory) CreateEscalation(_ context.Context, esc *model.EscalationExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escalations[esc.ID]; ok {
		return fmt.Errorf("escalation %q: %w", esc.ID, ErrConflict)
	}
	m.escalations[esc.ID] = esc.Clone()
	return nil
}

func (m *Memory) UpdateEscalation(_ context.Context, esc *model.EscalationExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.escalations[esc.ID]
	if !ok {
		return fmt.Errorf("escalation %q: %w", esc.ID, ErrNotFound)
	}
	if esc.CurrentLevel < stored.CurrentLevel {
		return fmt.Errorf("escalation %q: level cannot drop from %d to %d: %w",
			esc.ID, stored.CurrentLevel, esc.CurrentLevel, ErrConflict)
	}
	m.escalations[esc.ID] = esc.Clone()
	return nil
}

func (m *Memory) GetEscalation(_ context.Context, id string) (*model.EscalationExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %q: %w", id, ErrNotFound)
	}
	return esc.Clone(), nil
}

func (m *Memory) ListEscalations(_ context.Context, f EscalationFilter) ([]*model.EscalationExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EscalationExecution
	for _, esc := range m.escalations {
		if f.RuleID != "" && esc.RuleID != f.RuleID {
			continue
		}
		if f.Status != "" && esc.Status != f.Status {
			continue
		}
		out = append(out, esc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func copyChain(c *model.EscalationChain) model.EscalationChain {
	cp := *c
	cp.Levels = append([]model.EscalationLevel(nil), c.Levels...)
	return cp
}

func containsStatus(list []model.EventStatus, s model.EventStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func limit[T any](list []T, n int) []T {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}
