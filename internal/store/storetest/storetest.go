// Package storetest is a conformance suite run against every store.Store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// Run exercises a fresh store returned by open for every case.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("EventCreateIsIdempotent", func(t *testing.T) { testEventIdempotent(t, open(t)) })
	t.Run("EventListByStatus", func(t *testing.T) { testEventList(t, open(t)) })
	t.Run("RuleSaveKeepsStats", func(t *testing.T) { testRuleSaveKeepsStats(t, open(t)) })
	t.Run("RuleNameUnique", func(t *testing.T) { testRuleNameUnique(t, open(t)) })
	t.Run("Chains", func(t *testing.T) { testChains(t, open(t)) })
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, open(t)) })
	t.Run("ExecutionFilters", func(t *testing.T) { testExecutionFilters(t, open(t)) })
	t.Run("ConcurrentFinishSerializesStats", func(t *testing.T) { testConcurrentFinish(t, open(t)) })
	t.Run("Escalations", func(t *testing.T) { testEscalations(t, open(t)) })
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func event(id string, status model.EventStatus, at time.Time) *model.AlertEvent {
	return &model.AlertEvent{
		ID: id, Source: "generic", EventType: "alert", Status: status, ReceivedAt: at,
		Attributes: map[string]any{"alertType": "PING"},
	}
}

func rule(id, name string) *model.Rule {
	return &model.Rule{
		ID: id, Name: name, Active: true, Priority: 1,
		Actions: []model.Action{{Type: model.ActionRunScript, Order: 1, Params: &model.ScriptParams{Script: "ping.sh"}}},
	}
}

func running(id, ruleID, eventID string, at time.Time) *model.MappingExecution {
	return &model.MappingExecution{ID: id, RuleID: ruleID, EventID: eventID, Status: model.ExecRunning, StartedAt: at}
}

func finish(exec *model.MappingExecution, status model.ExecutionStatus) *model.MappingExecution {
	done := exec.StartedAt.Add(time.Second)
	exec.Status = status
	exec.FinishedAt = &done
	return exec
}

func testEventIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	ev, created, err := s.CreateEvent(ctx, event("generic:1", model.EventPending, t0))
	require.NoError(t, err)
	require.True(t, created)

	ev.Status = model.EventProcessed
	require.NoError(t, s.UpdateEvent(ctx, ev))

	again, created, err := s.CreateEvent(ctx, event("generic:1", model.EventPending, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.EventProcessed, again.Status)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateEvent(ctx, event("missing", model.EventPending, t0)), store.ErrNotFound)
}

func testEventList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, st := range []model.EventStatus{model.EventPending, model.EventProcessing, model.EventProcessed} {
		_, _, err := s.CreateEvent(ctx, event(string(st), st, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	got, err := s.ListEvents(ctx, store.EventFilter{Statuses: []model.EventStatus{model.EventPending, model.EventProcessing}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pending", got[0].ID)
	assert.Equal(t, "processing", got[1].ID)
}

func testRuleSaveKeepsStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := rule("r1", "Disk cleanup")
	require.NoError(t, s.SaveRule(ctx, r))
	created := r.CreatedAt
	require.False(t, created.IsZero())

	exec := running("x1", "r1", "e1", t0)
	require.NoError(t, s.CreateExecution(ctx, exec))
	stats, err := s.FinishExecution(ctx, finish(exec, model.ExecFailure))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConsecutiveFailures)

	edited := rule("r1", "Disk cleanup v2")
	require.NoError(t, s.SaveRule(ctx, edited))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Disk cleanup v2", got.Name)
	assert.Equal(t, int64(1), got.Stats.FailureCount)
	assert.True(t, got.CreatedAt.Equal(created))
	require.Len(t, got.Actions, 1)
	assert.IsType(t, &model.ScriptParams{}, got.Actions[0].Params)

	require.NoError(t, s.ResetConsecutiveFailures(ctx, "r1"))
	stats, err = s.RuleStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, int64(1), stats.FailureCount)

	require.NoError(t, s.DeleteRule(ctx, "r1"))
	_, err = s.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, "r1"), store.ErrNotFound)
}

func testRuleNameUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, rule("r1", "Disk cleanup")))
	err := s.SaveRule(ctx, rule("r2", "disk CLEANUP"))
	assert.ErrorIs(t, err, store.ErrConflict)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func testChains(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := &model.EscalationChain{ID: "c1", Name: "NOC", Levels: []model.EscalationLevel{
		{Level: 1, Assignee: "tech", AssigneeKind: model.AssigneeUser, DelayMinutes: 15},
	}}
	require.NoError(t, s.SaveChain(ctx, c))
	got, err := s.GetChain(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "tech", got.Levels[0].Assignee)

	chains, err := s.ListChains(ctx)
	require.NoError(t, err)
	assert.Len(t, chains, 1)

	require.NoError(t, s.DeleteChain(ctx, "c1"))
	_, err = s.GetChain(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testExecutionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, rule("r1", "R1")))
	exec := running("x1", "r1", "e1", t0)
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.ErrorIs(t, s.CreateExecution(ctx, running("x1", "r1", "e1", t0)), store.ErrConflict)

	for i := 1; i <= 2; i++ {
		res := model.ActionResult{Action: model.Action{Type: model.ActionRunScript, Order: i, Params: &model.ScriptParams{Script: "s"}}, Attempts: 1, Success: true}
		require.NoError(t, s.AppendResult(ctx, "x1", res))
	}

	// Results are visible before the execution finishes.
	mid, err := s.GetExecution(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecRunning, mid.Status)
	require.Len(t, mid.Results, 2)
	assert.Equal(t, 1, mid.Results[0].Action.Order)
	assert.Equal(t, 2, mid.Results[1].Action.Order)

	exec.Results = mid.Results
	stats, err := s.FinishExecution(ctx, finish(exec, model.ExecSuccess))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, model.ExecSuccess, stats.LastExecutionStatus)

	assert.ErrorIs(t, s.AppendResult(ctx, "x1", model.ActionResult{}), store.ErrImmutable)
	_, err = s.FinishExecution(ctx, exec)
	assert.ErrorIs(t, err, store.ErrImmutable)

	require.NoError(t, s.MarkEscalated(ctx, "x1", "esc-1"))
	got, err := s.GetExecution(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, got.Escalated)
	assert.Equal(t, "esc-1", got.EscalationID)
	assert.Len(t, got.Results, 2)

	_, err = s.GetExecution(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testExecutionFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	specs := []struct {
		id, rule, event string
		status          model.ExecutionStatus
		at              time.Time
	}{
		{"a", "r1", "e1", model.ExecSuccess, t0},
		{"b", "r1", "e2", model.ExecFailure, t0.Add(time.Hour)},
		{"c", "r2", "e2", model.ExecPartial, t0.Add(2 * time.Hour)},
	}
	for _, sp := range specs {
		exec := running(sp.id, sp.rule, sp.event, sp.at)
		require.NoError(t, s.CreateExecution(ctx, exec))
		_, err := s.FinishExecution(ctx, finish(exec, sp.status))
		require.NoError(t, err)
	}

	ids := func(f store.ExecutionFilter) []string {
		t.Helper()
		list, err := s.ListExecutions(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, e := range list {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids(store.ExecutionFilter{}))
	assert.Equal(t, []string{"b", "a"}, ids(store.ExecutionFilter{RuleID: "r1"}))
	assert.Equal(t, []string{"c", "b"}, ids(store.ExecutionFilter{EventID: "e2"}))
	assert.Equal(t, []string{"b"}, ids(store.ExecutionFilter{Status: model.ExecFailure}))
	assert.Equal(t, []string{"b"}, ids(store.ExecutionFilter{Since: t0.Add(time.Minute), Until: t0.Add(2 * time.Hour)}))
	assert.Equal(t, []string{"c"}, ids(store.ExecutionFilter{Limit: 1}))
}

func testConcurrentFinish(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, rule("r1", "R1")))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec := running(string(rune('a'+i)), "r1", "e", t0.Add(time.Duration(i)*time.Second))
			if err := s.CreateExecution(ctx, exec); err != nil {
				errs <- err
				return
			}
			if _, err := s.FinishExecution(ctx, finish(exec, model.ExecFailure)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent finish: %v", err)
	}

	stats, err := s.RuleStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.ExecutionCount)
	assert.Equal(t, n, stats.ConsecutiveFailures)
}

func testEscalations(t *testing.T, s store.Store) {
	ctx := context.Background()
	next := t0.Add(15 * time.Minute)
	levels := []model.EscalationLevel{
		{Level: 1, Assignee: "tech", AssigneeKind: model.AssigneeUser, DelayMinutes: 15},
		{Level: 2, Assignee: "leads", AssigneeKind: model.AssigneeGroup},
	}
	esc := &model.EscalationExecution{
		ID:              "esc-1",
		RuleID:          "r1",
		ExecutionID:     "x1",
		Target:          levels[0].Target(),
		Levels:          levels,
		CurrentLevel:    1,
		LevelTimestamps: map[int]time.Time{1: t0},
		Status:          model.EscalationOpen,
		StartedAt:       t0,
		NextAdvanceAt:   &next,
	}
	require.NoError(t, s.CreateEscalation(ctx, esc))
	assert.ErrorIs(t, s.CreateEscalation(ctx, esc), store.ErrConflict)

	esc.CurrentLevel = 2
	esc.LevelTimestamps[2] = next
	require.NoError(t, s.UpdateEscalation(ctx, esc))

	esc.CurrentLevel = 1
	err := s.UpdateEscalation(ctx, esc)
	assert.True(t, errors.Is(err, store.ErrConflict), "level must not decrease, got %v", err)

	got, err := s.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.True(t, got.LevelTimestamps[2].Equal(next))

	open, err := s.ListEscalations(ctx, store.EscalationFilter{Status: model.EscalationOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
	none, err := s.ListEscalations(ctx, store.EscalationFilter{RuleID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
