package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/store"
)

type escalatedTo struct {
	target model.EscalationTarget
	level  int
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []escalatedTo
	err   error
}

func (f *fakeEscalator) Escalate(_ context.Context, target model.EscalationTarget, ec pipeline.EscalationContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escalatedTo{target: target, level: ec.Level})
	return f.err
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func threshold(n int) *int { return &n }

type harness struct {
	store *store.Memory
	esc   *fakeEscalator
	ctrl  *Controller
	now   time.Time
}

func newHarness(t *testing.T, rule model.Rule, chains ...model.EscalationChain) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemory(), esc: &fakeEscalator{}, now: t0}
	require.NoError(t, h.store.SaveRule(ctx, &rule))
	for i := range chains {
		require.NoError(t, h.store.SaveChain(ctx, &chains[i]))
	}
	h.ctrl = New(h.store, h.esc, zaptest.NewLogger(t))
	h.ctrl.now = func() time.Time { return h.now }
	return h
}

// finish records a terminal execution for rule and lets the controller observe it.
func (h *harness) finish(t *testing.T, rule model.Rule, status model.ExecutionStatus) (*model.MappingExecution, *model.EscalationExecution) {
	t.Helper()
	ctx := context.Background()
	exec := &model.MappingExecution{
		ID:        "exec-" + h.now.Format("150405.000000000") + string(status),
		RuleID:    rule.ID,
		EventID:   "ev-1",
		Status:    model.ExecRunning,
		StartedAt: h.now,
	}
	require.NoError(t, h.store.CreateExecution(ctx, exec))
	exec.Status = status
	fin := h.now
	exec.FinishedAt = &fin
	_, err := h.store.FinishExecution(ctx, exec)
	require.NoError(t, err)
	h.now = h.now.Add(time.Second)

	esc, err := h.ctrl.Observe(ctx, rule, exec)
	require.NoError(t, err)
	return exec, esc
}

func targetRule() model.Rule {
	return model.Rule{
		ID:                    "r1",
		Name:                  "disk cleanup",
		Active:                true,
		EscalateAfterFailures: threshold(2),
		EscalationTarget:      &model.EscalationTarget{Assignee: "noc", Kind: model.AssigneeGroup},
	}
}

func TestObserveEscalatesOnceAtThreshold(t *testing.T) {
	rule := targetRule()
	h := newHarness(t, rule)
	ctx := context.Background()

	_, esc := h.finish(t, rule, model.ExecFailure)
	assert.Nil(t, esc, "one failure is below the threshold")

	exec, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)
	assert.Equal(t, 1, esc.CurrentLevel)
	assert.Equal(t, model.EscalationOpen, esc.Status)
	assert.Equal(t, "noc", esc.Target.Assignee)
	assert.Nil(t, esc.NextAdvanceAt, "single-level escalation has nowhere to advance")
	assert.True(t, exec.Escalated)

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Escalated)
	assert.Equal(t, esc.ID, stored.EscalationID)

	stats, err := h.store.RuleStats(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.ConsecutiveFailures)

	// The next failure starts a fresh count.
	_, esc = h.finish(t, rule, model.ExecFailure)
	assert.Nil(t, esc)

	all, err := h.store.ListEscalations(ctx, store.EscalationFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, h.esc.calls, 1)
}

func TestObserveSuccessResetsStreak(t *testing.T) {
	rule := targetRule()
	h := newHarness(t, rule)

	_, esc := h.finish(t, rule, model.ExecFailure)
	assert.Nil(t, esc)
	_, esc = h.finish(t, rule, model.ExecSuccess)
	assert.Nil(t, esc)
	_, esc = h.finish(t, rule, model.ExecFailure)
	assert.Nil(t, esc, "success in between must reset the streak")
	_, esc = h.finish(t, rule, model.ExecFailure)
	assert.NotNil(t, esc)
}

func TestObserveIgnoresDisabledAndDryRun(t *testing.T) {
	rule := targetRule()
	rule.EscalateAfterFailures = nil
	h := newHarness(t, rule)
	for i := 0; i < 3; i++ {
		_, esc := h.finish(t, rule, model.ExecFailure)
		assert.Nil(t, esc)
	}

	rule = targetRule()
	rule.EscalateAfterFailures = threshold(1)
	exec := &model.MappingExecution{ID: "dry", RuleID: rule.ID, Status: model.ExecFailure, DryRun: true}
	esc, err := h.ctrl.Observe(context.Background(), rule, exec)
	require.NoError(t, err)
	assert.Nil(t, esc)
}

func chainRule() (model.Rule, model.EscalationChain) {
	rule := targetRule()
	rule.EscalateAfterFailures = threshold(1)
	rule.EscalationTarget = nil
	rule.EscalationChainID = "tiered"
	chain := model.EscalationChain{
		ID:   "tiered",
		Name: "Tiered",
		Levels: []model.EscalationLevel{
			{Level: 2, Assignee: "lead", AssigneeKind: model.AssigneeUser, DelayMinutes: 30},
			{Level: 1, Assignee: "tech", AssigneeKind: model.AssigneeUser, DelayMinutes: 15},
			{Level: 3, Assignee: "cto", AssigneeKind: model.AssigneeUser},
		},
	}
	return rule, chain
}

func TestSweepClimbsChainAndStopsAtFinalLevel(t *testing.T) {
	rule, chain := chainRule()
	h := newHarness(t, rule, chain)
	ctx := context.Background()

	_, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)
	assert.Equal(t, "tech", esc.Target.Assignee)
	require.NotNil(t, esc.NextAdvanceAt)
	started := esc.LevelTimestamps[1]
	assert.Equal(t, started.Add(15*time.Minute), *esc.NextAdvanceAt)

	n, err := h.ctrl.Sweep(ctx, started.Add(14*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "delay not yet elapsed")

	at := started.Add(15 * time.Minute)
	h.now = at
	n, err = h.ctrl.Sweep(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, "lead", got.Target.Assignee)
	assert.Equal(t, at.Add(30*time.Minute), *got.NextAdvanceAt)

	at = at.Add(30 * time.Minute)
	h.now = at
	n, err = h.ctrl.Sweep(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = h.store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentLevel)
	assert.True(t, got.Final())
	assert.Nil(t, got.NextAdvanceAt)
	assert.Equal(t, model.EscalationOpen, got.Status, "final level stays open until resolved")

	n, err = h.ctrl.Sweep(ctx, at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.ctrl.Advance(ctx, esc.ID)
	assert.ErrorIs(t, err, ErrFinalLevel)

	var levels []int
	for _, c := range h.esc.calls {
		levels = append(levels, c.level)
	}
	assert.Equal(t, []int{1, 2, 3}, levels)
}

// blockingEscalator holds every call until release is closed.
type blockingEscalator struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEscalator) Escalate(context.Context, model.EscalationTarget, pipeline.EscalationContext) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestSweepNotifiesOutsideControllerLock(t *testing.T) {
	rule, chain := chainRule()
	h := newHarness(t, rule, chain)
	ctx := context.Background()

	_, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)

	slow := &blockingEscalator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.ctrl.escalator = slow

	at := esc.LevelTimestamps[1].Add(15 * time.Minute)
	h.now = at
	swept := make(chan int, 1)
	go func() {
		n, _ := h.ctrl.Sweep(ctx, at)
		swept <- n
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never notified")
	}

	// The sweep is parked inside the escalator; operator calls must not wait for it.
	resolved := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Resolve(ctx, esc.ID, "alice", "handled")
		resolved <- err
	}()
	select {
	case err := <-resolved:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked behind the sweep's escalator call")
	}

	close(slow.release)
	assert.Equal(t, 1, <-swept)

	got, err := h.store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResolved, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)
}

func TestResolveStopsAdvancement(t *testing.T) {
	rule, chain := chainRule()
	h := newHarness(t, rule, chain)
	ctx := context.Background()

	var changes []Change
	h.ctrl.OnChange(func(c Change, _ *model.EscalationExecution) { changes = append(changes, c) })

	_, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)

	resolved, err := h.ctrl.Resolve(ctx, esc.ID, "alice", "disk replaced")
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	n, err := h.ctrl.Sweep(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.ctrl.Advance(ctx, esc.ID)
	assert.ErrorIs(t, err, ErrResolved)
	_, err = h.ctrl.Resolve(ctx, esc.ID, "bob", "again")
	assert.ErrorIs(t, err, ErrResolved)

	assert.Equal(t, []Change{Started, Resolved}, changes)
}

func TestEscalatorFailureDoesNotBlock(t *testing.T) {
	rule, chain := chainRule()
	h := newHarness(t, rule, chain)
	h.esc.err = errors.New("pager down")

	_, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)

	got, err := h.ctrl.Advance(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Len(t, h.esc.calls, 2)
}

func TestMissingChainFallsBackToTarget(t *testing.T) {
	rule := targetRule()
	rule.EscalateAfterFailures = threshold(1)
	rule.EscalationChainID = "deleted"
	h := newHarness(t, rule)

	_, esc := h.finish(t, rule, model.ExecFailure)
	require.NotNil(t, esc)
	assert.Empty(t, esc.ChainID)
	assert.Equal(t, "noc", esc.Target.Assignee)
}

func TestAdvanceUnknownEscalation(t *testing.T) {
	h := newHarness(t, targetRule())
	_, err := h.ctrl.Advance(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t, targetRule())
	_, err := NewScheduler(h.ctrl, "every tuesday-ish", nil)
	assert.Error(t, err)

	s, err := NewScheduler(h.ctrl, "", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
