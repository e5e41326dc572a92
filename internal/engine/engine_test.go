package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/redact"
	"github.com/ppiankov/autoremedy/internal/store"
)

// fakeScripts fails every script listed in failing.
type fakeScripts struct {
	mu      sync.Mutex
	failing map[string]bool
	delay   time.Duration
	calls   atomic.Int64
}

func (f *fakeScripts) RunScript(ctx context.Context, ref, _ string, _ map[string]string) (pipeline.ScriptResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pipeline.ScriptResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	fail := f.failing[ref]
	f.mu.Unlock()
	if fail {
		return pipeline.ScriptResult{ExitCode: 1}, fmt.Errorf("script %s exited 1", ref)
	}
	return pipeline.ScriptResult{Success: true, Output: "ok"}, nil
}

type fakeEscalator struct {
	calls atomic.Int64
}

func (f *fakeEscalator) Escalate(context.Context, model.EscalationTarget, pipeline.EscalationContext) error {
	f.calls.Add(1)
	return nil
}

type fixture struct {
	engine  *Engine
	store   *store.Memory
	scripts *fakeScripts
	esc     *fakeEscalator
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		scripts: &fakeScripts{failing: map[string]bool{}},
		esc:     &fakeEscalator{},
	}
	opts := Options{
		Logger:       zaptest.NewLogger(t),
		Capabilities: pipeline.Capabilities{Scripts: f.scripts, Escalator: f.esc},
		RetryBackoff: 10 * time.Millisecond,
		SweepSpec:    "@every 1h",
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.engine = New(f.store, opts)
	return f
}

func scriptRule(id, script string, priority int) *model.Rule {
	return &model.Rule{
		ID:       id,
		Name:     id,
		Active:   true,
		Priority: priority,
		Conditions: model.ConditionGroup{All: []model.Condition{
			{Field: "alertType", Operator: model.OpEquals, Value: "DISK_SPACE_LOW"},
		}},
		Actions: []model.Action{
			{Type: model.ActionRunScript, Order: 1, Params: &model.ScriptParams{Script: script}},
		},
	}
}

func (f *fixture) saveRule(t *testing.T, r *model.Rule) {
	t.Helper()
	require.NoError(t, f.engine.SaveRule(context.Background(), r))
}

func (f *fixture) ingest(t *testing.T, id, alertType string) *model.AlertEvent {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"alertType":%q,"severity":"high","deviceId":"dev-1","deviceName":"WS-01"}`, id, alertType)
	ev, err := f.engine.Ingest(context.Background(), "generic", []byte(payload), nil)
	require.NoError(t, err)
	return ev
}

func TestProcessRunsMatchingRule(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, scriptRule("cleanup", "cleanup.ps1", 10))
	ctx := context.Background()

	ev := f.ingest(t, "a1", "DISK_SPACE_LOW")
	assert.Equal(t, "generic:a1", ev.ID)
	assert.Equal(t, model.EventPending, ev.Status)

	res, err := f.engine.Process(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, model.ExecSuccess, res.Executions[0].Status)
	assert.Equal(t, model.EventProcessed, res.Event.Status)

	stored, err := f.engine.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)

	stats, err := f.engine.RuleStats(ctx, "cleanup")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ExecutionCount)
	assert.EqualValues(t, 1, stats.SuccessCount)
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, scriptRule("cleanup", "cleanup.ps1", 10))
	ctx := context.Background()

	ev := f.ingest(t, "a1", "DISK_SPACE_LOW")
	first, err := f.engine.Process(ctx, ev.ID)
	require.NoError(t, err)

	again := f.ingest(t, "a1", "DISK_SPACE_LOW")
	assert.Equal(t, model.EventProcessed, again.Status, "duplicate delivery returns the stored event")

	second, err := f.engine.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	require.Len(t, second.Executions, 1)
	assert.Equal(t, first.Executions[0].ID, second.Executions[0].ID)
	assert.EqualValues(t, 1, f.scripts.calls.Load())

	all, err := f.engine.Executions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProcessNoMatchIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, scriptRule("cleanup", "cleanup.ps1", 10))

	ev := f.ingest(t, "a1", "CPU_HIGH")
	res, err := f.engine.Process(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Executions)
	assert.Equal(t, model.EventIgnored, res.Event.Status)
}

func TestProcessScheduleGatedIsIgnored(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options) { o.Now = func() time.Time { return saturday } })
	r := scriptRule("weekday", "cleanup.ps1", 10)
	r.Schedule = model.Schedule{Enabled: true, Timezone: "UTC", AllowedDays: []string{"mon", "tue", "wed", "thu", "fri"}}
	f.saveRule(t, r)

	ev := f.ingest(t, "a1", "DISK_SPACE_LOW")
	res, err := f.engine.Process(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Executions)
	require.Len(t, res.Gated, 1)
	assert.Equal(t, "weekday", res.Gated[0].RuleID)
	assert.Equal(t, model.EventIgnored, res.Event.Status)

	stats, err := f.engine.RuleStats(context.Background(), "weekday")
	require.NoError(t, err)
	assert.Zero(t, stats.ExecutionCount)
}

func TestStopOnFirstSuccess(t *testing.T) {
	f := newFixture(t)
	first := scriptRule("first", "fix.ps1", 20)
	first.StopOnFirstSuccess = true
	f.saveRule(t, first)
	f.saveRule(t, scriptRule("second", "other.ps1", 10))

	ev := f.ingest(t, "a1", "DISK_SPACE_LOW")
	res, err := f.engine.Process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, "first", res.Executions[0].RuleID)
	assert.Equal(t, []string{"second"}, res.Stopped)

	// A failed stop rule lets the rest run.
	f.scripts.failing["fix.ps1"] = true
	ev = f.ingest(t, "a2", "DISK_SPACE_LOW")
	res, err = f.engine.Process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, res.Executions, 2)
	assert.Equal(t, "first", res.Executions[0].RuleID)
	assert.Equal(t, "second", res.Executions[1].RuleID)
	assert.Empty(t, res.Stopped)
}

func TestEscalatesAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	r := scriptRule("flaky", "broken.ps1", 10)
	two := 2
	r.EscalateAfterFailures = &two
	r.EscalationTarget = &model.EscalationTarget{Assignee: "noc", Kind: model.AssigneeGroup}
	f.saveRule(t, r)
	f.scripts.failing["broken.ps1"] = true
	ctx := context.Background()

	res, err := f.engine.Process(ctx, f.ingest(t, "a1", "DISK_SPACE_LOW").ID)
	require.NoError(t, err)
	assert.Empty(t, res.Escalations)

	res, err = f.engine.Process(ctx, f.ingest(t, "a2", "DISK_SPACE_LOW").ID)
	require.NoError(t, err)
	require.Len(t, res.Escalations, 1)
	assert.True(t, res.Executions[0].Escalated)
	assert.EqualValues(t, 1, f.esc.calls.Load())

	open, err := f.engine.Escalations(ctx, store.EscalationFilter{Status: model.EscalationOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := f.engine.ResolveEscalation(ctx, open[0].ID, "alice", "freed space")
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResolved, resolved.Status)
}

func TestProcessIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	r := scriptRule("cleanup", "cleanup.ps1", 10)
	two := 2
	r.EscalateAfterFailures = &two
	r.EscalationTarget = &model.EscalationTarget{Assignee: "noc", Kind: model.AssigneeGroup}
	f.saveRule(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, id := range []string{"a1", "a2"} {
		res, err := f.engine.Process(ctx, f.ingest(t, id, "DISK_SPACE_LOW").ID)
		require.NoError(t, err)
		require.Len(t, res.Executions, 1)
		assert.Equal(t, model.ExecSuccess, res.Executions[0].Status, res.Executions[0].Error)
		assert.Empty(t, res.Escalations)
	}

	stats, err := f.engine.RuleStats(context.Background(), "cleanup")
	require.NoError(t, err)
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.EqualValues(t, 2, f.scripts.calls.Load())
	assert.Zero(t, f.esc.calls.Load())
}

func TestSameRuleRunsSerialized(t *testing.T) {
	f := newFixture(t)
	r := scriptRule("flaky", "broken.ps1", 10)
	two := 2
	r.EscalateAfterFailures = &two
	r.EscalationTarget = &model.EscalationTarget{Assignee: "noc", Kind: model.AssigneeGroup}
	f.saveRule(t, r)
	f.scripts.failing["broken.ps1"] = true
	f.scripts.delay = 2 * time.Millisecond

	const events = 20
	var ids []string
	for i := 0; i < events; i++ {
		ids = append(ids, f.ingest(t, fmt.Sprintf("a%d", i), "DISK_SPACE_LOW").ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Process(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	all, err := f.engine.Escalations(context.Background(), store.EscalationFilter{RuleID: "flaky"})
	require.NoError(t, err)
	assert.Len(t, all, events/2, "every second failure escalates exactly once")

	stats, err := f.engine.RuleStats(context.Background(), "flaky")
	require.NoError(t, err)
	assert.EqualValues(t, events, stats.FailureCount)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestIngestMalformedPayload(t *testing.T) {
	f := newFixture(t)
	ev, err := f.engine.Ingest(context.Background(), "generic", []byte("{not json"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, ev.Status)
	assert.Contains(t, ev.LastError, "parse payload")

	res, err := f.engine.Process(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Empty(t, res.Executions)
}

func TestIngestScrubsCredentials(t *testing.T) {
	scrub, err := redact.New(redact.Config{})
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.Scrubber = scrub })

	payload := `{"id":"s1","alertType":"DISK_SPACE_LOW","token":"abc123","message":"login password=hunter2 failed"}`
	ev, err := f.engine.Ingest(context.Background(), "generic", []byte(payload), nil)
	require.NoError(t, err)

	stored, err := f.engine.Event(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "***", stored.Attr("token"))
	assert.NotContains(t, stored.Attr(model.AttrMessage), "hunter2")
	assert.Equal(t, "DISK_SPACE_LOW", stored.Attr(model.AttrAlertType))
}

func waitForStatus(t *testing.T, e *Engine, id string, want model.EventStatus) *model.AlertEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := e.Event(context.Background(), id)
		if err == nil && ev.Status == want {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	ev, _ := e.Event(context.Background(), id)
	t.Fatalf("event %s did not reach %s, last seen %+v", id, want, ev)
	return nil
}

func TestRunProcessesQueuedAndRecoveredEvents(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, scriptRule("cleanup", "cleanup.ps1", 10))

	// Stored before the pool starts: picked up by recovery.
	early := f.ingest(t, "early", "DISK_SPACE_LOW")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	waitForStatus(t, f.engine, early.ID, model.EventProcessed)

	require.Eventually(t, f.engine.running.Load, time.Second, 5*time.Millisecond)
	late := f.ingest(t, "late", "DISK_SPACE_LOW")
	waitForStatus(t, f.engine, late.ID, model.EventProcessed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.ErrorIs(t, f.engine.Submit(context.Background(), "x"), ErrStopped)
}

// flakyRules fails ListRules, standing in for an unavailable database.
type flakyRules struct {
	store.Store
	failures atomic.Int64
}

func (s *flakyRules) ListRules(ctx context.Context) ([]model.Rule, error) {
	s.failures.Add(1)
	return nil, errors.New("database is locked")
}

func TestStoreFailureRetriesThenFails(t *testing.T) {
	mem := store.NewMemory()
	s := &flakyRules{Store: mem}
	e := New(s, Options{
		Logger:          zaptest.NewLogger(t),
		MaxEventRetries: 2,
		RetryBackoff:    5 * time.Millisecond,
		SweepSpec:       "@every 1h",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	require.Eventually(t, e.running.Load, time.Second, 5*time.Millisecond)

	ev, err := e.Ingest(ctx, "generic", []byte(`{"id":"x1","alertType":"DISK_SPACE_LOW"}`), nil)
	require.NoError(t, err)

	failed := waitForStatus(t, e, ev.ID, model.EventFailed)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Contains(t, failed.LastError, "database is locked")
	assert.EqualValues(t, 3, s.failures.Load())
}

func TestProcessResumesInterruptedEvent(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, scriptRule("cleanup", "cleanup.ps1", 10))
	ctx := context.Background()

	ev := f.ingest(t, "a1", "DISK_SPACE_LOW")
	ev.Status = model.EventProcessing
	require.NoError(t, f.store.UpdateEvent(ctx, ev))
	stale := &model.MappingExecution{
		ID: "stale", RuleID: "cleanup", EventID: ev.ID,
		Status: model.ExecRunning, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateExecution(ctx, stale))

	res, err := f.engine.Process(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.NotEqual(t, "stale", res.Executions[0].ID)
	assert.Equal(t, model.ExecSuccess, res.Executions[0].Status)

	closed, err := f.store.GetExecution(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, closed.Status)
	assert.Equal(t, "execution interrupted", closed.Error)
}

func TestDeleteChainInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chain := &model.EscalationChain{ID: "tiered", Name: "Tiered", Levels: []model.EscalationLevel{
		{Level: 1, Assignee: "tech", AssigneeKind: model.AssigneeUser, DelayMinutes: 10},
	}}
	require.NoError(t, f.engine.SaveChain(ctx, chain))

	r := scriptRule("cleanup", "cleanup.ps1", 10)
	one := 1
	r.EscalateAfterFailures = &one
	r.EscalationChainID = "tiered"
	f.saveRule(t, r)

	assert.ErrorIs(t, f.engine.DeleteChain(ctx, "tiered"), store.ErrConflict)
	require.NoError(t, f.engine.DeleteRule(ctx, "cleanup"))
	assert.NoError(t, f.engine.DeleteChain(ctx, "tiered"))
}

func TestSaveRuleRejectsUnknownChain(t *testing.T) {
	f := newFixture(t)
	r := scriptRule("cleanup", "cleanup.ps1", 10)
	one := 1
	r.EscalateAfterFailures = &one
	r.EscalationChainID = "missing"
	err := f.engine.SaveRule(context.Background(), r)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
