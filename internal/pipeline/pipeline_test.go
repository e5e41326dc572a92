package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

type recordedScript struct {
	ref, device string
	params      map[string]string
}

// fakeScripts fails the scripts named in fail, optionally only for the
// first failTimes calls.
type fakeScripts struct {
	mu        sync.Mutex
	calls     []recordedScript
	fail      map[string]bool
	failTimes int
	block     bool
	panicOn   string
}

func (f *fakeScripts) RunScript(ctx context.Context, ref, device string, params map[string]string) (ScriptResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedScript{ref, device, params})
	n := len(f.calls)
	f.mu.Unlock()

	if ref == f.panicOn {
		panic("runner exploded")
	}
	if f.block {
		<-ctx.Done()
		return ScriptResult{}, ctx.Err()
	}
	if f.fail[ref] && (f.failTimes == 0 || n <= f.failTimes) {
		return ScriptResult{Success: false, Output: "boom", ExitCode: 2}, nil
	}
	return ScriptResult{Success: true, Output: "ok " + ref}, nil
}

func (f *fakeScripts) refs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.ref)
	}
	return out
}

type fakeTickets struct {
	mu      sync.Mutex
	patches map[string][]TicketPatch
}

func (f *fakeTickets) UpdateTicket(_ context.Context, ref string, p TicketPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patches == nil {
		f.patches = make(map[string][]TicketPatch)
	}
	f.patches[ref] = append(f.patches[ref], p)
	return nil
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func script(order int, name string, continueOnError bool) model.Action {
	return model.Action{
		Type:            model.ActionRunScript,
		Order:           order,
		ContinueOnError: continueOnError,
		Params:          &model.ScriptParams{Script: name},
	}
}

func testEvent() *model.AlertEvent {
	return &model.AlertEvent{
		ID:     "connectwise:1",
		Source: "connectwise",
		Status: model.EventProcessing,
		Attributes: map[string]any{
			model.AttrAlertType:  "DISK_SPACE_LOW",
			model.AttrSeverity:   "CRITICAL",
			model.AttrDeviceID:   "1042",
			model.AttrDeviceName: "FS-01",
			model.AttrTicketID:   "T-77",
		},
	}
}

func newPipeline(t *testing.T, ledger store.Ledger, caps Capabilities) (*Pipeline, *recordingSleep) {
	t.Helper()
	rs := &recordingSleep{}
	return New(ledger, caps, Options{Logger: zaptest.NewLogger(t), Sleep: rs.sleep}), rs
}

func TestAbortOnFailureRecordsTwoResults(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rule := model.Rule{ID: "r1", Name: "three", Actions: []model.Action{
		script(3, "third.sh", false),
		script(1, "first.sh", false),
		script(2, "second.sh", false),
	}}
	require.NoError(t, mem.SaveRule(ctx, &rule))
	scripts := &fakeScripts{fail: map[string]bool{"second.sh": true}}
	p, _ := newPipeline(t, mem, Capabilities{Scripts: scripts})

	exec, err := p.Execute(ctx, rule, testEvent())
	require.NoError(t, err)

	assert.Equal(t, model.ExecFailure, exec.Status)
	require.Len(t, exec.Results, 2)
	assert.Equal(t, 1, exec.Results[0].Action.Order)
	assert.True(t, exec.Results[0].Success)
	assert.Equal(t, 2, exec.Results[1].Action.Order)
	assert.False(t, exec.Results[1].Success)
	require.Len(t, exec.Skipped, 1)
	assert.Equal(t, 3, exec.Skipped[0].Order)
	assert.Equal(t, []string{"first.sh", "second.sh"}, scripts.refs())

	stored, err := mem.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Results, 2)
	assert.Equal(t, model.ExecFailure, stored.Status)

	stats, err := mem.RuleStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
}

func TestContinueOnErrorGivesPartial(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "three", Actions: []model.Action{
		script(1, "first.sh", false),
		script(2, "second.sh", true),
		script(3, "third.sh", false),
	}}
	scripts := &fakeScripts{fail: map[string]bool{"second.sh": true}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecPartial, exec.Status)
	assert.Len(t, exec.Results, 3)
	assert.Empty(t, exec.Skipped)
}

func TestAllFailedWithContinueIsFailure(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "two", Actions: []model.Action{
		script(1, "a.sh", true),
		script(2, "b.sh", true),
	}}
	scripts := &fakeScripts{fail: map[string]bool{"a.sh": true, "b.sh": true}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.Len(t, exec.Results, 2)
}

func TestFixedRetryDelay(t *testing.T) {
	rule := model.Rule{
		ID: "r1", Name: "retry",
		Retry:   model.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 5},
		Actions: []model.Action{script(1, "flaky.sh", false)},
	}
	scripts := &fakeScripts{fail: map[string]bool{"flaky.sh": true}, failTimes: 2}
	p, rs := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecSuccess, exec.Status)
	assert.Equal(t, 3, exec.Results[0].Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rs.delays)
}

func TestRetriesExhausted(t *testing.T) {
	rule := model.Rule{
		ID: "r1", Name: "retry",
		Retry:   model.RetryPolicy{MaxRetries: 2, RetryDelaySeconds: 1},
		Actions: []model.Action{script(1, "broken.sh", false)},
	}
	scripts := &fakeScripts{fail: map[string]bool{"broken.sh": true}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.Equal(t, 3, exec.Results[0].Attempts)
	assert.False(t, exec.Results[0].TimedOut)
	assert.Contains(t, exec.Results[0].Error, "exit code 2")
}

func TestTimeoutCancelsInFlightCall(t *testing.T) {
	rule := model.Rule{
		ID: "r1", Name: "slow",
		ExecutionTimeoutSeconds: 1,
		Actions: []model.Action{
			script(1, "hang.sh", true),
			script(2, "never.sh", true),
		},
	}
	scripts := &fakeScripts{block: true}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	start := time.Now()
	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.True(t, exec.TimedOut)
	require.Len(t, exec.Results, 1)
	assert.True(t, exec.Results[0].TimedOut)
	assert.Contains(t, exec.Results[0].Error, ErrExecutionTimeout.Error())
	require.Len(t, exec.Skipped, 1, "continue_on_error does not outlive the budget")
	assert.Equal(t, []string{"hang.sh"}, scripts.refs())
}

func TestRetryDelayBeyondBudgetTimesOut(t *testing.T) {
	rule := model.Rule{
		ID: "r1", Name: "slow retry",
		ExecutionTimeoutSeconds: 2,
		Retry:                   model.RetryPolicy{MaxRetries: 5, RetryDelaySeconds: 60},
		Actions:                 []model.Action{script(1, "broken.sh", false)},
	}
	scripts := &fakeScripts{fail: map[string]bool{"broken.sh": true}}
	p, rs := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.True(t, exec.Results[0].TimedOut)
	assert.Equal(t, 1, exec.Results[0].Attempts)
	assert.Empty(t, rs.delays, "no sleep once the delay cannot fit the budget")
}

func TestMissingCapability(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "notify", Actions: []model.Action{{
		Type: model.ActionNotify, Order: 1,
		Params: &model.NotificationParams{Channel: "ops", Message: "hi"},
	}}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.Contains(t, exec.Results[0].Error, ErrCapabilityUnavailable.Error())
}

func TestCapabilityPanicIsRecorded(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "panic", Actions: []model.Action{script(1, "panic.sh", false)}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: &fakeScripts{panicOn: "panic.sh"}})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.Contains(t, exec.Results[0].Error, "capability panic")
}

func TestTicketAndDeviceActions(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "mixed", Actions: []model.Action{
		{Type: model.ActionRestartService, Order: 1, Params: &model.ServiceParams{Service: "Spooler"}},
		{Type: model.ActionAddNote, Order: 2, Params: &model.NoteParams{Text: "Restarted spooler on {{deviceName}}", Internal: true}},
		{Type: model.ActionCloseTicket, Order: 3, Params: &model.CloseTicketParams{Resolution: "auto-remediated {{alertType}}"}},
	}}
	scripts := &fakeScripts{}
	tickets := &fakeTickets{}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Scripts: scripts, Tickets: tickets})

	exec, err := p.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	require.Equal(t, model.ExecSuccess, exec.Status)

	require.Len(t, scripts.calls, 1)
	assert.Equal(t, ScriptRestartService, scripts.calls[0].ref)
	assert.Equal(t, "1042", scripts.calls[0].device)
	assert.Equal(t, "Spooler", scripts.calls[0].params["service"])

	patches := tickets.patches["T-77"]
	require.Len(t, patches, 2)
	assert.Equal(t, "Restarted spooler on FS-01", patches[0].Note)
	assert.True(t, patches[0].NoteInternal)
	assert.True(t, patches[1].Close)
	assert.Equal(t, "Closed", patches[1].Status)
	assert.Equal(t, "auto-remediated DISK_SPACE_LOW", patches[1].Resolution)
}

func TestTicketActionWithoutTicketFails(t *testing.T) {
	ev := testEvent()
	delete(ev.Attributes, model.AttrTicketID)
	rule := model.Rule{ID: "r1", Name: "note", Actions: []model.Action{
		{Type: model.ActionAddNote, Order: 1, Params: &model.NoteParams{Text: "x"}},
	}}
	p, _ := newPipeline(t, store.NewMemory(), Capabilities{Tickets: &fakeTickets{}})

	exec, err := p.Execute(context.Background(), rule, ev)
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailure, exec.Status)
	assert.Contains(t, exec.Results[0].Error, "resolved to empty")
}

func TestDryRunCallsNothing(t *testing.T) {
	mem := store.NewMemory()
	rule := model.Rule{ID: "r1", Name: "dry", Actions: []model.Action{
		script(1, "cleanup.ps1", false),
		{Type: model.ActionEscalate, Order: 2, Params: &model.EscalateParams{Assignee: "noc", AssigneeKind: model.AssigneeGroup}},
	}}
	d := NewDryRun(mem, Options{Logger: zaptest.NewLogger(t)})

	exec, err := d.Execute(context.Background(), rule, testEvent())
	require.NoError(t, err)
	assert.True(t, exec.DryRun)
	assert.Equal(t, model.ExecSuccess, exec.Status)
	require.Len(t, exec.Results, 2)
	assert.Equal(t, "dry run: would run script cleanup.ps1 on device 1042", exec.Results[0].Output)
	assert.True(t, strings.HasPrefix(exec.Results[1].Output, "dry run: would escalate to group noc"))
}

type failingLedger struct {
	store.Ledger
}

func (failingLedger) CreateExecution(context.Context, *model.MappingExecution) error {
	return errors.New("disk full")
}

func TestLedgerFailurePropagates(t *testing.T) {
	rule := model.Rule{ID: "r1", Name: "x", Actions: []model.Action{script(1, "a.sh", false)}}
	p, _ := newPipeline(t, failingLedger{store.NewMemory()}, Capabilities{Scripts: &fakeScripts{}})

	_, err := p.Execute(context.Background(), rule, testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRender(t *testing.T) {
	ev := testEvent()
	ev.Attributes["metadata"] = map[string]any{"raw": map[string]any{"Entity": map[string]any{"id": 5}}}
	tests := map[string]string{
		"plain":                             "plain",
		"{{alertType}} on {{ deviceName }}": "DISK_SPACE_LOW on FS-01",
		"{{attr.severity}}":                 "CRITICAL",
		"entity {{metadata.raw.Entity.id}}": "entity 5",
		"event {{id}} from {{source}}":      "event connectwise:1 from connectwise",
		"missing [{{nope}}]":                "missing []",
	}
	for in, want := range tests {
		assert.Equal(t, want, Render(in, ev), in)
	}
}
