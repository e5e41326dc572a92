package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/metrics"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/store"
)

type scripts struct{ fail bool }

func (s *scripts) RunScript(context.Context, string, string, map[string]string) (pipeline.ScriptResult, error) {
	if s.fail {
		return pipeline.ScriptResult{ExitCode: 1}, fmt.Errorf("exit 1")
	}
	return pipeline.ScriptResult{Success: true}, nil
}

type escalator struct{}

func (escalator) Escalate(context.Context, model.EscalationTarget, pipeline.EscalationContext) error {
	return nil
}

type fixture struct {
	engine  *engine.Engine
	scripts *scripts
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{scripts: &scripts{}, metrics: metrics.New()}
	f.engine = engine.New(store.NewMemory(), engine.Options{
		Logger:       zaptest.NewLogger(t),
		Capabilities: pipeline.Capabilities{Scripts: f.scripts, Escalator: escalator{}},
		Observers:    []engine.Observer{f.metrics},
		SweepSpec:    "@every 1h",
	})
	f.handler = New(cfg, f.engine, f.metrics, zaptest.NewLogger(t)).Handler()

	one := 1
	rule := &model.Rule{
		ID:       "cleanup",
		Name:     "Disk cleanup",
		Active:   true,
		Priority: 10,
		Conditions: model.ConditionGroup{All: []model.Condition{
			{Field: "alertType", Operator: model.OpEquals, Value: "DISK_SPACE_LOW"},
		}},
		Actions: []model.Action{
			{Type: model.ActionRunScript, Order: 1, Params: &model.ScriptParams{Script: "cleanup.ps1"}},
		},
		EscalateAfterFailures: &one,
		EscalationTarget:      &model.EscalationTarget{Assignee: "noc", Kind: model.AssigneeGroup},
	}
	require.NoError(t, f.engine.SaveRule(context.Background(), rule))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const diskAlert = `{"id":"a1","alertType":"DISK_SPACE_LOW","deviceId":"dev-1","deviceName":"WS-01"}`

func TestWebhookProcessesInlineWhenStopped(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/webhooks/generic", diskAlert)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[WebhookResponse](t, rec)
	assert.Equal(t, "generic:a1", resp.EventID)
	assert.Equal(t, model.EventProcessed, resp.Status)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Executions, 1)
	assert.Equal(t, model.ExecSuccess, resp.Result.Executions[0].Status)

	first := resp.Result.Executions[0].ID

	// Redelivery of a finished event replays the prior result without a new run.
	rec = f.do(t, http.MethodPost, "/webhooks/generic", diskAlert)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[WebhookResponse](t, rec)
	assert.False(t, again.Queued)
	require.NotNil(t, again.Result)
	assert.True(t, again.Result.Replayed)
	require.Len(t, again.Result.Executions, 1)
	assert.Equal(t, first, again.Result.Executions[0].ID)

	rec = f.do(t, http.MethodGet, "/executions?rule_id=cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.MappingExecution](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/rules/cleanup/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[model.RuleStats](t, rec).SuccessCount)
}

func TestWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/webhooks/ninja", "{not json")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[WebhookResponse](t, rec)
	assert.Equal(t, model.EventFailed, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestWebhookRateLimitPerSource(t *testing.T) {
	f := newFixture(t, Config{RatePerSecond: 0.001, Burst: 1})

	first := f.do(t, http.MethodPost, "/webhooks/generic", `{"id":"r1","alertType":"OTHER"}`)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/webhooks/generic", `{"id":"r2","alertType":"OTHER"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	// Another source has its own bucket.
	other := f.do(t, http.MethodPost, "/webhooks/ninja", `{"id":"r3"}`)
	assert.NotEqual(t, http.StatusTooManyRequests, other.Code)

	metricsRec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `autoremedy_webhooks_rejected_total{reason="rate_limited",source="generic"} 1`)
}

func TestEscalationResolveAndAdvance(t *testing.T) {
	f := newFixture(t, Config{})
	f.scripts.fail = true

	rec := f.do(t, http.MethodPost, "/webhooks/generic", diskAlert)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[WebhookResponse](t, rec)
	require.Len(t, resp.Result.Escalations, 1)
	id := resp.Result.Escalations[0].ID

	rec = f.do(t, http.MethodGet, "/escalations?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.EscalationExecution](t, rec), 1)

	// A single-level escalation cannot advance.
	rec = f.do(t, http.MethodPost, "/escalations/"+id+"/advance", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/escalations/"+id+"/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/escalations/"+id+"/resolve", `{"resolved_by":"alice","resolution":"disk replaced"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	esc := decode[model.EscalationExecution](t, rec)
	assert.Equal(t, model.EscalationResolved, esc.Status)
	assert.Equal(t, "alice", esc.ResolvedBy)

	rec = f.do(t, http.MethodPost, "/escalations/"+id+"/resolve", `{"resolved_by":"bob"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/escalations/missing/resolve", `{"resolved_by":"bob"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestRuleDefaultsToTestMode(t *testing.T) {
	f := newFixture(t, Config{})
	body := `{"event":{"attributes":{"alertType":"DISK_SPACE_LOW"}}}`

	rec := f.do(t, http.MethodPost, "/rules/cleanup/test", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[engine.TestResult](t, rec)
	assert.True(t, res.Matched)
	require.NotNil(t, res.Execution)

	// Test runs leave no trace in statistics or the ledger.
	rec = f.do(t, http.MethodGet, "/rules/cleanup/stats", "")
	assert.EqualValues(t, 0, decode[model.RuleStats](t, rec).ExecutionCount)
	rec = f.do(t, http.MethodGet, "/executions", "")
	assert.Empty(t, decode[[]model.MappingExecution](t, rec))

	rec = f.do(t, http.MethodPost, "/rules/nope/test", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleAndChainManagement(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPut, "/rules/bad", `{"name":"","actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	chain := `{"name":"NOC","levels":[{"level":1,"assignee":"tech","kind":"user","delay_minutes":15},{"level":2,"assignee":"lead","kind":"user"}]}`
	rec = f.do(t, http.MethodPut, "/chains/noc", chain)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rule := map[string]any{
		"name":                "Service restart",
		"active":              true,
		"priority":            5,
		"conditions":          map[string]any{"all": []any{map[string]any{"field": "alertType", "operator": "equals", "value": "SERVICE_DOWN"}}},
		"actions":             []any{map[string]any{"type": "restart_service", "order": 1, "params": map[string]any{"service": "spooler"}}},
		"escalation_chain_id": "noc",
	}
	data, err := json.Marshal(rule)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPut, "/rules/restart", string(data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/chains/noc", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Rule](t, rec), 2)

	rec = f.do(t, http.MethodDelete, "/rules/restart", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/chains/noc", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/executions?since=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/escalations?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/events/none", "").Code)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["running"])
}

func TestStartServesUntilCancelled(t *testing.T) {
	f := newFixture(t, Config{})
	srv := New(Config{Addr: "127.0.0.1:0"}, f.engine, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
