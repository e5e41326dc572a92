package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
)

type captured struct {
	mu     sync.Mutex
	bodies [][]byte
	header http.Header
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.header = r.Header.Clone()
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestSendNotificationRoutesByChannel(t *testing.T) {
	var ops, sec captured
	d := NewDispatcher([]Webhook{
		{Name: "ops", URL: ops.server(t, http.StatusOK).URL, Channels: []string{"ops"}, Headers: map[string]string{"X-Token": "abc"}},
		{Name: "sec", URL: sec.server(t, http.StatusOK).URL, Channels: []string{"security"}},
	}, nil)

	err := d.SendNotification(context.Background(), "ops", pipeline.Notification{
		Subject: "Disk cleaned", Message: "freed 4GB on WS-01", RuleID: "disk", EventID: "generic:a1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ops.count() != 1 || sec.count() != 0 {
		t.Fatalf("expected only ops webhook to be called, got ops=%d sec=%d", ops.count(), sec.count())
	}
	if got := ops.header.Get("X-Token"); got != "abc" {
		t.Errorf("expected custom header, got %q", got)
	}

	var m Message
	if err := json.Unmarshal(ops.bodies[0], &m); err != nil {
		t.Fatalf("decode generic payload: %v", err)
	}
	if m.Kind != KindNotification || m.Text != "freed 4GB on WS-01" || m.Channel != "ops" {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestSendNotificationUnknownChannel(t *testing.T) {
	d := NewDispatcher(nil, nil)
	err := d.SendNotification(context.Background(), "nowhere", pipeline.Notification{Message: "x"})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestEscalateRoutesByAssignee(t *testing.T) {
	var all, alice captured
	d := NewDispatcher([]Webhook{
		{Name: "pager", URL: all.server(t, http.StatusOK).URL, Format: "pagerduty", Channels: []string{"escalation"}},
		{Name: "alice", URL: alice.server(t, http.StatusOK).URL, Format: "slack", Channels: []string{"escalation:alice"}},
	}, nil)

	target := model.EscalationTarget{Assignee: "bob", Kind: model.AssigneeUser}
	if err := d.Escalate(context.Background(), target, pipeline.EscalationContext{RuleID: "disk", Level: 1, EscalationID: "esc-1"}); err != nil {
		t.Fatal(err)
	}
	if all.count() != 1 || alice.count() != 0 {
		t.Fatalf("expected pager only, got pager=%d alice=%d", all.count(), alice.count())
	}

	var pd map[string]any
	if err := json.Unmarshal(all.bodies[0], &pd); err != nil {
		t.Fatal(err)
	}
	if pd["dedup_key"] != "esc-1" {
		t.Errorf("expected dedup key esc-1, got %v", pd["dedup_key"])
	}
	payload := pd["payload"].(map[string]any)
	if payload["severity"] != "error" {
		t.Errorf("expected escalation default severity error, got %v", payload["severity"])
	}

	target.Assignee = "alice"
	if err := d.Escalate(context.Background(), target, pipeline.EscalationContext{Level: 2}); err != nil {
		t.Fatal(err)
	}
	if all.count() != 2 || alice.count() != 1 {
		t.Fatalf("expected both webhooks, got pager=%d alice=%d", all.count(), alice.count())
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(context.Background(), Webhook{Name: "flaky", URL: srv.URL}, Message{Text: "x"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := Send(context.Background(), Webhook{Name: "auth", URL: srv.URL}, Message{Text: "x"}); err == nil {
		t.Fatal("expected error for 401")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestOneDeliveredCopyIsEnough(t *testing.T) {
	var ok, broken captured
	d := NewDispatcher([]Webhook{
		{Name: "ok", URL: ok.server(t, http.StatusOK).URL, Channels: []string{"*"}},
		{Name: "broken", URL: broken.server(t, http.StatusForbidden).URL, Channels: []string{"ops"}},
	}, nil)
	if err := d.SendNotification(context.Background(), "ops", pipeline.Notification{Message: "x"}); err != nil {
		t.Fatalf("expected success with one working webhook, got %v", err)
	}
}

func TestFormatPayloads(t *testing.T) {
	m := Message{Kind: KindEscalation, Level: 2, Assignee: "lead", Text: "still failing", RuleName: "Disk cleanup", Severity: "CRITICAL"}
	for _, format := range []string{"generic", "slack", "pagerduty", "teams"} {
		body, err := FormatPayload(format, m)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !json.Valid(body) {
			t.Errorf("%s: invalid JSON", format)
		}
	}
	body, _ := FormatPayload("pagerduty", m)
	var pd struct {
		Payload struct {
			Severity string `json:"severity"`
		} `json:"payload"`
	}
	_ = json.Unmarshal(body, &pd)
	if pd.Payload.Severity != "critical" {
		t.Errorf("expected critical, got %q", pd.Payload.Severity)
	}
}
