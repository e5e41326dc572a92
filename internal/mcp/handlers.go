package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// defaultLimit bounds list tools when the client does not ask for a limit.
const defaultLimit = 50

// --- Input/Output types ---
//
// Tools returning engine records declare an untyped output so no schema
// is derived from the record types; the records are still delivered as
// structured JSON.

// RulesInput is empty.
type RulesInput struct{}

// RulesOutput lists rules.
type RulesOutput struct {
	Rules []RuleItem `json:"rules"`
}

// RuleItem summarises one rule.
type RuleItem struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Active              bool   `json:"active"`
	Priority            int    `json:"priority"`
	Actions             int    `json:"actions"`
	ExecutionCount      int64  `json:"execution_count"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// RuleStatsInput names a rule.
type RuleStatsInput struct {
	RuleID string `json:"rule_id" jsonschema:"rule id"`
}

// TestRuleInput describes a sample alert.
type TestRuleInput struct {
	RuleID     string         `json:"rule_id" jsonschema:"rule id"`
	Attributes map[string]any `json:"attributes" jsonschema:"alert attributes, e.g. alertType, severity, deviceName"`
	DryRun     bool           `json:"dry_run,omitempty" jsonschema:"describe actions instead of running them"`
}

// IngestInput is a raw webhook payload.
type IngestInput struct {
	Source  string `json:"source" jsonschema:"source tag (ninja, connectwise, connectwise_psa, generic)"`
	Payload string `json:"payload" jsonschema:"raw JSON payload"`
}

// IngestOutput reports what happened to the payload.
type IngestOutput struct {
	EventID string                `json:"event_id"`
	Status  model.EventStatus     `json:"status"`
	Queued  bool                  `json:"queued,omitempty"`
	Error   string                `json:"error,omitempty"`
	Result  *engine.ProcessResult `json:"result,omitempty"`
}

// ExecutionsInput filters executions.
type ExecutionsInput struct {
	RuleID  string `json:"rule_id,omitempty" jsonschema:"only this rule"`
	EventID string `json:"event_id,omitempty" jsonschema:"only this event"`
	Status  string `json:"status,omitempty" jsonschema:"success, failure, partial or running"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum results (default 50)"`
}

// ExecutionsOutput lists executions.
type ExecutionsOutput struct {
	Executions []*model.MappingExecution `json:"executions"`
}

// EscalationsInput filters escalations.
type EscalationsInput struct {
	RuleID string `json:"rule_id,omitempty" jsonschema:"only this rule"`
	Status string `json:"status,omitempty" jsonschema:"open or resolved"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum results (default 50)"`
}

// EscalationsOutput lists escalations.
type EscalationsOutput struct {
	Escalations []*model.EscalationExecution `json:"escalations"`
}

// ResolveInput resolves an escalation.
type ResolveInput struct {
	ID         string `json:"id" jsonschema:"escalation id"`
	ResolvedBy string `json:"resolved_by" jsonschema:"who resolved it"`
	Resolution string `json:"resolution,omitempty" jsonschema:"what was done"`
}

// AdvanceInput names an escalation.
type AdvanceInput struct {
	ID string `json:"id" jsonschema:"escalation id"`
}

// EscalationOutput wraps one escalation.
type EscalationOutput struct {
	Escalation *model.EscalationExecution `json:"escalation"`
}

// --- Handlers ---

func (s *Server) handleRules(ctx context.Context, _ *mcpsdk.CallToolRequest, _ RulesInput) (*mcpsdk.CallToolResult, RulesOutput, error) {
	all, err := s.engine.Rules(ctx)
	if err != nil {
		return nil, RulesOutput{}, err
	}
	out := RulesOutput{Rules: make([]RuleItem, 0, len(all))}
	for _, r := range all {
		out.Rules = append(out.Rules, RuleItem{
			ID:                  r.ID,
			Name:                r.Name,
			Active:              r.Active,
			Priority:            r.Priority,
			Actions:             len(r.Actions),
			ExecutionCount:      r.Stats.ExecutionCount,
			ConsecutiveFailures: r.Stats.ConsecutiveFailures,
		})
	}
	return nil, out, nil
}

func (s *Server) handleRuleStats(ctx context.Context, _ *mcpsdk.CallToolRequest, in RuleStatsInput) (*mcpsdk.CallToolResult, any, error) {
	if in.RuleID == "" {
		return nil, nil, fmt.Errorf("rule_id is required")
	}
	stats, err := s.engine.RuleStats(ctx, in.RuleID)
	if err != nil {
		return nil, nil, err
	}
	return nil, stats, nil
}

func (s *Server) handleTestRule(ctx context.Context, _ *mcpsdk.CallToolRequest, in TestRuleInput) (*mcpsdk.CallToolResult, any, error) {
	if in.RuleID == "" {
		return nil, nil, fmt.Errorf("rule_id is required")
	}
	ev := &model.AlertEvent{Source: "mcp", EventType: "alert", Attributes: in.Attributes}
	res, err := s.engine.TestRule(ctx, in.RuleID, ev, engine.TestOptions{TestMode: true, DryRun: in.DryRun})
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

func (s *Server) handleIngest(ctx context.Context, _ *mcpsdk.CallToolRequest, in IngestInput) (*mcpsdk.CallToolResult, any, error) {
	if !json.Valid([]byte(in.Payload)) {
		return &mcpsdk.CallToolResult{IsError: true}, IngestOutput{Error: "payload is not valid JSON"}, nil
	}
	ev, err := s.engine.Ingest(ctx, in.Source, []byte(in.Payload), nil)
	if err != nil {
		return nil, nil, err
	}
	out := IngestOutput{EventID: ev.ID, Status: ev.Status, Error: ev.LastError}
	switch {
	case ev.Status.Terminal():
	case s.engine.Running():
		out.Queued = true
	default:
		res, err := s.engine.Process(ctx, ev.ID)
		if err != nil {
			return nil, nil, err
		}
		out.Status = res.Event.Status
		out.Result = res
	}
	s.logger.Info("mcp ingest", zap.String("event_id", out.EventID), zap.String("status", string(out.Status)))
	return nil, out, nil
}

func (s *Server) handleExecutions(ctx context.Context, _ *mcpsdk.CallToolRequest, in ExecutionsInput) (*mcpsdk.CallToolResult, any, error) {
	execs, err := s.engine.Executions(ctx, store.ExecutionFilter{
		RuleID:  in.RuleID,
		EventID: in.EventID,
		Status:  model.ExecutionStatus(in.Status),
		Limit:   limitOr(in.Limit),
	})
	if err != nil {
		return nil, nil, err
	}
	if execs == nil {
		execs = []*model.MappingExecution{}
	}
	return nil, ExecutionsOutput{Executions: execs}, nil
}

func (s *Server) handleEscalations(ctx context.Context, _ *mcpsdk.CallToolRequest, in EscalationsInput) (*mcpsdk.CallToolResult, any, error) {
	escs, err := s.engine.Escalations(ctx, store.EscalationFilter{
		RuleID: in.RuleID,
		Status: model.EscalationStatus(in.Status),
		Limit:  limitOr(in.Limit),
	})
	if err != nil {
		return nil, nil, err
	}
	if escs == nil {
		escs = []*model.EscalationExecution{}
	}
	return nil, EscalationsOutput{Escalations: escs}, nil
}

func (s *Server) handleResolve(ctx context.Context, _ *mcpsdk.CallToolRequest, in ResolveInput) (*mcpsdk.CallToolResult, any, error) {
	if in.ID == "" || in.ResolvedBy == "" {
		return nil, nil, fmt.Errorf("id and resolved_by are required")
	}
	esc, err := s.engine.ResolveEscalation(ctx, in.ID, in.ResolvedBy, in.Resolution)
	if err != nil {
		return nil, nil, err
	}
	return nil, EscalationOutput{Escalation: esc}, nil
}

func (s *Server) handleAdvance(ctx context.Context, _ *mcpsdk.CallToolRequest, in AdvanceInput) (*mcpsdk.CallToolResult, any, error) {
	esc, err := s.engine.AdvanceEscalation(ctx, in.ID)
	if err != nil {
		return nil, nil, err
	}
	return nil, EscalationOutput{Escalation: esc}, nil
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}
