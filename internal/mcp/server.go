// Package mcp exposes the engine to MCP clients over stdio: rule and
// execution queries, rule testing and escalation handling.
package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// Engine is the part of *engine.Engine the tools call.
type Engine interface {
	Ingest(ctx context.Context, source string, raw []byte, headers http.Header) (*model.AlertEvent, error)
	Process(ctx context.Context, eventID string) (*engine.ProcessResult, error)
	Running() bool
	Rules(ctx context.Context) ([]model.Rule, error)
	RuleStats(ctx context.Context, id string) (model.RuleStats, error)
	TestRule(ctx context.Context, ruleID string, ev *model.AlertEvent, opts engine.TestOptions) (*engine.TestResult, error)
	Executions(ctx context.Context, f store.ExecutionFilter) ([]*model.MappingExecution, error)
	Escalations(ctx context.Context, f store.EscalationFilter) ([]*model.EscalationExecution, error)
	ResolveEscalation(ctx context.Context, id, by, resolution string) (*model.EscalationExecution, error)
	AdvanceEscalation(ctx context.Context, id string) (*model.EscalationExecution, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server wraps the MCP SDK server around an engine.
type Server struct {
	mcpServer *mcpsdk.Server
	engine    Engine
	logger    *zap.Logger
	version   string
}

// New registers the tools for eng.
func New(eng Engine, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: eng, logger: logger, version: version}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "autoremedy",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio. Blocks until ctx is cancelled or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_rules",
		Description: "List automation rules in execution order with their statistics.",
	}, s.handleRules)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_rule_stats",
		Description: "Show execution counters and the consecutive failure streak of one rule.",
	}, s.handleRuleStats)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_test_rule",
		Description: "Evaluate a rule against sample alert attributes in test mode. Nothing is recorded and no escalation starts. Set dry_run to describe the actions instead of running them.",
	}, s.handleTestRule)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_ingest",
		Description: "Submit a raw alert payload as if it arrived on /webhooks/{source}.",
	}, s.handleIngest)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_executions",
		Description: "List rule executions, newest first, filtered by rule, event or status.",
	}, s.handleExecutions)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_escalations",
		Description: "List escalations filtered by rule or status (open/resolved).",
	}, s.handleEscalations)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_resolve_escalation",
		Description: "Resolve an open escalation. Resolution is final.",
	}, s.handleResolve)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "autoremedy_advance_escalation",
		Description: "Move an open escalation to the next level of its chain now.",
	}, s.handleAdvance)
}
