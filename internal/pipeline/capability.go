package pipeline

import (
	"context"
	"errors"

	"github.com/ppiankov/autoremedy/internal/model"
)

// ErrCapabilityUnavailable is returned when an action needs a capability
// the pipeline was built without.
var ErrCapabilityUnavailable = errors.New("capability not configured")

// Script refs for device actions that run through the ScriptRunner.
const (
	ScriptRestartService = "builtin:restart-service"
	ScriptClearCache     = "builtin:clear-cache"
	ScriptInstallUpdate  = "builtin:install-update"
)

// ScriptResult is the outcome of one script run.
type ScriptResult struct {
	Success  bool
	Output   string
	ExitCode int
}

// ScriptRunner executes remediation scripts on a device.
type ScriptRunner interface {
	RunScript(ctx context.Context, scriptRef, deviceID string, params map[string]string) (ScriptResult, error)
}

// TicketPatch is a change to a PSA ticket. Close, note and assign actions
// are expressed as patches too.
type TicketPatch struct {
	Status       string             `json:"status,omitempty"`
	Priority     string             `json:"priority,omitempty"`
	Board        string             `json:"board,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Fields       map[string]string  `json:"fields,omitempty"`
	Note         string             `json:"note,omitempty"`
	NoteInternal bool               `json:"note_internal,omitempty"`
	Assignee     string             `json:"assignee,omitempty"`
	AssigneeKind model.AssigneeKind `json:"assignee_kind,omitempty"`
	Resolution   string             `json:"resolution,omitempty"`
	Close        bool               `json:"close,omitempty"`
}

// TicketSystem applies patches to tickets.
type TicketSystem interface {
	UpdateTicket(ctx context.Context, ticketRef string, patch TicketPatch) error
}

// Notification is the payload handed to a Notifier.
type Notification struct {
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	RuleID     string   `json:"rule_id,omitempty"`
	RuleName   string   `json:"rule_name,omitempty"`
	EventID    string   `json:"event_id,omitempty"`
}

// Notifier delivers notifications to a named channel.
type Notifier interface {
	SendNotification(ctx context.Context, channel string, n Notification) error
}

// EscalationContext describes why a target is being escalated to.
type EscalationContext struct {
	RuleID       string `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	EventID      string `json:"event_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
	EscalationID string `json:"escalation_id,omitempty"`
	Level        int    `json:"level,omitempty"`
	Reason       string `json:"reason,omitempty"`
	AlertType    string `json:"alert_type,omitempty"`
	Severity     string `json:"severity,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
}

// Escalator hands an alert to a person or group.
type Escalator interface {
	Escalate(ctx context.Context, target model.EscalationTarget, ec EscalationContext) error
}

// Capabilities bundles the outbound collaborators. Nil members make the
// matching actions fail with ErrCapabilityUnavailable.
type Capabilities struct {
	Scripts   ScriptRunner
	Tickets   TicketSystem
	Notifier  Notifier
	Escalator Escalator
}
