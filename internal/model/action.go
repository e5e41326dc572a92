package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActionType identifies what an action does.
type ActionType string

const (
	ActionRunScript      ActionType = "run_script"
	ActionUpdateTicket   ActionType = "update_ticket"
	ActionNotify         ActionType = "send_notification"
	ActionEscalate       ActionType = "escalate"
	ActionCloseTicket    ActionType = "close_ticket"
	ActionAddNote        ActionType = "add_note"
	ActionAssignTicket   ActionType = "assign_ticket"
	ActionRestartService ActionType = "restart_service"
	ActionClearCache     ActionType = "clear_cache"
	ActionInstallUpdate  ActionType = "install_update"
)

// ActionParams is the typed payload of one action kind.
type ActionParams interface {
	Kind() ActionType
	Validate() error
}

// newParams returns an empty payload for the given kind.
func newParams(t ActionType) (ActionParams, error) {
	switch t {
	case ActionRunScript:
		return &ScriptParams{}, nil
	case ActionUpdateTicket:
		return &TicketUpdateParams{}, nil
	case ActionNotify:
		return &NotificationParams{}, nil
	case ActionEscalate:
		return &EscalateParams{}, nil
	case ActionCloseTicket:
		return &CloseTicketParams{}, nil
	case ActionAddNote:
		return &NoteParams{}, nil
	case ActionAssignTicket:
		return &AssignParams{}, nil
	case ActionRestartService:
		return &ServiceParams{}, nil
	case ActionClearCache:
		return &CacheParams{}, nil
	case ActionInstallUpdate:
		return &UpdateParams{}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
}

// Action is one step of a rule's pipeline.
type Action struct {
	Type            ActionType
	Order           int
	ContinueOnError bool
	Params          ActionParams
}

// Validate checks the action's type and parameters.
func (a Action) Validate() error {
	if a.Params == nil {
		return fmt.Errorf("action %q: params are required", a.Type)
	}
	if a.Params.Kind() != a.Type {
		return fmt.Errorf("action %q: params are for %q", a.Type, a.Params.Kind())
	}
	if err := a.Params.Validate(); err != nil {
		return fmt.Errorf("action %q: %w", a.Type, err)
	}
	return nil
}

type actionJSON struct {
	Type            ActionType      `json:"type"`
	Order           int             `json:"order"`
	ContinueOnError bool            `json:"continue_on_error"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes the action with its params inline.
func (a Action) MarshalJSON() ([]byte, error) {
	var params json.RawMessage
	if a.Params != nil {
		raw, err := json.Marshal(a.Params)
		if err != nil {
			return nil, err
		}
		params = raw
	}
	return json.Marshal(actionJSON{
		Type:            a.Type,
		Order:           a.Order,
		ContinueOnError: a.ContinueOnError,
		Params:          params,
	})
}

// UnmarshalJSON picks the params variant from the type field.
func (a *Action) UnmarshalJSON(data []byte) error {
	var wire actionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	params, err := newParams(wire.Type)
	if err != nil {
		return err
	}
	if len(wire.Params) > 0 && string(wire.Params) != "null" {
		if err := json.Unmarshal(wire.Params, params); err != nil {
			return fmt.Errorf("action %q params: %w", wire.Type, err)
		}
	}
	*a = Action{Type: wire.Type, Order: wire.Order, ContinueOnError: wire.ContinueOnError, Params: params}
	return nil
}

type actionYAML struct {
	Type            ActionType `yaml:"type"`
	Order           int        `yaml:"order"`
	ContinueOnError bool       `yaml:"continue_on_error"`
	Params          yaml.Node  `yaml:"params"`
}

// UnmarshalYAML picks the params variant from the type field.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var wire actionYAML
	if err := node.Decode(&wire); err != nil {
		return err
	}
	params, err := newParams(wire.Type)
	if err != nil {
		return err
	}
	if wire.Params.Kind != 0 {
		if err := wire.Params.Decode(params); err != nil {
			return fmt.Errorf("action %q params: %w", wire.Type, err)
		}
	}
	*a = Action{Type: wire.Type, Order: wire.Order, ContinueOnError: wire.ContinueOnError, Params: params}
	return nil
}

// MarshalYAML encodes the action with its params inline.
func (a Action) MarshalYAML() (any, error) {
	return struct {
		Type            ActionType   `yaml:"type"`
		Order           int          `yaml:"order"`
		ContinueOnError bool         `yaml:"continue_on_error,omitempty"`
		Params          ActionParams `yaml:"params,omitempty"`
	}{a.Type, a.Order, a.ContinueOnError, a.Params}, nil
}

// Ticket references default to the event's ticket attribute.
const defaultTicketRef = "{{" + AttrTicketID + "}}"

// ScriptParams runs a named script on the alerting device.
type ScriptParams struct {
	Script   string            `yaml:"script"              json:"script"`
	DeviceID string            `yaml:"device_id,omitempty" json:"device_id,omitempty"`
	Args     map[string]string `yaml:"args,omitempty"      json:"args,omitempty"`
}

func (p *ScriptParams) Kind() ActionType { return ActionRunScript }

func (p *ScriptParams) Validate() error {
	if p.Script == "" {
		return errors.New("script is required")
	}
	return nil
}

// TicketUpdateParams patches fields on a PSA ticket.
type TicketUpdateParams struct {
	Ticket   string            `yaml:"ticket,omitempty"   json:"ticket,omitempty"`
	Status   string            `yaml:"status,omitempty"   json:"status,omitempty"`
	Priority string            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Board    string            `yaml:"board,omitempty"    json:"board,omitempty"`
	Summary  string            `yaml:"summary,omitempty"  json:"summary,omitempty"`
	Fields   map[string]string `yaml:"fields,omitempty"   json:"fields,omitempty"`
}

func (p *TicketUpdateParams) Kind() ActionType { return ActionUpdateTicket }

func (p *TicketUpdateParams) Validate() error {
	if p.Status == "" && p.Priority == "" && p.Board == "" && p.Summary == "" && len(p.Fields) == 0 {
		return errors.New("at least one of status, priority, board, summary or fields is required")
	}
	return nil
}

// TicketRef returns the configured ticket reference or the default template.
func (p *TicketUpdateParams) TicketRef() string { return ticketRefOrDefault(p.Ticket) }

// NotificationParams sends a message through a configured channel.
type NotificationParams struct {
	Channel    string   `yaml:"channel"              json:"channel"`
	Subject    string   `yaml:"subject,omitempty"    json:"subject,omitempty"`
	Message    string   `yaml:"message"              json:"message"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`
}

func (p *NotificationParams) Kind() ActionType { return ActionNotify }

func (p *NotificationParams) Validate() error {
	if p.Channel == "" {
		return errors.New("channel is required")
	}
	if p.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// EscalateParams hands the alert to a person or group.
type EscalateParams struct {
	Assignee     string       `yaml:"assignee"         json:"assignee"`
	AssigneeKind AssigneeKind `yaml:"kind"             json:"kind"`
	Reason       string       `yaml:"reason,omitempty" json:"reason,omitempty"`
}

func (p *EscalateParams) Kind() ActionType { return ActionEscalate }

func (p *EscalateParams) Validate() error {
	if p.Assignee == "" {
		return errors.New("assignee is required")
	}
	if !p.AssigneeKind.Valid() {
		return fmt.Errorf("kind must be user or group, got %q", p.AssigneeKind)
	}
	return nil
}

// Target returns the escalation target described by the params.
func (p *EscalateParams) Target() EscalationTarget {
	return EscalationTarget{Assignee: p.Assignee, Kind: p.AssigneeKind}
}

// CloseTicketParams closes a ticket with an optional resolution note.
type CloseTicketParams struct {
	Ticket     string `yaml:"ticket,omitempty"     json:"ticket,omitempty"`
	Status     string `yaml:"status,omitempty"     json:"status,omitempty"`
	Resolution string `yaml:"resolution,omitempty" json:"resolution,omitempty"`
}

func (p *CloseTicketParams) Kind() ActionType { return ActionCloseTicket }

func (p *CloseTicketParams) Validate() error { return nil }

// TicketRef returns the configured ticket reference or the default template.
func (p *CloseTicketParams) TicketRef() string { return ticketRefOrDefault(p.Ticket) }

// ClosedStatus returns the status to set, defaulting to "Closed".
func (p *CloseTicketParams) ClosedStatus() string {
	if p.Status == "" {
		return "Closed"
	}
	return p.Status
}

// NoteParams adds a note to a ticket.
type NoteParams struct {
	Ticket   string `yaml:"ticket,omitempty"   json:"ticket,omitempty"`
	Text     string `yaml:"text"               json:"text"`
	Internal bool   `yaml:"internal,omitempty" json:"internal,omitempty"`
}

func (p *NoteParams) Kind() ActionType { return ActionAddNote }

func (p *NoteParams) Validate() error {
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// TicketRef returns the configured ticket reference or the default template.
func (p *NoteParams) TicketRef() string { return ticketRefOrDefault(p.Ticket) }

// AssignParams reassigns a ticket.
type AssignParams struct {
	Ticket       string       `yaml:"ticket,omitempty" json:"ticket,omitempty"`
	Assignee     string       `yaml:"assignee"         json:"assignee"`
	AssigneeKind AssigneeKind `yaml:"kind,omitempty"   json:"kind,omitempty"`
}

func (p *AssignParams) Kind() ActionType { return ActionAssignTicket }

func (p *AssignParams) Validate() error {
	if p.Assignee == "" {
		return errors.New("assignee is required")
	}
	if p.AssigneeKind != "" && !p.AssigneeKind.Valid() {
		return fmt.Errorf("kind must be user or group, got %q", p.AssigneeKind)
	}
	return nil
}

// TicketRef returns the configured ticket reference or the default template.
func (p *AssignParams) TicketRef() string { return ticketRefOrDefault(p.Ticket) }

// ServiceParams restarts a service on the device.
type ServiceParams struct {
	Service  string `yaml:"service"             json:"service"`
	DeviceID string `yaml:"device_id,omitempty" json:"device_id,omitempty"`
}

func (p *ServiceParams) Kind() ActionType { return ActionRestartService }

func (p *ServiceParams) Validate() error {
	if p.Service == "" {
		return errors.New("service is required")
	}
	return nil
}

// CacheParams clears a cache on the device. Empty Target means the system temp cache.
type CacheParams struct {
	Target   string `yaml:"target,omitempty"    json:"target,omitempty"`
	DeviceID string `yaml:"device_id,omitempty" json:"device_id,omitempty"`
}

func (p *CacheParams) Kind() ActionType { return ActionClearCache }

func (p *CacheParams) Validate() error { return nil }

// UpdateParams installs patches on the device. Empty Updates means all pending.
type UpdateParams struct {
	Updates  []string `yaml:"updates,omitempty"   json:"updates,omitempty"`
	Reboot   bool     `yaml:"reboot,omitempty"    json:"reboot,omitempty"`
	DeviceID string   `yaml:"device_id,omitempty" json:"device_id,omitempty"`
}

func (p *UpdateParams) Kind() ActionType { return ActionInstallUpdate }

func (p *UpdateParams) Validate() error { return nil }

func ticketRefOrDefault(ref string) string {
	if ref == "" {
		return defaultTicketRef
	}
	return ref
}
