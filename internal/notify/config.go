package notify

// Webhook is one outbound destination.
type Webhook struct {
	Name   string `yaml:"name"   json:"name"`
	URL    string `yaml:"url"    json:"url"`
	Format string `yaml:"format" json:"format"` // "generic", "slack", "pagerduty", "teams"
	// Channels the webhook serves: notification channel names,
	// "escalation" for every escalation, "escalation:<assignee>" for one
	// assignee, or "*" for everything.
	Channels []string          `yaml:"channels" json:"channels"`
	Headers  map[string]string `yaml:"headers"  json:"headers"`
}

// Kind tells notifications and escalations apart.
type Kind string

const (
	KindNotification Kind = "notification"
	KindEscalation   Kind = "escalation"
)

// Message is the payload delivered to webhooks.
type Message struct {
	Timestamp    string   `json:"timestamp"`
	Kind         Kind     `json:"kind"`
	Channel      string   `json:"channel,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	Text         string   `json:"text"`
	Severity     string   `json:"severity,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
	RuleID       string   `json:"rule_id,omitempty"`
	RuleName     string   `json:"rule_name,omitempty"`
	EventID      string   `json:"event_id,omitempty"`
	ExecutionID  string   `json:"execution_id,omitempty"`
	EscalationID string   `json:"escalation_id,omitempty"`
	Level        int      `json:"level,omitempty"`
	Assignee     string   `json:"assignee,omitempty"`
	AssigneeKind string   `json:"assignee_kind,omitempty"`
}
