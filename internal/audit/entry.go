package audit

// Kind names what an audit entry records.
type Kind string

const (
	KindEventFinished      Kind = "event_finished"
	KindExecutionFinished  Kind = "execution_finished"
	KindEscalationStarted  Kind = "escalation_started"
	KindEscalationAdvanced Kind = "escalation_advanced"
	KindEscalationResolved Kind = "escalation_resolved"
)

// Entry is one line of the hash-chained JSONL audit trail. Only scalar
// fields, so json.Marshal output (and therefore the chain hash) is
// deterministic.
type Entry struct {
	Timestamp    string `json:"ts"`
	Kind         Kind   `json:"kind"`
	EventID      string `json:"event_id,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
	EscalationID string `json:"escalation_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Level        int    `json:"level,omitempty"`
	Assignee     string `json:"assignee,omitempty"`
	Detail       string `json:"detail,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	ConfigHash   string `json:"config_hash,omitempty"`
	PrevHash     string `json:"prev_hash"`
}
