package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, m Message) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(m)
	case "pagerduty":
		return formatPagerDuty(m)
	case "teams":
		return formatTeams(m)
	default:
		return json.Marshal(m)
	}
}

func title(m Message) string {
	if m.Kind == KindEscalation {
		return fmt.Sprintf("autoremedy: escalation level %d → %s", m.Level, m.Assignee)
	}
	if m.Subject != "" {
		return "autoremedy: " + m.Subject
	}
	return "autoremedy: " + m.Channel
}

func facts(m Message) [][2]string {
	var out [][2]string
	add := func(k, v string) {
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	add("Rule", firstNonEmpty(m.RuleName, m.RuleID))
	add("Event", m.EventID)
	add("Severity", m.Severity)
	add("Execution", m.ExecutionID)
	if len(m.Recipients) > 0 {
		add("Recipients", strings.Join(m.Recipients, ", "))
	}
	return out
}

func formatSlack(m Message) ([]byte, error) {
	var fields []any
	for _, f := range facts(m) {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", f[0], f[1])})
	}
	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": title(m)},
		},
		map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": m.Text},
		},
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
	}
	return json.Marshal(map[string]any{"text": title(m), "blocks": blocks})
}

func formatPagerDuty(m Message) ([]byte, error) {
	dedup := m.EscalationID
	if dedup == "" {
		dedup = m.EventID
	}
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  title(m) + ": " + m.Text,
			"severity": pagerDutySeverity(m.Severity, m.Kind),
			"source":   "autoremedy",
			"custom_details": map[string]any{
				"rule_id":       m.RuleID,
				"event_id":      m.EventID,
				"execution_id":  m.ExecutionID,
				"escalation_id": m.EscalationID,
				"level":         m.Level,
				"assignee":      m.Assignee,
			},
		},
	}
	if dedup != "" {
		payload["dedup_key"] = dedup
	}
	return json.Marshal(payload)
}

// pagerDutySeverity maps alert severities onto the four PagerDuty levels.
func pagerDutySeverity(sev string, kind Kind) string {
	switch strings.ToUpper(sev) {
	case "CRITICAL", "FATAL":
		return "critical"
	case "HIGH", "ERROR", "MAJOR":
		return "error"
	case "MEDIUM", "WARNING", "MINOR":
		return "warning"
	case "":
		if kind == KindEscalation {
			return "error"
		}
	}
	return "info"
}

func formatTeams(m Message) ([]byte, error) {
	var fs []any
	for _, f := range facts(m) {
		fs = append(fs, map[string]any{"name": f[0], "value": f[1]})
	}
	return json.Marshal(map[string]any{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  title(m),
		"title":    title(m),
		"text":     m.Text,
		"sections": []any{map[string]any{"facts": fs}},
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
