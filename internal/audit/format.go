package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders entries as a human-readable timeline.
func FormatTimeline(entries []Entry, s Summary) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Audit trail | %s – %s UTC\n", formatStamp(s.FirstTimestamp, "2006-01-02 15:04:05"), formatStamp(s.LastTimestamp, "15:04:05"))
	b.WriteString(separator + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-10s %-20s %-10s %-24s %s\n",
			formatStamp(e.Timestamp, "15:04:05"),
			e.Kind,
			strings.ToUpper(e.Status),
			truncate(e.RuleID, 24),
			truncate(describe(e), 60))
	}
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "Summary: %d entries | %d executions (%d failed) | %d escalations, %d resolved\n",
		s.Total, s.Executions, s.Failures, s.Escalations, s.Resolved)
	return b.String()
}

// FormatJSON renders entries and their summary as indented JSON.
func FormatJSON(entries []Entry, s Summary) (string, error) {
	data, err := json.MarshalIndent(struct {
		Entries []Entry `json:"entries"`
		Summary Summary `json:"summary"`
	}{entries, s}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit entries: %w", err)
	}
	return string(data), nil
}

func describe(e Entry) string {
	switch e.Kind {
	case KindEscalationStarted, KindEscalationAdvanced:
		return fmt.Sprintf("L%d → %s", e.Level, e.Assignee)
	case KindEscalationResolved:
		return "resolved by " + e.Assignee
	case KindEventFinished:
		return e.EventID
	}
	if e.Detail != "" {
		return e.Detail
	}
	return e.ExecutionID
}

func formatStamp(ts, layout string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format(layout)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
