package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter narrows Read. Zero fields do not filter.
type Filter struct {
	Kind         Kind
	RuleID       string
	EventID      string
	ExecutionID  string
	EscalationID string
	Since        time.Time
	// Limit keeps only the last Limit matches.
	Limit int
}

// Summary counts what a set of entries recorded.
type Summary struct {
	Total          int    `json:"total"`
	Executions     int    `json:"executions"`
	Failures       int    `json:"failures"`
	Escalations    int    `json:"escalations"`
	Resolved       int    `json:"resolved"`
	FirstTimestamp string `json:"first_timestamp,omitempty"`
	LastTimestamp  string `json:"last_timestamp,omitempty"`
}

// Read returns the entries of the log at path that match f, oldest first.
// Malformed lines are skipped; Verify reports them.
func Read(path string, f Filter) ([]Entry, Summary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []Entry
	sc := newScanner(file)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if f.match(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, Summary{}, fmt.Errorf("read audit log: %w", err)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, summarize(out), nil
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.Kind != "" && e.Kind != f.Kind,
		f.RuleID != "" && e.RuleID != f.RuleID,
		f.EventID != "" && e.EventID != f.EventID,
		f.ExecutionID != "" && e.ExecutionID != f.ExecutionID,
		f.EscalationID != "" && e.EscalationID != f.EscalationID:
		return false
	}
	if !f.Since.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil || ts.Before(f.Since) {
			return false
		}
	}
	return true
}

func summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		switch e.Kind {
		case KindExecutionFinished:
			s.Executions++
			if e.Status == "failure" {
				s.Failures++
			}
		case KindEscalationStarted:
			s.Escalations++
		case KindEscalationResolved:
			s.Resolved++
		}
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = e.Timestamp
		}
		s.LastTimestamp = e.Timestamp
	}
	return s
}
