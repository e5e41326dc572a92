package rules

import (
	"sort"
	"time"

	"github.com/ppiankov/autoremedy/internal/condition"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/schedule"
)

// SelectOptions tune one selection pass.
type SelectOptions struct {
	Now time.Time
	// IgnoreSchedule bypasses the schedule gate (test runs).
	IgnoreSchedule bool
}

// Gated is a matching rule held back by its schedule.
type Gated struct {
	Rule   model.Rule
	Reason string
}

// Selection is the outcome of matching one event against the rule set.
type Selection struct {
	// Matched rules in execution order.
	Matched []model.Rule
	Gated   []Gated
}

// Select returns the active rules whose conditions match ev and whose
// schedule allows a run, ordered by priority (highest first), then by
// creation time (oldest first), then by id.
func Select(all []model.Rule, ev *model.AlertEvent, opts SelectOptions) Selection {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	var sel Selection
	for _, r := range all {
		if !r.Active || !condition.Matches(r.Conditions, ev) {
			continue
		}
		if !opts.IgnoreSchedule {
			if ok, reason := schedule.Check(r.Schedule, opts.Now); !ok {
				sel.Gated = append(sel.Gated, Gated{Rule: r, Reason: reason})
				continue
			}
		}
		sel.Matched = append(sel.Matched, r)
	}
	Sort(sel.Matched)
	return sel
}

// Sort orders rules in execution order.
func Sort(rs []model.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
