package condition

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ppiankov/autoremedy/internal/model"
)

func diskEvent() *model.AlertEvent {
	return &model.AlertEvent{
		ID:     "ninja:1",
		Source: "ninja",
		Attributes: map[string]any{
			"alertType": "DISK_SPACE_LOW",
			"severity":  "CRITICAL",
			"attrs":     map[string]any{"diskPercent": 92},
			"tags":      []any{"server", "prod"},
			"metadata": map[string]any{
				"raw": map[string]any{
					"Entity": map[string]any{"board": map[string]any{"name": "Service Desk"}},
					"items":  []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
				},
			},
		},
	}
}

func TestMatchesDiskSpaceExample(t *testing.T) {
	group := model.ConditionGroup{All: []model.Condition{
		{Field: "alertType", Operator: model.OpEquals, Value: "DISK_SPACE_LOW"},
		{Field: "attrs.diskPercent", Operator: model.OpGreaterThan, Value: 90},
	}}
	if !Matches(group, diskEvent()) {
		t.Error("expected disk space example to match")
	}
}

func TestMatchesEmptyGroup(t *testing.T) {
	if !Matches(model.ConditionGroup{}, diskEvent()) {
		t.Error("expected empty group to match")
	}
	if !Matches(model.ConditionGroup{}, &model.AlertEvent{}) {
		t.Error("expected empty group to match an event without attributes")
	}
}

func TestMatchesAnySlot(t *testing.T) {
	group := model.ConditionGroup{
		All: []model.Condition{{Field: "severity", Operator: model.OpEquals, Value: "CRITICAL"}},
		Any: []model.Condition{
			{Field: "alertType", Operator: model.OpEquals, Value: "CPU_HIGH"},
			{Field: "alertType", Operator: model.OpStartsWith, Value: "DISK_"},
		},
	}
	if !Matches(group, diskEvent()) {
		t.Error("expected one matching any-condition to be enough")
	}

	group.Any = []model.Condition{{Field: "alertType", Operator: model.OpEquals, Value: "CPU_HIGH"}}
	if Matches(group, diskEvent()) {
		t.Error("expected no matching any-condition to fail")
	}
}

func TestEvaluateOperators(t *testing.T) {
	ev := diskEvent()
	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"equals", model.Condition{Field: "severity", Operator: model.OpEquals, Value: "CRITICAL"}, true},
		{"equals is case-sensitive", model.Condition{Field: "severity", Operator: model.OpEquals, Value: "critical"}, false},
		{"equals number vs float", model.Condition{Field: "attrs.diskPercent", Operator: model.OpEquals, Value: 92.0}, true},
		{"not_equals", model.Condition{Field: "severity", Operator: model.OpNotEquals, Value: "LOW"}, true},
		{"contains substring", model.Condition{Field: "alertType", Operator: model.OpContains, Value: "SPACE"}, true},
		{"contains list element", model.Condition{Field: "tags", Operator: model.OpContains, Value: "prod"}, true},
		{"not_contains", model.Condition{Field: "alertType", Operator: model.OpNotContains, Value: "CPU"}, true},
		{"starts_with", model.Condition{Field: "alertType", Operator: model.OpStartsWith, Value: "DISK"}, true},
		{"ends_with", model.Condition{Field: "alertType", Operator: model.OpEndsWith, Value: "_LOW"}, true},
		{"regex", model.Condition{Field: "alertType", Operator: model.OpRegex, Value: `^DISK_[A-Z]+_LOW$`}, true},
		{"regex case-sensitive", model.Condition{Field: "alertType", Operator: model.OpRegex, Value: `disk`}, false},
		{"regex inline flag", model.Condition{Field: "alertType", Operator: model.OpRegex, Value: `(?i)disk`}, true},
		{"regex invalid pattern", model.Condition{Field: "alertType", Operator: model.OpRegex, Value: `([`}, false},
		{"in slice", model.Condition{Field: "severity", Operator: model.OpIn, Value: []any{"HIGH", "CRITICAL"}}, true},
		{"in comma string", model.Condition{Field: "severity", Operator: model.OpIn, Value: "HIGH, CRITICAL"}, true},
		{"in exact only", model.Condition{Field: "severity", Operator: model.OpIn, Value: []any{"CRIT"}}, false},
		{"not_in", model.Condition{Field: "severity", Operator: model.OpNotIn, Value: []any{"LOW"}}, true},
		{"greater_than", model.Condition{Field: "attrs.diskPercent", Operator: model.OpGreaterThan, Value: "90"}, true},
		{"less_than", model.Condition{Field: "attrs.diskPercent", Operator: model.OpLessThan, Value: 90}, false},
		{"greater_than non-numeric", model.Condition{Field: "severity", Operator: model.OpGreaterThan, Value: 1}, false},
		{"less_than non-numeric value", model.Condition{Field: "attrs.diskPercent", Operator: model.OpLessThan, Value: "lots"}, false},
		{"nested raw path", model.Condition{Field: "metadata.raw.Entity.board.name", Operator: model.OpEquals, Value: "Service Desk"}, true},
		{"slice index path", model.Condition{Field: "metadata.raw.items.1.id", Operator: model.OpEquals, Value: "b"}, true},
		{"unknown operator", model.Condition{Field: "severity", Operator: "approximately", Value: "CRITICAL"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.cond, ev); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateMissingField(t *testing.T) {
	ev := diskEvent()
	for _, op := range model.Operators {
		c := model.Condition{Field: "attrs.nope", Operator: op, Value: "x"}
		want := op == model.OpNotEquals || op == model.OpNotContains || op == model.OpNotIn
		if got := Evaluate(c, ev); got != want {
			t.Errorf("missing field with %s = %v, want %v", op, got, want)
		}
	}
}

func TestEvaluateJSONNumber(t *testing.T) {
	var attrs map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"cpu": 97.5}`))
	dec.UseNumber()
	if err := dec.Decode(&attrs); err != nil {
		t.Fatal(err)
	}
	ev := &model.AlertEvent{Attributes: attrs}
	c := model.Condition{Field: "cpu", Operator: model.OpGreaterThan, Value: 95}
	if !Evaluate(c, ev) {
		t.Error("expected json.Number to coerce")
	}
}

func TestLookup(t *testing.T) {
	attrs := diskEvent().Attributes
	if _, ok := Lookup(attrs, ""); ok {
		t.Error("expected empty path to miss")
	}
	if _, ok := Lookup(attrs, "alertType.deeper"); ok {
		t.Error("expected walking into a string to miss")
	}
	if _, ok := Lookup(attrs, "tags.5"); ok {
		t.Error("expected out-of-range index to miss")
	}
	v, ok := Lookup(attrs, "tags.0")
	if !ok || v != "server" {
		t.Errorf("expected server, got %v", v)
	}
	if _, ok := Lookup(map[string]any{"k": nil}, "k"); ok {
		t.Error("expected nil leaf to count as missing")
	}
}
