// Package condition evaluates rule condition groups against alert events.
// Evaluation never fails: missing fields, bad patterns and non-numeric
// values resolve to a boolean.
package condition

import (
	"regexp"
	"strings"

	"github.com/ppiankov/autoremedy/internal/model"
)

// Matches reports whether ev satisfies the group. Every All condition must
// hold and, when Any is non-empty, at least one Any condition must hold.
func Matches(group model.ConditionGroup, ev *model.AlertEvent) bool {
	var attrs map[string]any
	if ev != nil {
		attrs = ev.Attributes
	}
	for _, c := range group.All {
		if !evaluate(c, attrs) {
			return false
		}
	}
	if len(group.Any) == 0 {
		return true
	}
	for _, c := range group.Any {
		if evaluate(c, attrs) {
			return true
		}
	}
	return false
}

// Evaluate checks a single condition against ev.
func Evaluate(c model.Condition, ev *model.AlertEvent) bool {
	if ev == nil {
		return evaluate(c, nil)
	}
	return evaluate(c, ev.Attributes)
}

func evaluate(c model.Condition, attrs map[string]any) bool {
	actual, ok := Lookup(attrs, c.Field)
	if !ok {
		return c.Operator.Negated()
	}

	switch c.Operator {
	case model.OpEquals:
		return equal(actual, c.Value)
	case model.OpNotEquals:
		return !equal(actual, c.Value)
	case model.OpContains:
		return contains(actual, c.Value)
	case model.OpNotContains:
		return !contains(actual, c.Value)
	case model.OpStartsWith:
		return strings.HasPrefix(String(actual), String(c.Value))
	case model.OpEndsWith:
		return strings.HasSuffix(String(actual), String(c.Value))
	case model.OpRegex:
		re, err := regexp.Compile(String(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(String(actual))
	case model.OpIn:
		return member(actual, c.Value)
	case model.OpNotIn:
		return !member(actual, c.Value)
	case model.OpGreaterThan, model.OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Operator == model.OpGreaterThan {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

// contains is substring containment, or element membership when the
// attribute is a list.
func contains(actual, want any) bool {
	switch list := actual.(type) {
	case []any:
		for _, item := range list {
			if equal(item, want) {
				return true
			}
		}
		return false
	case []string:
		w := String(want)
		for _, item := range list {
			if item == w {
				return true
			}
		}
		return false
	}
	return strings.Contains(String(actual), String(want))
}

func member(actual, set any) bool {
	for _, item := range toSet(set) {
		if equal(actual, item) {
			return true
		}
	}
	return false
}
