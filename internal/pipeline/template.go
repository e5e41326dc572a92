package pipeline

import (
	"regexp"
	"strings"

	"github.com/ppiankov/autoremedy/internal/condition"
	"github.com/ppiankov/autoremedy/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces {{path}} placeholders with event values. Paths are looked
// up in the attribute map; "attr." is an optional prefix, and id, source and
// eventType resolve to the event's own fields. Unknown paths render empty.
func Render(s string, ev *model.AlertEvent) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		return resolve(path, ev)
	})
}

func resolve(path string, ev *model.AlertEvent) string {
	if ev == nil {
		return ""
	}
	path = strings.TrimPrefix(path, "attr.")
	if v, ok := condition.Lookup(ev.Attributes, path); ok {
		return condition.String(v)
	}
	switch path {
	case "id", "event.id":
		return ev.ID
	case "source", "event.source":
		return ev.Source
	case "eventType", "event.type":
		return ev.EventType
	}
	return ""
}

func renderAll(list []string, ev *model.AlertEvent) []string {
	if list == nil {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = Render(s, ev)
	}
	return out
}

func renderMap(m map[string]string, ev *model.AlertEvent) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Render(v, ev)
	}
	return out
}
