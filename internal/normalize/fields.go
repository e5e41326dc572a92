package normalize

import (
	"strings"

	"github.com/ppiankov/autoremedy/internal/condition"
)

// get returns the first present key, matched case-insensitively.
func get(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	for _, k := range keys {
		for mk, v := range m {
			if v != nil && strings.EqualFold(mk, k) {
				return v, true
			}
		}
	}
	return nil, false
}

// str is get rendered as a trimmed string.
func str(m map[string]any, keys ...string) string {
	v, ok := get(m, keys...)
	if !ok {
		return ""
	}
	switch v.(type) {
	case map[string]any, []any:
		return ""
	}
	return strings.TrimSpace(condition.String(v))
}

// obj returns a nested object by key.
func obj(m map[string]any, keys ...string) map[string]any {
	v, ok := get(m, keys...)
	if !ok {
		return nil
	}
	o, _ := v.(map[string]any)
	return o
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
