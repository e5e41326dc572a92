package condition

import (
	"strconv"
	"strings"
)

// Lookup walks a dot-separated path through nested maps and slices.
// Numeric segments index into slices. A nil leaf counts as absent.
func Lookup(attrs map[string]any, path string) (any, bool) {
	if attrs == nil || path == "" {
		return nil, false
	}
	var cur any = attrs
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
