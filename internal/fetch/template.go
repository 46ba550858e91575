package fetch

import (
	"fmt"
	"sort"
	"strings"
)

// renderURL substitutes {key} tokens present in the template and returns the
// rendered URL plus the parameters that were not consumed; those become
// query parameters.
func renderURL(template string, params map[string]any) (string, map[string]any) {
	rendered := template
	remaining := make(map[string]any, len(params))
	for _, k := range sortedKeys(params) {
		placeholder := "{" + k + "}"
		if strings.Contains(rendered, placeholder) {
			rendered = strings.ReplaceAll(rendered, placeholder, fmt.Sprint(params[k]))
			continue
		}
		remaining[k] = params[k]
	}
	return rendered, remaining
}

// expandParams turns list-valued parameters into the Cartesian product of
// scalar parameter sets. A params map with no lists expands to itself.
func expandParams(params map[string]any) []map[string]any {
	var listKey string
	for _, k := range sortedKeys(params) {
		if _, ok := params[k].([]any); ok {
			listKey = k
			break
		}
	}
	if listKey == "" {
		return []map[string]any{params}
	}

	values := params[listKey].([]any)
	rest := make(map[string]any, len(params)-1)
	for k, v := range params {
		if k != listKey {
			rest[k] = v
		}
	}

	var out []map[string]any
	for _, val := range values {
		for _, sub := range expandParams(rest) {
			set := make(map[string]any, len(sub)+1)
			for k, v := range sub {
				set[k] = v
			}
			set[listKey] = val
			out = append(out, set)
		}
	}
	return out
}

// deepGet walks a dotted key path through nested maps.
func deepGet(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = node[part]
		if cur == nil {
			return nil
		}
	}
	return cur
}

// nextPageWanted inspects a page payload for a has-next marker, trying the
// nested FPL-style layout before the flat key. Pagination stops only on an
// explicit false; a missing marker means keep going until the page cap.
func nextPageWanted(m map[string]any) bool {
	candidates := []any{
		deepGet(m, "standings.has_next"),
		deepGet(m, "has_next"),
		m["has_next"],
	}
	result := candidates[len(candidates)-1]
	for _, c := range candidates {
		if truthy(c) {
			result = c
			break
		}
	}
	if b, ok := result.(bool); ok && !b {
		return false
	}
	return true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
