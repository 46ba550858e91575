package parse

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/dssdlab/harvester/internal/store"
)

// JSON parses decoded JSON payloads, optionally navigating an extract path
// like "$.standings.results[*]". It handles a single response object, a list
// of paginated response objects (extracting from each and combining), and
// already-flat record lists.
type JSON struct {
	extract string
}

// Parse implements Parser.
func (p *JSON) Parse(payload any) ([]store.Record, error) {
	data := payload
	if s, ok := payload.(string); ok {
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if p.extract != "" {
		return p.extractRecords(data), nil
	}

	switch t := data.(type) {
	case []any:
		return toRecords(t), nil
	case map[string]any:
		return []store.Record{store.Record(t)}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("parse json: unexpected payload type %T", data)
	}
}

func (p *JSON) extractRecords(data any) []store.Record {
	list, ok := data.([]any)
	if !ok {
		return toRecords(p.extractOne(data))
	}
	if len(list) == 0 {
		return nil
	}

	// A list of full response objects (one per page) gets the path applied
	// to each element; a list of flat records passes through.
	if first, ok := list[0].(map[string]any); ok && p.pathApplicable(first) {
		var combined []any
		for _, item := range list {
			combined = append(combined, p.extractOne(item)...)
		}
		return toRecords(combined)
	}
	return toRecords(list)
}

// pathApplicable reports whether the extract path's root key exists.
func (p *JSON) pathApplicable(obj map[string]any) bool {
	first := pathParts(p.extract)[0]
	first = strings.TrimSuffix(first, "[*]")
	_, ok := obj[first]
	return ok
}

// extractOne navigates the extract path through one response object.
func (p *JSON) extractOne(data any) []any {
	parts := pathParts(p.extract)
	current := data
	for i, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if strings.HasSuffix(part, "[*]") {
			current = node[strings.TrimSuffix(part, "[*]")]
			if i == len(parts)-1 {
				break
			}
			continue
		}
		current = node[part]
	}

	if list, ok := current.([]any); ok {
		return list
	}
	if current != nil {
		return []any{current}
	}
	return nil
}

func pathParts(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "$."), ".")
}

// toRecords keeps the object-shaped items; scalars cannot become rows.
func toRecords(items []any) []store.Record {
	var out []store.Record
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, store.Record(m))
		}
	}
	return out
}
