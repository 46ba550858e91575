package parse

import (
	"fmt"
	"strings"

	"github.com/dssdlab/harvester/internal/store"
)

// Lines turns each non-empty line of a text payload into a one-field record.
type Lines struct {
	field string
}

// Parse implements Parser.
func (p *Lines) Parse(payload any) ([]store.Record, error) {
	text, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("parse lines: expected text payload, got %T", payload)
	}

	field := p.field
	if field == "" {
		field = "value"
	}

	var out []store.Record
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, store.Record{field: line})
	}
	return out, nil
}
