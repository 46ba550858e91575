package parse

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/dssdlab/harvester/internal/store"
)

// CSV parses a delimited text payload into one record per data row, using
// the first row as field names.
type CSV struct {
	delimiter string
}

// Parse implements Parser. The payload must be the raw text body.
func (p *CSV) Parse(payload any) ([]store.Record, error) {
	text, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("parse csv: expected text payload, got %T", payload)
	}

	reader := csv.NewReader(strings.NewReader(text))
	if p.delimiter != "" {
		reader.Comma = rune(p.delimiter[0])
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}

	var out []store.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv row: %w", err)
		}
		rec := make(store.Record, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
