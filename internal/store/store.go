// Package store persists heterogeneous records without a predeclared schema.
// Tables and columns are created on the fly as new field names appear; the
// schema only ever grows.
package store

import "context"

// Record is one logical row: field name to scalar value. Field sets vary
// across sources and over time.
type Record map[string]any

// Destination names where and how a batch is written.
type Destination struct {
	Table         string   `mapstructure:"table"`
	Mode          string   `mapstructure:"mode"`
	UniqueColumns []string `mapstructure:"unique_columns"`
}

// Overwrite reports whether existing rows are deleted before the batch.
func (d Destination) Overwrite() bool {
	return d.Mode == "overwrite"
}

// Store is the persistence contract used by source pipelines.
type Store interface {
	// Store writes a batch to the destination, evolving the table schema
	// additively as needed. The batch commits or rolls back as a whole;
	// schema changes are retained either way.
	Store(ctx context.Context, records []Record, dest Destination) error

	// Query runs a read statement and returns the rows as records. Values
	// come back in the engine's generic text form and must be re-parsed by
	// the reader.
	Query(ctx context.Context, query string, args ...any) ([]Record, error)

	Close() error
}
