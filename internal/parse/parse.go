// Package parse turns raw fetch payloads into flat records.
package parse

import (
	"fmt"

	"github.com/dssdlab/harvester/internal/store"
)

// Parser extracts records from a decoded payload.
type Parser interface {
	Parse(payload any) ([]store.Record, error)
}

// Config selects and tunes a parser.
type Config struct {
	Type      string `mapstructure:"type"`
	Extract   string `mapstructure:"extract"`
	Delimiter string `mapstructure:"delimiter"`
	Field     string `mapstructure:"field"`
}

// New builds the parser named by cfg.Type. The set of parsers is closed.
func New(cfg Config) (Parser, error) {
	switch cfg.Type {
	case "", "json":
		return &JSON{extract: cfg.Extract}, nil
	case "csv":
		return &CSV{delimiter: cfg.Delimiter}, nil
	case "lines":
		return &Lines{field: cfg.Field}, nil
	default:
		return nil, fmt.Errorf("parse: unknown parser type %q", cfg.Type)
	}
}
