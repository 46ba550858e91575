// Package export writes periodic table snapshots to local files.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/store"
)

// Config controls what gets exported and where.
type Config struct {
	Dir    string
	Format string // "csv" or "json"
	Tables []string
}

// Exporter snapshots configured tables through the store's query path.
type Exporter struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
}

// New builds an Exporter.
func New(st store.Store, cfg Config, logger *zap.Logger) (*Exporter, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export: dir not set")
	}
	switch cfg.Format {
	case "", "csv", "json":
	default:
		return nil, fmt.Errorf("export: unknown format %q", cfg.Format)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: st, cfg: cfg, logger: logger.Named("export")}, nil
}

// Run exports every configured table once.
func (e *Exporter) Run(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	for _, table := range e.cfg.Tables {
		if err := e.exportTable(ctx, table); err != nil {
			return fmt.Errorf("export %s: %w", table, err)
		}
	}
	return nil
}

func (e *Exporter) exportTable(ctx context.Context, table string) error {
	rows, err := e.store.Query(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, table))
	if err != nil {
		return err
	}

	var path string
	if e.cfg.Format == "json" {
		path = filepath.Join(e.cfg.Dir, table+".json")
		err = writeJSON(path, rows)
	} else {
		path = filepath.Join(e.cfg.Dir, table+".csv")
		err = writeCSV(path, rows)
	}
	if err != nil {
		return err
	}

	e.logger.Info("table exported",
		zap.String("table", table),
		zap.String("path", path),
		zap.Int("rows", len(rows)),
	)
	return nil
}

func writeJSON(path string, rows []store.Record) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeCSV(path string, rows []store.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	columns := columnUnion(rows)
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return err
	}
	for _, rec := range rows {
		line := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := rec[col]; ok && v != nil {
				line[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(line); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func columnUnion(rows []store.Record) []string {
	set := make(map[string]struct{})
	for _, rec := range rows {
		for k := range rec {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
