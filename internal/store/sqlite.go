package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dssdlab/harvester/internal/metrics"
)

const busyRetries = 3

// SQLite implements Store over a single database file. Every column is TEXT;
// values are stringified on write and re-parsed by readers.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database file and applies the standard pragmas.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	// The engine is a single-writer store; one connection serializes
	// concurrent batch writes at the pool boundary.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, logger: logger.Named("store")}, nil
}

// Store writes a batch per the destination. Missing fields insert as NULL.
// Schema migration commits before the row transaction, so new columns
// survive a failing insert.
func (s *SQLite) Store(ctx context.Context, records []Record, dest Destination) error {
	if dest.Table == "" {
		return fmt.Errorf("store: destination table not set")
	}

	batch := dropEmpty(records)
	if len(batch) == 0 {
		s.logger.Debug("no records to store", zap.String("table", dest.Table))
		return nil
	}

	columns := fieldColumns(batch)
	if err := s.migrate(ctx, dest, columns); err != nil {
		return fmt.Errorf("migrate %s: %w", dest.Table, err)
	}
	if err := s.insert(ctx, batch, dest, columns); err != nil {
		return fmt.Errorf("insert into %s: %w", dest.Table, err)
	}

	metrics.AddRecordsStored(dest.Table, len(batch))
	s.logger.Info("stored records",
		zap.String("table", dest.Table),
		zap.Int("count", len(batch)),
		zap.String("mode", dest.Mode),
	)
	return nil
}

// Query runs a read statement and returns rows as records.
func (s *SQLite) Query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		targets := make([]any, len(cols))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				rec[col] = string(v)
			default:
				rec[col] = v
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate creates the table on first sight and additively adds any columns
// the batch introduces. Existing columns are never dropped or retyped.
func (s *SQLite) migrate(ctx context.Context, dest Destination, columns []string) error {
	return s.withRetry(func() error {
		exists, err := s.tableExists(ctx, dest.Table)
		if err != nil {
			return err
		}

		if !exists {
			defs := make([]string, len(columns))
			for i, c := range columns {
				defs[i] = quoteIdent(c) + " TEXT"
			}
			ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
				quoteIdent(dest.Table), strings.Join(defs, ", "))
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return err
			}
			s.logger.Info("created table",
				zap.String("table", dest.Table),
				zap.Strings("columns", columns),
			)
		} else {
			existing, err := s.tableColumns(ctx, dest.Table)
			if err != nil {
				return err
			}
			for _, col := range columns {
				if _, ok := existing[col]; ok {
					continue
				}
				ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT",
					quoteIdent(dest.Table), quoteIdent(col))
				if _, err := s.db.ExecContext(ctx, ddl); err != nil {
					return err
				}
				s.logger.Info("added column",
					zap.String("table", dest.Table),
					zap.String("column", col),
				)
			}
		}

		if len(dest.UniqueColumns) > 0 {
			if err := s.ensureUniqueIndex(ctx, dest); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) insert(ctx context.Context, batch []Record, dest Destination, columns []string) error {
	verb := "INSERT INTO"
	if len(dest.UniqueColumns) > 0 {
		verb = "INSERT OR REPLACE INTO"
	}
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("%s %s (%s) VALUES (%s)",
		verb, quoteIdent(dest.Table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if dest.Overwrite() {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(dest.Table)); err != nil {
				tx.Rollback()
				return err
			}
		}

		prepared, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, rec := range batch {
			args := make([]any, len(columns))
			for i, col := range columns {
				if v, ok := rec[col]; ok && v != nil {
					args[i] = stringify(v)
				}
			}
			if _, err := prepared.ExecContext(ctx, args...); err != nil {
				prepared.Close()
				tx.Rollback()
				return err
			}
		}
		prepared.Close()
		return tx.Commit()
	})
}

func (s *SQLite) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func (s *SQLite) ensureUniqueIndex(ctx context.Context, dest Destination) error {
	quoted := make([]string, len(dest.UniqueColumns))
	for i, c := range dest.UniqueColumns {
		quoted[i] = quoteIdent(c)
	}
	name := fmt.Sprintf("idx_%s_%s", dest.Table, strings.Join(dest.UniqueColumns, "_"))
	ddl := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(name), quoteIdent(dest.Table), strings.Join(quoted, ", "))
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// withRetry re-runs fn on writer-lock contention.
func (s *SQLite) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Warn("database busy, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func dropEmpty(records []Record) []Record {
	out := records[:0:0]
	for _, r := range records {
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// fieldColumns returns the sorted union of field names across the batch.
func fieldColumns(batch []Record) []string {
	set := make(map[string]struct{})
	for _, rec := range batch {
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

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
