// Package features derives per-entity aggregates from collected tables and
// writes them back through the normal store path. Column values come back as
// generic text and are re-parsed here.
package features

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/config"
	"github.com/dssdlab/harvester/internal/store"
)

// Engine recalculates derived features for the configured tables.
type Engine struct {
	store  store.Store
	tables []config.FeatureTableConfig
	logger *zap.Logger
}

// New builds an Engine.
func New(st store.Store, tables []config.FeatureTableConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, tables: tables, logger: logger.Named("features")}
}

// Recalculate rebuilds every configured feature table.
func (e *Engine) Recalculate(ctx context.Context) error {
	for _, ft := range e.tables {
		if err := e.recalcTable(ctx, ft); err != nil {
			return fmt.Errorf("features for %s: %w", ft.Table, err)
		}
	}
	return nil
}

func (e *Engine) recalcTable(ctx context.Context, ft config.FeatureTableConfig) error {
	if ft.GroupBy == "" {
		return fmt.Errorf("group_by not set")
	}

	rows, err := e.store.Query(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, ft.Table))
	if err != nil {
		return err
	}

	groups := make(map[string][]store.Record)
	for _, row := range rows {
		key, ok := row[ft.GroupBy]
		if !ok || key == nil {
			continue
		}
		k := fmt.Sprint(key)
		groups[k] = append(groups[k], row)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]store.Record, 0, len(keys))
	for _, key := range keys {
		group := groups[key]
		rec := store.Record{
			ft.GroupBy:  key,
			"row_count": len(group),
		}
		for _, col := range ft.Numeric {
			if mean, ok := meanOf(group, col); ok {
				rec[col+"_mean"] = mean
			}
		}
		records = append(records, rec)
	}

	target := ft.Target
	if target == "" {
		target = "features_" + ft.Table
	}
	dest := store.Destination{
		Table:         target,
		Mode:          "overwrite",
		UniqueColumns: []string{ft.GroupBy},
	}
	if err := e.store.Store(ctx, records, dest); err != nil {
		return err
	}

	e.logger.Info("features recalculated",
		zap.String("table", ft.Table),
		zap.String("target", target),
		zap.Int("groups", len(records)),
	)
	return nil
}

// meanOf averages the parseable numeric values of one column.
func meanOf(group []store.Record, col string) (float64, bool) {
	var sum float64
	var n int
	for _, row := range group {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(v)), 64)
		if err != nil {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
