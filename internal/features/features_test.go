package features

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssdlab/harvester/internal/config"
	"github.com/dssdlab/harvester/internal/store"
)

func seedStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Store(context.Background(), []store.Record{
		{"team": "alpha", "points": 50, "rank": 3},
		{"team": "alpha", "points": 70, "rank": 1},
		{"team": "beta", "points": 30, "rank": 8},
		{"team": "beta", "points": "not a number"},
		{"points": 99},
	}, store.Destination{Table: "standings"}))
	return st
}

func TestEngine_Recalculate(t *testing.T) {
	st := seedStore(t)
	e := New(st, []config.FeatureTableConfig{{
		Table:   "standings",
		GroupBy: "team",
		Numeric: []string{"points", "rank"},
	}}, nil)

	require.NoError(t, e.Recalculate(context.Background()))

	rows, err := st.Query(context.Background(), `SELECT * FROM features_standings ORDER BY team`)
	require.NoError(t, err)
	require.Len(t, rows, 2, "rows without the group key are skipped")

	alpha := rows[0]
	assert.Equal(t, "alpha", alpha["team"])
	assert.Equal(t, "2", alpha["row_count"])
	assert.Equal(t, "60", alpha["points_mean"])
	assert.Equal(t, "2", alpha["rank_mean"])

	beta := rows[1]
	assert.Equal(t, "2", beta["row_count"])
	assert.Equal(t, "30", beta["points_mean"], "unparseable values are excluded from the mean")
	assert.Equal(t, "8", beta["rank_mean"], "rows missing the column do not dilute the mean")
}

func TestEngine_CustomTarget(t *testing.T) {
	st := seedStore(t)
	e := New(st, []config.FeatureTableConfig{{
		Table:   "standings",
		Target:  "team_stats",
		GroupBy: "team",
	}}, nil)

	require.NoError(t, e.Recalculate(context.Background()))

	rows, err := st.Query(context.Background(), `SELECT * FROM team_stats`)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEngine_RecalculateIsIdempotent(t *testing.T) {
	st := seedStore(t)
	e := New(st, []config.FeatureTableConfig{{Table: "standings", GroupBy: "team"}}, nil)

	require.NoError(t, e.Recalculate(context.Background()))
	require.NoError(t, e.Recalculate(context.Background()))

	rows, err := st.Query(context.Background(), `SELECT * FROM features_standings`)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "reruns replace, never accumulate")
}

func TestEngine_RequiresGroupBy(t *testing.T) {
	st := seedStore(t)
	e := New(st, []config.FeatureTableConfig{{Table: "standings"}}, nil)
	require.Error(t, e.Recalculate(context.Background()))
}

func TestMeanOf(t *testing.T) {
	group := []store.Record{
		{"v": "10"},
		{"v": "20"},
		{"v": "junk"},
		{"v": nil},
		{},
	}
	mean, ok := meanOf(group, "v")
	require.True(t, ok)
	assert.Equal(t, 15.0, mean)

	_, ok = meanOf(group, "missing")
	assert.False(t, ok)
}
