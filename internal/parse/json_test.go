package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_FlatList(t *testing.T) {
	p := &JSON{}
	recs, err := p.Parse([]any{
		map[string]any{"id": 1.0},
		map[string]any{"id": 2.0},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1.0, recs[0]["id"])
}

func TestJSON_SingleObject(t *testing.T) {
	p := &JSON{}
	recs, err := p.Parse(map[string]any{"name": "alpha"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alpha", recs[0]["name"])
}

func TestJSON_StringPayloadIsDecoded(t *testing.T) {
	p := &JSON{}
	recs, err := p.Parse(`[{"id": 7}]`)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 7.0, recs[0]["id"])
}

func TestJSON_MalformedString(t *testing.T) {
	p := &JSON{}
	_, err := p.Parse(`{not json`)
	require.Error(t, err)
}

func TestJSON_NilPayload(t *testing.T) {
	p := &JSON{}
	recs, err := p.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestJSON_ExtractPath(t *testing.T) {
	p := &JSON{extract: "$.standings.results[*]"}
	recs, err := p.Parse(map[string]any{
		"standings": map[string]any{
			"has_next": false,
			"results": []any{
				map[string]any{"entry": 1.0},
				map[string]any{"entry": 2.0},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2.0, recs[1]["entry"])
}

func TestJSON_ExtractAcrossPages(t *testing.T) {
	page := func(entries ...float64) map[string]any {
		var results []any
		for _, e := range entries {
			results = append(results, map[string]any{"entry": e})
		}
		return map[string]any{"standings": map[string]any{"results": results}}
	}

	p := &JSON{extract: "$.standings.results[*]"}
	recs, err := p.Parse([]any{page(1, 2), page(3)})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 3.0, recs[2]["entry"])
}

func TestJSON_ExtractLeavesFlatListAlone(t *testing.T) {
	p := &JSON{extract: "$.results[*]"}
	recs, err := p.Parse([]any{
		map[string]any{"id": 1.0},
		map[string]any{"id": 2.0},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2, "records without the path root pass through")
}

func TestJSON_ScalarsAreSkipped(t *testing.T) {
	p := &JSON{}
	recs, err := p.Parse([]any{map[string]any{"id": 1.0}, "stray", 4.0})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestNew_SelectsParser(t *testing.T) {
	for _, typ := range []string{"", "json", "csv", "lines"} {
		p, err := New(Config{Type: typ})
		require.NoError(t, err, typ)
		require.NotNil(t, p)
	}

	_, err := New(Config{Type: "xml"})
	require.Error(t, err)
}
