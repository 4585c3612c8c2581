package filter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
)

func newQueryFixture(t *testing.T) (*cache.Store, *cache.RegistryEntry) {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	structure := fields.Structure{
		{Slug: "title", Label: "Title", Type: fields.TypeRecordTitle, Params: fields.Params{Primary: true}},
		{Slug: "status", Label: "Status", Type: fields.TypeStatus},
		{Slug: "due", Label: "Due", Type: fields.TypeDueDate},
		{Slug: "owners", Label: "Owners", Type: fields.TypeUser},
	}
	records := []cache.Record{
		{"id": "a", "title": "Open task", "status": map[string]any{"value": "open"},
			"due": map[string]any{
				"from_date": map[string]any{"date": "2025-03-01", "include_time": false},
				"to_date":   map[string]any{"date": "2025-03-31", "include_time": false},
			},
			"owners": []any{"u1"}},
		{"id": "b", "title": "Done task", "status": map[string]any{"value": "done"},
			"due": map[string]any{
				"from_date": map[string]any{"date": "2025-02-01", "include_time": false},
				"to_date":   map[string]any{"date": "2025-02-10", "include_time": false},
			},
			"owners": []any{}},
		{"id": "c", "title": "Backlog task", "status": map[string]any{"value": "open"}},
	}
	require.NoError(t, s.ReplaceAll(context.Background(), "tbl1", "Tasks", structure, records, time.Hour))

	entry, ok, err := s.Registry(context.Background(), "tbl1")
	require.NoError(t, err)
	require.True(t, ok)
	return s, entry
}

func run(t *testing.T, s *cache.Store, entry *cache.RegistryEntry, raw map[string]any) []string {
	t.Helper()
	g, err := Parse(raw)
	require.NoError(t, err)
	q := s.Query(entry).Order("id", "asc")
	require.NoError(t, Apply(q, g))
	recs, err := q.Execute(context.Background())
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func TestParseRejectsBadTrees(t *testing.T) {
	_, err := Parse(map[string]any{"operator": "xor", "fields": []any{}})
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = Parse(map[string]any{"operator": "and"})
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = Parse(map[string]any{"operator": "and", "fields": []any{
		map[string]any{"field": "status"},
	}})
	require.ErrorIs(t, err, ErrInvalidFilter)

	g, err := Parse(nil)
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestApplyTopLevelAnd(t *testing.T) {
	s, entry := newQueryFixture(t)
	got := run(t, s, entry, map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{"field": "status", "comparison": "is", "value": "open"},
			map[string]any{"field": "title", "comparison": "contains", "value": "task"},
		},
	})
	require.Equal(t, []string{"a", "c"}, got)
}

func TestApplyOrGroup(t *testing.T) {
	s, entry := newQueryFixture(t)
	got := run(t, s, entry, map[string]any{
		"operator": "or",
		"fields": []any{
			map[string]any{"field": "status", "comparison": "is", "value": "done"},
			map[string]any{"field": "title", "comparison": "contains", "value": "Backlog"},
		},
	})
	require.Equal(t, []string{"b", "c"}, got)
}

func TestApplyNestedGroups(t *testing.T) {
	s, entry := newQueryFixture(t)
	// open AND (has owners OR title contains Backlog)
	got := run(t, s, entry, map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{"field": "status", "comparison": "is", "value": "open"},
			map[string]any{
				"operator": "or",
				"fields": []any{
					map[string]any{"field": "owners", "comparison": "is_not_empty"},
					map[string]any{"field": "title", "comparison": "contains", "value": "Backlog"},
				},
			},
		},
	})
	require.Equal(t, []string{"a", "c"}, got)
}

func TestApplyDateEnvelope(t *testing.T) {
	s, entry := newQueryFixture(t)
	got := run(t, s, entry, map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{
				"field":      "due",
				"comparison": "is_on_or_after",
				"value": map[string]any{
					"date_mode":       "exact_date",
					"date_mode_value": "2025-03-15",
				},
			},
		},
	})
	// Comparison without a sub-field suffix targets the end of the range.
	require.Equal(t, []string{"a"}, got)

	got = run(t, s, entry, map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{
				"field":      "due.from_date",
				"comparison": "is_on_or_after",
				"value": map[string]any{
					"date_mode":       "exact_date",
					"date_mode_value": "2025-03-15",
				},
			},
		},
	})
	require.Empty(t, got)
}

func TestApplyComparisonAliases(t *testing.T) {
	s, entry := newQueryFixture(t)
	got := run(t, s, entry, map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{"field": "status", "comparison": "is_not_equal_to", "value": "done"},
		},
	})
	require.Equal(t, []string{"a", "c"}, got)
}

func TestApplyUnknownFieldFails(t *testing.T) {
	s, entry := newQueryFixture(t)
	g, err := Parse(map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{"field": "nosuch", "comparison": "is", "value": "x"},
		},
	})
	require.NoError(t, err)
	require.Error(t, Apply(s.Query(entry), g))
}

func TestNormalizeForUpstream(t *testing.T) {
	raw := map[string]any{
		"operator": "and",
		"fields": []any{
			map[string]any{"field": "owners", "comparison": "is_empty", "value": true},
			map[string]any{"field": "status", "comparison": "is", "value": "open"},
			map[string]any{
				"operator": "or",
				"fields": []any{
					map[string]any{"field": "owners", "comparison": "is_not_empty", "value": "anything"},
				},
			},
		},
	}
	got := NormalizeForUpstream(raw)

	items := got["fields"].([]any)
	require.Nil(t, items[0].(map[string]any)["value"])
	require.Equal(t, "open", items[1].(map[string]any)["value"])
	nested := items[2].(map[string]any)["fields"].([]any)
	require.Nil(t, nested[0].(map[string]any)["value"])

	// The input tree is untouched.
	origItems := raw["fields"].([]any)
	require.Equal(t, true, origItems[0].(map[string]any)["value"])
}
