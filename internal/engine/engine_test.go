package engine

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
)

// fakeUpstream serves canned workspace data and counts calls.
type fakeUpstream struct {
	solutions []map[string]any
	tables    map[string][]map[string]any // solutionID -> tables
	tableByID map[string]map[string]any
	records   map[string][]map[string]any // tableID -> records
	members   []map[string]any
	teams     []map[string]any
	views     map[string][]map[string]any
	deleted   map[string][]map[string]any

	listRecordCalls int
	fieldCalls      int
	queryCalls      int
	lastQueryFilter map[string]any
}

func newFakeUpstream() *fakeUpstream {
	structure := []any{
		map[string]any{"slug": "title", "label": "Task Name", "field_type": "recordtitlefield", "params": map[string]any{"primary": true}},
		map[string]any{"slug": "status", "label": "Status", "field_type": "statusfield"},
		map[string]any{"slug": "owners", "label": "Owners", "field_type": "userfield"},
	}
	table := map[string]any{"id": "tbl1", "name": "Tasks", "solution": "sol1", "structure": structure}
	return &fakeUpstream{
		solutions: []map[string]any{{"id": "sol1", "name": "Ops"}},
		tables:    map[string][]map[string]any{"sol1": {table}},
		tableByID: map[string]map[string]any{"tbl1": table},
		records: map[string][]map[string]any{"tbl1": {
			{"id": "a", "title": "Open task", "status": map[string]any{"value": "open"}, "owners": []any{"u1"}},
			{"id": "b", "title": "Done task", "status": map[string]any{"value": "done"}},
		}},
		members: []map[string]any{{"id": "u1", "email": "ana@example.com", "full_name": "Ana"}},
		teams:   []map[string]any{{"id": "team1", "name": "Platform", "members": []any{"u1"}}},
		views:   map[string][]map[string]any{"tbl1": {{"id": "v1", "name": "Grid", "type": "grid"}}},
		deleted: map[string][]map[string]any{"tbl1": {{"id": "gone", "title": "Old", "deleted_date": map[string]any{"on": "2026-01-01T00:00:00Z"}}}},
	}
}

func (f *fakeUpstream) ListSolutions(ctx context.Context) ([]map[string]any, error) {
	return f.solutions, nil
}
func (f *fakeUpstream) GetSolution(ctx context.Context, id string) (map[string]any, error) {
	for _, s := range f.solutions {
		if s["id"] == id {
			return s, nil
		}
	}
	return nil, nil
}
func (f *fakeUpstream) ListTables(ctx context.Context, solutionID string) ([]map[string]any, error) {
	return f.tables[solutionID], nil
}
func (f *fakeUpstream) GetTable(ctx context.Context, tableID string) (map[string]any, error) {
	return f.tableByID[tableID], nil
}
func (f *fakeUpstream) ListAllRecords(ctx context.Context, tableID string, hydrated bool) ([]map[string]any, error) {
	f.listRecordCalls++
	return f.records[tableID], nil
}
func (f *fakeUpstream) QueryRecords(ctx context.Context, tableID string, filter map[string]any, sort []map[string]any, limit, offset int) ([]map[string]any, int64, error) {
	f.queryCalls++
	f.lastQueryFilter = filter
	recs := f.records[tableID]
	return recs, int64(len(recs)), nil
}
func (f *fakeUpstream) GetRecord(ctx context.Context, tableID, recordID string) (map[string]any, error) {
	for _, r := range f.records[tableID] {
		if r["id"] == recordID {
			return r, nil
		}
	}
	return nil, &notFoundErr{}
}
func (f *fakeUpstream) CreateRecord(ctx context.Context, tableID string, fields map[string]any) (map[string]any, error) {
	rec := map[string]any{"id": "new1", "title": "Created"}
	for k, v := range fields {
		rec[k] = v
	}
	f.records[tableID] = append(f.records[tableID], rec)
	return rec, nil
}
func (f *fakeUpstream) UpdateRecord(ctx context.Context, tableID, recordID string, fields map[string]any) (map[string]any, error) {
	rec := map[string]any{"id": recordID, "title": "Updated"}
	for k, v := range fields {
		rec[k] = v
	}
	return rec, nil
}
func (f *fakeUpstream) DeleteRecord(ctx context.Context, tableID, recordID string) error { return nil }
func (f *fakeUpstream) BulkCreateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = map[string]any{"id": "bulk" + string(rune('a'+i)), "title": "Bulk"}
		for k, v := range item {
			out[i][k] = v
		}
	}
	return out, nil
}
func (f *fakeUpstream) BulkUpdateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error) {
	return items, nil
}
func (f *fakeUpstream) AddField(ctx context.Context, tableID string, field map[string]any) (map[string]any, error) {
	f.fieldCalls++
	return field, nil
}
func (f *fakeUpstream) BulkAddFields(ctx context.Context, tableID string, fields []map[string]any) (map[string]any, error) {
	f.fieldCalls++
	return map[string]any{"added": len(fields)}, nil
}
func (f *fakeUpstream) UpdateField(ctx context.Context, tableID, slug string, field map[string]any) (map[string]any, error) {
	f.fieldCalls++
	return field, nil
}
func (f *fakeUpstream) DeleteField(ctx context.Context, tableID, slug string) error {
	f.fieldCalls++
	return nil
}
func (f *fakeUpstream) ListMembers(ctx context.Context) ([]map[string]any, error) {
	return f.members, nil
}
func (f *fakeUpstream) ListTeams(ctx context.Context) ([]map[string]any, error) { return f.teams, nil }
func (f *fakeUpstream) ListComments(ctx context.Context, recordID string) ([]map[string]any, error) {
	return nil, nil
}
func (f *fakeUpstream) AddComment(ctx context.Context, tableID, recordID, message string) (map[string]any, error) {
	return map[string]any{"id": "c1", "message": message}, nil
}
func (f *fakeUpstream) ListViews(ctx context.Context, tableID string) ([]map[string]any, error) {
	return f.views[tableID], nil
}
func (f *fakeUpstream) GetView(ctx context.Context, viewID string) (map[string]any, error) {
	return map[string]any{"id": viewID}, nil
}
func (f *fakeUpstream) ListDeletedRecords(ctx context.Context, tableID string) ([]map[string]any, error) {
	return f.deleted[tableID], nil
}
func (f *fakeUpstream) RestoreRecord(ctx context.Context, tableID, recordID string) (map[string]any, error) {
	return map[string]any{"id": recordID, "title": "Old"}, nil
}
func (f *fakeUpstream) AttachFileByURL(ctx context.Context, tableID, recordID, fieldSlug, fileURL string) (map[string]any, error) {
	return map[string]any{"handle": "file1"}, nil
}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "record not found" }

func newTestEngine(t *testing.T) (*Engine, *fakeUpstream) {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	fake := newFakeUpstream()
	return New(s, fake, Options{AccountID: "acct1", EmailHint: "ana@example.com"}), fake
}

func TestSessionIDFormat(t *testing.T) {
	e, _ := newTestEngine(t)
	if ok, _ := regexp.MatchString(`^\d{8}_\d{6}_[0-9a-z]{6}$`, e.SessionID()); !ok {
		t.Errorf("session id %q", e.SessionID())
	}
}

func TestListRecordsHydratesOnce(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()

	recs, total, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"})
	if err != nil {
		t.Fatalf("first ListRecords failed: %v", err)
	}
	if total != 2 || len(recs) != 2 {
		t.Fatalf("got %d/%d records", len(recs), total)
	}
	if fake.listRecordCalls != 1 {
		t.Fatalf("hydration calls = %d", fake.listRecordCalls)
	}

	// Second query is served from cache.
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("second ListRecords failed: %v", err)
	}
	if fake.listRecordCalls != 1 {
		t.Errorf("cache hit still called upstream, calls = %d", fake.listRecordCalls)
	}

	// Refresh forces a refetch.
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1", Refresh: true}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if fake.listRecordCalls != 2 {
		t.Errorf("refresh did not refetch, calls = %d", fake.listRecordCalls)
	}
}

func TestListRecordsWithFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	recs, total, err := e.ListRecords(context.Background(), RecordQuery{
		TableID: "tbl1",
		Filter: map[string]any{
			"operator": "and",
			"fields": []any{
				map[string]any{"field": "status", "comparison": "is", "value": "open"},
			},
		},
	})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if total != 1 || len(recs) != 1 || recs[0].ID() != "a" {
		t.Fatalf("filter matched %d/%d", len(recs), total)
	}
}

func TestSearchRecords(t *testing.T) {
	// The fixture's title field is labelled "Task Name", so its physical
	// column is not literally "title"; search must resolve it through the
	// registry mapping.
	e, _ := newTestEngine(t)
	recs, total, err := e.SearchRecords(context.Background(), "tbl1", "opn task", 10)
	if err != nil {
		t.Fatalf("SearchRecords failed: %v", err)
	}
	if total != 1 || len(recs) != 1 || recs[0].ID() != "a" {
		t.Fatalf("search matched %v (total %d)", recs, total)
	}
}

func TestListRecordsForwardsUntranslatableFilter(t *testing.T) {
	e, fake := newTestEngine(t)
	recs, total, err := e.ListRecords(context.Background(), RecordQuery{
		TableID: "tbl1",
		Filter: map[string]any{
			"operator": "and",
			"fields": []any{
				map[string]any{"field": "status", "comparison": "sounds_like", "value": "open"},
				map[string]any{"field": "owners", "comparison": "is_empty", "value": true},
			},
		},
	})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if fake.queryCalls != 1 {
		t.Fatalf("upstream query calls = %d, want 1", fake.queryCalls)
	}
	if total != 2 || len(recs) != 2 {
		t.Errorf("forwarded query returned %d/%d", len(recs), total)
	}
	// Emptiness values must be normalised to null before forwarding.
	fields, _ := fake.lastQueryFilter["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("forwarded filter = %v", fake.lastQueryFilter)
	}
	second, _ := fields[1].(map[string]any)
	if v, ok := second["value"]; !ok || v != nil {
		t.Errorf("is_empty value not normalised: %v", second)
	}
}

func TestCreateRecordWritesThrough(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()

	// Warm the cache first so the upsert has a table to land in.
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	calls := fake.listRecordCalls

	rec, err := e.CreateRecord(ctx, "tbl1", map[string]any{"status": map[string]any{"value": "open"}})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	got, err := e.GetRecord(ctx, "tbl1", rec.ID())
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Title() != "Created" {
		t.Errorf("title = %q", got.Title())
	}
	if fake.listRecordCalls != calls {
		t.Errorf("mutation triggered a full refetch")
	}
}

func TestDeleteRecordDropsRow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if err := e.DeleteRecord(ctx, "tbl1", "b"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	_, total, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if total != 1 {
		t.Errorf("deleted row still counted, total = %d", total)
	}
}

func TestFieldMutationCascades(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}

	if _, err := e.AddField(ctx, "tbl1", map[string]any{"slug": "newf", "label": "New", "field_type": "numberfield"}); err != nil {
		t.Fatalf("AddField failed: %v", err)
	}
	// The cascade dropped the cached schema; the next read re-hydrates.
	before := fake.listRecordCalls
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("post-cascade ListRecords failed: %v", err)
	}
	if fake.listRecordCalls != before+1 {
		t.Errorf("field mutation did not invalidate the record cache")
	}
}

func TestGetSolutionRefreshesOnMiss(t *testing.T) {
	e, _ := newTestEngine(t)
	sol, err := e.GetSolution(context.Background(), "sol1")
	if err != nil {
		t.Fatalf("GetSolution failed: %v", err)
	}
	if sol["name"] != "Ops" {
		t.Errorf("solution = %v", sol)
	}
}

func TestGetTeamHydratesMembers(t *testing.T) {
	e, _ := newTestEngine(t)
	team, err := e.GetTeam(context.Background(), "team1")
	if err != nil {
		t.Fatalf("GetTeam failed: %v", err)
	}
	members, _ := team["members"].([]cache.Entity)
	if len(members) != 1 || members[0]["full_name"] != "Ana" {
		t.Errorf("hydrated members = %v", team["members"])
	}
}

func TestRestoreRecordClearsRecycleRow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	recs, err := e.ListDeletedRecords(ctx, "tbl1", false)
	if err != nil {
		t.Fatalf("ListDeletedRecords failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 deleted record, got %d", len(recs))
	}

	if _, err := e.RestoreRecord(ctx, "tbl1", "gone"); err != nil {
		t.Fatalf("RestoreRecord failed: %v", err)
	}
	recs, _ = e.ListDeletedRecords(ctx, "tbl1", false)
	if len(recs) != 0 {
		t.Errorf("recycle row survived restore: %v", recs)
	}
}

type cacheAccess struct {
	table string
	hit   bool
}

type fakeObserver struct {
	accesses []cacheAccess
	storeOps []string
	gauges   map[string]float64
	bytes    float64
}

func (o *fakeObserver) RecordCacheAccess(table string, hit bool) {
	o.accesses = append(o.accesses, cacheAccess{table, hit})
}
func (o *fakeObserver) RecordStoreOperation(op string, _ time.Duration) {
	o.storeOps = append(o.storeOps, op)
}
func (o *fakeObserver) UpdateTableGauge(table string, records float64) {
	if o.gauges == nil {
		o.gauges = map[string]float64{}
	}
	o.gauges[table] = records
}
func (o *fakeObserver) UpdateCacheBytes(size float64) { o.bytes = size }

func TestObserverSeesCacheTraffic(t *testing.T) {
	obs := &fakeObserver{}
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	e := New(s, newFakeUpstream(), Options{Observer: obs, AccountID: "acct1"})
	ctx := context.Background()

	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("first ListRecords failed: %v", err)
	}
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("second ListRecords failed: %v", err)
	}
	want := []cacheAccess{{"tbl1", false}, {"tbl1", true}}
	if len(obs.accesses) != 2 || obs.accesses[0] != want[0] || obs.accesses[1] != want[1] {
		t.Errorf("accesses = %v", obs.accesses)
	}
	if len(obs.storeOps) != 1 || obs.storeOps[0] != "replace_all" {
		t.Errorf("store ops = %v", obs.storeOps)
	}
	if obs.gauges["tbl1"] != 2 {
		t.Errorf("table gauge = %v", obs.gauges)
	}

	if _, err := e.CacheReport(ctx); err != nil {
		t.Fatalf("CacheReport failed: %v", err)
	}
	if obs.bytes <= 0 {
		t.Errorf("cache size gauge = %v", obs.bytes)
	}
}

func TestCacheReport(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, _, err := e.ListRecords(ctx, RecordQuery{TableID: "tbl1"}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	e.RecordAPICall("POST", "/applications/tbl1/records/list/")

	rep, err := e.CacheReport(ctx)
	if err != nil {
		t.Fatalf("CacheReport failed: %v", err)
	}
	if rep["session_id"] != e.SessionID() {
		t.Errorf("report session = %v", rep["session_id"])
	}
	usage := rep["api_usage"].(*cache.UsageSummary)
	if usage.TotalCalls != 1 {
		t.Errorf("usage calls = %d", usage.TotalCalls)
	}
}

func TestEndpointScope(t *testing.T) {
	cases := []struct {
		endpoint         string
		solution, table string
	}{
		{"/applications/tbl1/records/list/?offset=0&limit=100", "", "tbl1"},
		{"/solutions/sol1/", "sol1", ""},
		{"/applications/?solution=sol2", "sol2", ""},
		{"/members/list/", "", ""},
	}
	for _, c := range cases {
		sol, tbl := endpointScope(c.endpoint)
		if sol != c.solution || tbl != c.table {
			t.Errorf("endpointScope(%q) = (%q, %q), want (%q, %q)", c.endpoint, sol, tbl, c.solution, c.table)
		}
	}
}
