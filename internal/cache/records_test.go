package cache

import (
	"context"
	"testing"
	"time"
)

func sampleRecords() []Record {
	return []Record{
		{
			"id":    "rec1",
			"title": "Ship release",
			"s1abc": map[string]any{"value": "in_progress", "updated_on": "2026-05-01T10:00:00Z"},
			"sdue1": map[string]any{
				"from_date":    map[string]any{"date": "2026-06-01", "include_time": false},
				"to_date":      map[string]any{"date": "2026-06-15", "include_time": false},
				"is_overdue":   false,
				"is_completed": false,
			},
			"sasgn": []any{"member1", "member2"},
			"samt1": 1200.50,
			"snote": "quarterly release",
		},
		{
			"id":    "rec2",
			"title": "Fix login bug",
			"s1abc": map[string]any{"value": "complete"},
			"sdue1": map[string]any{
				"to_date":      map[string]any{"date": "2026-05-20T17:00:00Z", "include_time": true},
				"is_overdue":   true,
				"is_completed": false,
			},
			"sasgn": []any{},
			"samt1": float64(0),
		},
		{
			"id":    "rec3",
			"title": "Write docs",
			"s1abc": map[string]any{"value": "backlog"},
		},
	}
}

func seedRecords(t *testing.T, s *Store, tableID string) {
	t.Helper()
	err := s.ReplaceAll(context.Background(), tableID, "Project Tasks", taskStructure(), sampleRecords(), time.Hour)
	if err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
}

func TestReplaceAllAndGetOne(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	valid, err := s.Valid(ctx, "ttasks")
	if err != nil || !valid {
		t.Fatalf("cache should be valid: valid=%v err=%v", valid, err)
	}

	rec, ok, err := s.GetOne(ctx, "ttasks", "rec1")
	if err != nil || !ok {
		t.Fatalf("GetOne failed: ok=%v err=%v", ok, err)
	}
	if rec.Title() != "Ship release" {
		t.Errorf("title = %q", rec.Title())
	}
	status, _ := rec["s1abc"].(map[string]any)
	if status["value"] != "in_progress" {
		t.Errorf("status = %v", rec["s1abc"])
	}
	due, _ := rec["sdue1"].(map[string]any)
	to, _ := due["to_date"].(map[string]any)
	if to["date"] != "2026-06-15" {
		t.Errorf("due to_date = %v", due)
	}
	if due["is_overdue"] != false {
		t.Errorf("is_overdue = %v", due["is_overdue"])
	}
	assigned, _ := rec["sasgn"].([]any)
	if len(assigned) != 2 || assigned[0] != "member1" {
		t.Errorf("assigned = %v", rec["sasgn"])
	}
	if rec["samt1"] != 1200.50 {
		t.Errorf("amount = %v", rec["samt1"])
	}
}

func TestReplaceAllReplacesEverything(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	fresh := []Record{{"id": "rec9", "title": "Only survivor"}}
	if err := s.ReplaceAll(ctx, "ttasks", "Project Tasks", taskStructure(), fresh, time.Hour); err != nil {
		t.Fatalf("second ReplaceAll failed: %v", err)
	}

	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec1"); ok {
		t.Error("old record survived a full replace")
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec9"); !ok {
		t.Error("new record missing after replace")
	}
}

func TestUpsertOneKeepsSiblings(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	updated := Record{
		"id":    "rec2",
		"title": "Fix login bug",
		"s1abc": map[string]any{"value": "in_progress"},
	}
	if err := s.UpsertOne(ctx, "ttasks", updated); err != nil {
		t.Fatalf("UpsertOne failed: %v", err)
	}

	rec, ok, _ := s.GetOne(ctx, "ttasks", "rec2")
	if !ok {
		t.Fatal("updated record missing")
	}
	status, _ := rec["s1abc"].(map[string]any)
	if status["value"] != "in_progress" {
		t.Errorf("status not updated: %v", rec["s1abc"])
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec1"); !ok {
		t.Error("sibling record lost by single upsert")
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec3"); !ok {
		t.Error("sibling record lost by single upsert")
	}
}

func TestUpsertOneRequiresCachedTable(t *testing.T) {
	s := newTestStore(t, Options{})
	err := s.UpsertOne(context.Background(), "never-seen", Record{"id": "r1"})
	if err != ErrTableNotCached {
		t.Fatalf("expected ErrTableNotCached, got %v", err)
	}
}

func TestDeleteOne(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	if err := s.DeleteOne(ctx, "ttasks", "rec1"); err != nil {
		t.Fatalf("DeleteOne failed: %v", err)
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec1"); ok {
		t.Error("record still present after delete")
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec2"); !ok {
		t.Error("unrelated record removed")
	}
	// Deleting from an unknown table is not an error.
	if err := s.DeleteOne(ctx, "never-seen", "rec1"); err != nil {
		t.Errorf("delete on unknown table: %v", err)
	}
}

func TestValidHonoursExpiry(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	err := s.ReplaceAll(ctx, "ttasks", "Project Tasks", taskStructure(), sampleRecords(), -time.Minute)
	if err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	valid, err := s.Valid(ctx, "ttasks")
	if err != nil {
		t.Fatalf("Valid failed: %v", err)
	}
	if valid {
		t.Error("expired cache reported valid")
	}
	if _, ok, _ := s.GetOne(ctx, "ttasks", "rec1"); ok {
		t.Error("expired record returned by GetOne")
	}
}

func TestEmptyArrayDistinctFromNull(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	// rec2 carries an explicit empty list, rec3 no value at all.
	rec2, _, _ := s.GetOne(ctx, "ttasks", "rec2")
	if v, ok := rec2["sasgn"].([]any); !ok || len(v) != 0 {
		t.Errorf("empty array not preserved: %v", rec2["sasgn"])
	}
	rec3, _, _ := s.GetOne(ctx, "ttasks", "rec3")
	if _, present := rec3["sasgn"]; present {
		t.Errorf("absent value materialised: %v", rec3["sasgn"])
	}
}
