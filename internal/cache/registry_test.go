package cache

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
)

func TestEnsureCreatesTableAndRegistry(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	sqlName, err := s.Ensure(ctx, "64a1b2c3", "Project Tasks", taskStructure())
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if sqlName != "cache_records_project_tasks_64a1b2c3" {
		t.Fatalf("unexpected physical name %q", sqlName)
	}

	entry, ok, err := s.Registry(ctx, "64a1b2c3")
	if err != nil || !ok {
		t.Fatalf("registry lookup failed: ok=%v err=%v", ok, err)
	}
	if entry.TableName != "Project Tasks" {
		t.Errorf("table name not stored, got %q", entry.TableName)
	}

	wantDue := []string{
		"due_date_from", "due_date_to",
		"due_date_from_include_time", "due_date_to_include_time",
		"due_date_is_overdue", "due_date_is_completed",
	}
	got := make([]string, 0, len(wantDue))
	for _, c := range entry.Mapping["sdue1"] {
		got = append(got, c.Name)
	}
	if !reflect.DeepEqual(got, wantDue) {
		t.Errorf("due date columns = %v, want %v", got, wantDue)
	}
	if cols := entry.Mapping["s1abc"]; len(cols) != 2 || cols[0].Name != "status" || cols[1].Name != "status_updated_on" {
		t.Errorf("status columns = %v", cols)
	}
	if cols := entry.Mapping["samt1"]; len(cols) != 1 || cols[0].SQLType != "REAL" {
		t.Errorf("currency column = %v", cols)
	}
}

func TestEnsureDeduplicatesColumnNames(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	structure := fields.Structure{
		{Slug: "a1", Label: "Name", Type: fields.TypeText},
		{Slug: "a2", Label: "Name", Type: fields.TypeText},
		{Slug: "a3", Label: "id", Type: fields.TypeText},
		{Slug: "a4", Label: "Order", Type: fields.TypeNumber},
		{Slug: "a5", Label: "2024 Budget", Type: fields.TypeCurrency},
	}
	if _, err := s.Ensure(ctx, "tdedup", "Dedup", structure); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	entry, _, err := s.Registry(ctx, "tdedup")
	if err != nil {
		t.Fatalf("registry lookup failed: %v", err)
	}

	if entry.Mapping["a1"][0].Name != "name" || entry.Mapping["a2"][0].Name != "name_2" {
		t.Errorf("duplicate labels not deduplicated: %v %v", entry.Mapping["a1"], entry.Mapping["a2"])
	}
	if got := entry.Mapping["a3"][0].Name; got == "id" {
		t.Errorf("field column collided with metadata column id")
	}
	if got := entry.Mapping["a4"][0].Name; got != "order_col" {
		t.Errorf("reserved word not guarded, got %q", got)
	}
	if got := entry.Mapping["a5"][0].Name; got != "t_2024_budget" {
		t.Errorf("digit prefix not guarded, got %q", got)
	}
}

func TestTitleColumnFollowsLabel(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	// The physical column derives from the label, so a title field labelled
	// anything but "Title" must still resolve through the mapping.
	structure := fields.Structure{
		{Slug: "title", Label: "Task Name", Type: fields.TypeRecordTitle, Params: fields.Params{Primary: true}},
		{Slug: "s1abc", Label: "Status", Type: fields.TypeStatus},
	}
	if _, err := s.Ensure(ctx, "ttitle", "Titles", structure); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	entry, _, err := s.Registry(ctx, "ttitle")
	if err != nil {
		t.Fatalf("registry lookup failed: %v", err)
	}
	if got := entry.TitleColumn(); got != "task_name" {
		t.Errorf("title column = %q, want task_name", got)
	}
}

func TestTitleColumnFallsBackToPrimary(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	structure := fields.Structure{
		{Slug: "sname", Label: "Name", Type: fields.TypeRecordTitle, Params: fields.Params{Primary: true}},
		{Slug: "snum1", Label: "Qty", Type: fields.TypeNumber},
	}
	if _, err := s.Ensure(ctx, "tprim", "Primaries", structure); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	entry, _, err := s.Registry(ctx, "tprim")
	if err != nil {
		t.Fatalf("registry lookup failed: %v", err)
	}
	if got := entry.TitleColumn(); got != "name" {
		t.Errorf("title column = %q, want name", got)
	}
}

func TestIndexPolicyFollowsFieldTypes(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	// The user field carries a non-standard slug; its type alone earns the
	// index.
	structure := fields.Structure{
		{Slug: "title", Label: "Title", Type: fields.TypeRecordTitle, Params: fields.Params{Primary: true}},
		{Slug: "sown1", Label: "Owners", Type: fields.TypeUser},
		{Slug: "snote", Label: "Notes", Type: fields.TypeTextArea},
	}
	sqlName, err := s.Ensure(ctx, "tidx", "Indexed", structure)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	indexed := func(col string) bool {
		var name string
		err := s.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?",
			fmt.Sprintf("idx_%s_%s", sqlName, col)).Scan(&name)
		return err == nil
	}
	if !indexed("owners") {
		t.Errorf("user field column not indexed")
	}
	if !indexed("title") {
		t.Errorf("title column not indexed")
	}
	if indexed("notes") {
		t.Errorf("text area column should not carry an index")
	}
}

func TestEnsureEvolvesSchemaForAddedFields(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	base := taskStructure()
	if _, err := s.Ensure(ctx, "tevo", "Evolving", base); err != nil {
		t.Fatalf("initial ensure failed: %v", err)
	}

	grown := append(append(fields.Structure{}, base...),
		fields.Field{Slug: "snew1", Label: "Priority", Type: fields.TypeSingleSelect})
	if _, err := s.Ensure(ctx, "tevo", "Evolving", grown); err != nil {
		t.Fatalf("evolving ensure failed: %v", err)
	}

	entry, _, err := s.Registry(ctx, "tevo")
	if err != nil {
		t.Fatalf("registry lookup failed: %v", err)
	}
	if cols := entry.Mapping["snew1"]; len(cols) != 1 || cols[0].Name != "priority" {
		t.Fatalf("added field not mapped: %v", cols)
	}

	// A record written after the evolution round-trips the new field.
	rec := Record{"id": "r1", "title": "x", "snew1": "high"}
	if err := s.UpsertOne(ctx, "tevo", rec); err != nil {
		t.Fatalf("upsert after evolution failed: %v", err)
	}
	got, ok, err := s.GetOne(ctx, "tevo", "r1")
	if err != nil || !ok {
		t.Fatalf("GetOne failed: ok=%v err=%v", ok, err)
	}
	if got["snew1"] != "high" {
		t.Errorf("evolved field value = %v", got["snew1"])
	}
}

func TestEnsureKeepsRemovedFieldColumns(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	base := taskStructure()
	if _, err := s.Ensure(ctx, "tshrink", "Shrinking", base); err != nil {
		t.Fatalf("initial ensure failed: %v", err)
	}

	// Upstream dropped the notes field; the cache keeps the descriptor so old
	// rows still reconstruct.
	shrunk := base[:len(base)-1]
	if _, err := s.Ensure(ctx, "tshrink", "Shrinking", shrunk); err != nil {
		t.Fatalf("shrinking ensure failed: %v", err)
	}
	entry, _, err := s.Registry(ctx, "tshrink")
	if err != nil {
		t.Fatalf("registry lookup failed: %v", err)
	}
	if _, ok := entry.Structure.Find("snote"); !ok {
		t.Errorf("removed field dropped from stored structure")
	}
}
