package fields

import (
	"reflect"
	"testing"
)

func TestColumns_DueDate(t *testing.T) {
	f := Field{Slug: "s1", Label: "Due", Type: TypeDueDate}
	cols := Columns(f, "due")
	want := []string{"due_from", "due_to", "due_from_include_time", "due_to_include_time", "due_is_overdue", "due_is_completed"}
	if len(cols) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(cols))
	}
	for i, c := range cols {
		if c.Name != want[i] {
			t.Errorf("column %d: got %s, want %s", i, c.Name, want[i])
		}
	}
}

func TestColumns_DeletedDateFixedNames(t *testing.T) {
	f := Field{Slug: "s1", Label: "Removed At", Type: TypeDeletedDate}
	cols := Columns(f, "removed_at")
	if cols[0].Name != "deleted_on" || cols[1].Name != "deleted_by" {
		t.Errorf("deleted-date columns must be fixed, got %v", cols)
	}
}

func TestExtract_DueDate(t *testing.T) {
	f := Field{Slug: "due", Type: TypeDueDate}
	vals := ExtractValues(f, map[string]any{
		"from_date":    map[string]any{"date": "2025-03-01", "include_time": false},
		"to_date":      map[string]any{"date": "2025-03-31T17:00:00Z", "include_time": true},
		"is_overdue":   true,
		"is_completed": false,
	})
	if vals[0] != "2025-03-01" || vals[1] != "2025-03-31T17:00:00Z" {
		t.Errorf("unexpected from/to: %v %v", vals[0], vals[1])
	}
	if vals[2] != int64(0) || vals[3] != int64(1) {
		t.Errorf("unexpected include_time flags: %v %v", vals[2], vals[3])
	}
	if vals[4] != int64(1) || vals[5] != int64(0) {
		t.Errorf("unexpected overdue/completed: %v %v", vals[4], vals[5])
	}
}

func TestExtract_EmptyArrayIsLiteral(t *testing.T) {
	f := Field{Slug: "assigned_to", Type: TypeUser}
	vals := ExtractValues(f, []any{})
	if vals[0] != "[]" {
		t.Fatalf("empty array must be stored as [], got %v", vals[0])
	}
	vals = ExtractValues(f, nil)
	if vals[0] != nil {
		t.Fatalf("missing value must be NULL, got %v", vals[0])
	}
}

func TestRoundTrip_JSONArrayMultiset(t *testing.T) {
	f := Field{Slug: "tags", Type: TypeTags}
	in := []any{"a", "b", "b", "c"}
	vals := ExtractValues(f, in)
	out := ReconstructValue(f, vals)
	got, ok := out.([]any)
	if !ok {
		t.Fatalf("expected array back, got %T", out)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip mismatch: got %v, want %v", got, in)
	}
}

func TestRoundTrip_Date(t *testing.T) {
	f := Field{Slug: "d", Type: TypeDate}
	vals := ExtractValues(f, map[string]any{"date": "2026-01-05T09:00:00Z", "include_time": true})
	out := ReconstructValue(f, vals)
	m := out.(map[string]any)
	if m["date"] != "2026-01-05T09:00:00Z" || m["include_time"] != true {
		t.Errorf("unexpected reconstruction: %v", m)
	}
}

func TestRoundTrip_Status(t *testing.T) {
	f := Field{Slug: "st", Type: TypeStatus}
	vals := ExtractValues(f, map[string]any{"value": "in_progress", "updated_on": "2026-02-01T00:00:00Z"})
	if vals[0] != "in_progress" {
		t.Fatalf("status principal column: got %v", vals[0])
	}
	out := ReconstructValue(f, vals).(map[string]any)
	if out["value"] != "in_progress" {
		t.Errorf("unexpected status reconstruction: %v", out)
	}
}

func TestRoundTrip_YesNo(t *testing.T) {
	f := Field{Slug: "ok", Type: TypeYesNo}
	if v := ExtractValues(f, true)[0]; v != int64(1) {
		t.Errorf("yes/no true: got %v", v)
	}
	if out := ReconstructValue(f, []any{int64(1)}); out != true {
		t.Errorf("yes/no reconstruct: got %v", out)
	}
}

func TestExtract_RichText(t *testing.T) {
	f := Field{Slug: "doc", Type: TypeRichText}
	vals := ExtractValues(f, map[string]any{
		"data":    map[string]any{"type": "doc"},
		"html":    "<p>hi</p>",
		"preview": "hi",
	})
	if vals[0] != "hi" {
		t.Errorf("preview column: got %v", vals[0])
	}
	out := ReconstructValue(f, vals).(map[string]any)
	if out["html"] != "<p>hi</p>" {
		t.Errorf("stored blob must keep html: %v", out)
	}
}

func TestClassification_ExactMatch(t *testing.T) {
	// linkedrecordfield contains the substring "link" and richtextareafield
	// contains "text"; exact-match sets must not confuse them.
	if !TypeLinkedRecord.IsJSONArray() || TypeLinkedRecord.IsText() {
		t.Error("linkedrecordfield must classify as JSON array")
	}
	if TypeRichText.IsText() || TypeRichText.IsJSONArray() {
		t.Error("richtextareafield is neither plain text nor JSON array")
	}
	if !TypeLink.IsText() {
		t.Error("linkfield must classify as text")
	}
}

func TestExtract_Checklist(t *testing.T) {
	f := Field{Slug: "cl", Type: TypeChecklist}
	vals := ExtractValues(f, map[string]any{
		"items":           []any{map[string]any{"label": "a", "completed": true}},
		"total_items":     float64(3),
		"completed_items": float64(1),
	})
	if vals[1] != int64(3) || vals[2] != int64(1) {
		t.Errorf("checklist counters: %v %v", vals[1], vals[2])
	}
}
