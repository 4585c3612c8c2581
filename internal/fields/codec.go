package fields

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Column is one storage column backing a field.
type Column struct {
	Name    string `json:"name"`
	SQLType string `json:"type"`
}

// Columns returns the storage columns for a field in canonical order. base is
// the sanitised column base name derived from the field label; the registry
// deduplicates the returned names before creating the physical table.
//
// ExtractValues and ReconstructValue use the same canonical order, so callers
// zip names and values positionally.
func Columns(f Field, base string) []Column {
	switch f.Type {
	case TypeFirstCreated, TypeLastUpdated:
		return []Column{{base + "_on", "TEXT"}, {base + "_by", "TEXT"}}
	case TypeDeletedDate:
		// Fixed names regardless of label.
		return []Column{{"deleted_on", "TEXT"}, {"deleted_by", "TEXT"}}
	case TypeDate:
		return []Column{{base, "TEXT"}, {base + "_include_time", "INTEGER"}}
	case TypeDateRange:
		return []Column{
			{base + "_from", "TEXT"}, {base + "_to", "TEXT"},
			{base + "_from_include_time", "INTEGER"}, {base + "_to_include_time", "INTEGER"},
		}
	case TypeDueDate:
		return []Column{
			{base + "_from", "TEXT"}, {base + "_to", "TEXT"},
			{base + "_from_include_time", "INTEGER"}, {base + "_to_include_time", "INTEGER"},
			{base + "_is_overdue", "INTEGER"}, {base + "_is_completed", "INTEGER"},
		}
	case TypeStatus:
		return []Column{{base, "TEXT"}, {base + "_updated_on", "TEXT"}}
	case TypeAddress:
		return []Column{{base + "_text", "TEXT"}, {base + "_json", "TEXT"}}
	case TypeFullName:
		return []Column{{base, "TEXT"}, {base + "_json", "TEXT"}}
	case TypeRichText:
		return []Column{{base + "_preview", "TEXT"}, {base + "_json", "TEXT"}}
	case TypeChecklist:
		return []Column{{base + "_json", "TEXT"}, {base + "_total", "INTEGER"}, {base + "_completed", "INTEGER"}}
	case TypeVote:
		return []Column{{base + "_count", "INTEGER"}, {base + "_json", "TEXT"}}
	case TypeTimeTracking:
		return []Column{{base + "_json", "TEXT"}, {base + "_total", "REAL"}}
	case TypeYesNo:
		return []Column{{base, "INTEGER"}}
	case TypeSignature, TypeColorPicker, TypeSocialNetwork, TypeButton:
		return []Column{{base, "TEXT"}}
	}
	if f.Type.IsNumeric() {
		return []Column{{base, "REAL"}}
	}
	// JSON arrays, text fields, selects, formula/lookup/rollup and anything
	// unrecognised all store a single TEXT column.
	return []Column{{base, "TEXT"}}
}

// PrincipalColumns returns the columns worth indexing for a field, in the
// order given by Columns.
func PrincipalColumns(f Field, cols []Column) []Column {
	switch f.Type {
	case TypeDateRange, TypeDueDate:
		return cols[:2] // _from and _to
	case TypeFirstCreated, TypeLastUpdated, TypeDeletedDate:
		return cols[:1] // the timestamp column
	case TypeStatus:
		return cols[:1]
	}
	return cols[:1]
}

// ExtractValues converts an upstream field value into storage values in
// canonical column order. Missing values become nil (SQL NULL); empty arrays
// become the literal "[]", which the is_empty operator family depends on.
func ExtractValues(f Field, value any) []any {
	n := len(Columns(f, "x"))
	if value == nil {
		return nilValues(n)
	}

	switch f.Type {
	case TypeFirstCreated, TypeLastUpdated, TypeDeletedDate:
		m := asMap(value)
		return []any{strOrNil(m["on"]), strOrNil(m["by"])}

	case TypeDate:
		if s, ok := value.(string); ok {
			return []any{nullableStr(s), int64(0)}
		}
		m := asMap(value)
		return []any{strOrNil(m["date"]), boolInt(m["include_time"])}

	case TypeDateRange:
		from, fit := datePart(asMap(value)["from_date"])
		to, tit := datePart(asMap(value)["to_date"])
		return []any{from, to, fit, tit}

	case TypeDueDate:
		m := asMap(value)
		from, fit := datePart(m["from_date"])
		to, tit := datePart(m["to_date"])
		return []any{from, to, fit, tit, boolInt(m["is_overdue"]), boolInt(m["is_completed"])}

	case TypeStatus:
		if s, ok := value.(string); ok {
			return []any{nullableStr(s), nil}
		}
		m := asMap(value)
		return []any{strOrNil(m["value"]), strOrNil(m["updated_on"])}

	case TypeAddress:
		m := asMap(value)
		parts := make([]string, 0, 4)
		for _, k := range []string{"location_address", "location_address2", "location_city", "location_state", "location_zip", "location_country"} {
			if s, ok := m[k].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return []any{nullableStr(strings.Join(parts, ", ")), jsonText(value)}

	case TypeFullName:
		m := asMap(value)
		parts := make([]string, 0, 3)
		for _, k := range []string{"first_name", "middle_name", "last_name"} {
			if s, ok := m[k].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return []any{nullableStr(strings.Join(parts, " ")), jsonText(value)}

	case TypeRichText:
		m := asMap(value)
		return []any{strOrNil(m["preview"]), jsonText(value)}

	case TypeChecklist:
		m := asMap(value)
		return []any{jsonText(value), intOrNil(m["total_items"]), intOrNil(m["completed_items"])}

	case TypeVote:
		m := asMap(value)
		return []any{intOrNil(m["total_votes"]), jsonText(value)}

	case TypeTimeTracking:
		m := asMap(value)
		return []any{jsonText(value), floatOrNil(m["total_duration"])}

	case TypeYesNo:
		return []any{boolInt(value)}
	}

	if f.Type.IsNumeric() {
		return []any{floatOrNil(value)}
	}
	if f.Type.IsJSONArray() {
		// Store the raw JSON text literally to preserve array semantics.
		// An empty array is "[]", never NULL.
		return []any{jsonText(value)}
	}
	if s, ok := value.(string); ok {
		return []any{nullableStr(s)}
	}
	// Formula, lookup and other dynamic values: scalars as text, structures
	// as JSON text.
	switch v := value.(type) {
	case float64:
		return []any{strconv.FormatFloat(v, 'f', -1, 64)}
	case bool:
		return []any{strconv.FormatBool(v)}
	default:
		return []any{jsonText(value)}
	}
}

// ReconstructValue rebuilds the upstream value shape from storage values in
// canonical column order.
func ReconstructValue(f Field, vals []any) any {
	switch f.Type {
	case TypeFirstCreated, TypeLastUpdated, TypeDeletedDate:
		on, by := textAt(vals, 0), textAt(vals, 1)
		if on == nil && by == nil {
			return nil
		}
		return map[string]any{"on": on, "by": by}

	case TypeDate:
		d := textAt(vals, 0)
		if d == nil {
			return nil
		}
		return map[string]any{"date": d, "include_time": intAt(vals, 1) != 0}

	case TypeDateRange:
		return rangeValue(vals, false)

	case TypeDueDate:
		v := rangeValue(vals, false)
		if v == nil {
			return nil
		}
		m := v.(map[string]any)
		m["is_overdue"] = intAt(vals, 4) != 0
		m["is_completed"] = intAt(vals, 5) != 0
		return m

	case TypeStatus:
		val := textAt(vals, 0)
		if val == nil {
			return nil
		}
		out := map[string]any{"value": val}
		if on := textAt(vals, 1); on != nil {
			out["updated_on"] = on
		}
		return out

	case TypeAddress, TypeFullName, TypeRichText:
		return jsonAt(vals, 1)

	case TypeChecklist:
		return jsonAt(vals, 0)

	case TypeVote:
		return jsonAt(vals, 1)

	case TypeTimeTracking:
		return jsonAt(vals, 0)

	case TypeYesNo:
		if vals[0] == nil {
			return nil
		}
		return intAt(vals, 0) != 0
	}

	if f.Type.IsNumeric() {
		if vals[0] == nil {
			return nil
		}
		return floatAt(vals, 0)
	}
	if f.Type.IsJSONArray() {
		return jsonAt(vals, 0)
	}
	return textAt(vals, 0)
}

func rangeValue(vals []any, _ bool) any {
	from, to := textAt(vals, 0), textAt(vals, 1)
	if from == nil && to == nil {
		return nil
	}
	out := map[string]any{}
	if from != nil {
		out["from_date"] = map[string]any{"date": from, "include_time": intAt(vals, 2) != 0}
	}
	if to != nil {
		out["to_date"] = map[string]any{"date": to, "include_time": intAt(vals, 3) != 0}
	}
	return out
}

func nilValues(n int) []any {
	return make([]any, n)
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func datePart(v any) (any, any) {
	m := asMap(v)
	if m == nil {
		return nil, nil
	}
	return strOrNil(m["date"]), boolInt(m["include_time"])
}

func strOrNil(v any) any {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(v any) any {
	switch b := v.(type) {
	case bool:
		if b {
			return int64(1)
		}
		return int64(0)
	case nil:
		return int64(0)
	}
	return int64(0)
}

func intOrNil(v any) any {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i
		}
	}
	return nil
}

func floatOrNil(v any) any {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f
		}
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return nil
}

func jsonText(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func textAt(vals []any, i int) any {
	if i >= len(vals) || vals[i] == nil {
		return nil
	}
	switch s := vals[i].(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(vals[i])
}

func intAt(vals []any, i int) int64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	switch n := vals[i].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		v, _ := strconv.ParseInt(string(n), 10, 64)
		return v
	case string:
		v, _ := strconv.ParseInt(n, 10, 64)
		return v
	}
	return 0
}

func floatAt(vals []any, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	switch n := vals[i].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case []byte:
		v, _ := strconv.ParseFloat(string(n), 64)
		return v
	case string:
		v, _ := strconv.ParseFloat(n, 64)
		return v
	}
	return 0
}

func jsonAt(vals []any, i int) any {
	t := textAt(vals, i)
	if t == nil {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(t.(string)), &out); err != nil {
		return t
	}
	return out
}
