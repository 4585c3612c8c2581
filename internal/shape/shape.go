// Package shape projects and encodes records for the tool surface, trading
// fidelity for token economy.
package shape

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/timeutil"
)

// Output encodings.
const (
	FormatCompact = "compact"
	FormatJSON    = "json"
)

// ListOptions controls how a record list is shaped.
type ListOptions struct {
	// Fields to keep; empty keeps everything. id and title always survive.
	Fields []string
	// Format is compact (default) or json.
	Format string
	// Summary replaces the rows with a per-field value distribution.
	Summary bool
}

// Project returns a copy of the record restricted to the requested fields.
// id and title are always kept; an empty request keeps everything.
func Project(rec cache.Record, fields []string) cache.Record {
	if len(fields) == 0 {
		return rec
	}
	keep := map[string]bool{"id": true, "title": true}
	for _, f := range fields {
		keep[f] = true
	}
	out := make(cache.Record, len(keep))
	for k, v := range rec {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

// richDocument reports whether a value is the stored rich-document shape.
func richDocument(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	html, hasHTML := m["html"].(string)
	_, hasData := m["data"]
	_, hasPreview := m["preview"]
	if hasHTML && (hasData || hasPreview) {
		return html, true
	}
	return "", false
}

// CleanRecord rewrites rich-document values to their html rendering, which is
// all a tool caller can use.
func CleanRecord(rec cache.Record) cache.Record {
	out := make(cache.Record, len(rec))
	for k, v := range rec {
		if html, ok := richDocument(v); ok {
			out[k] = html
			continue
		}
		out[k] = v
	}
	return out
}

// ShapeRecords applies rich-text extraction and projection to every record.
func ShapeRecords(records []cache.Record, fields []string) []cache.Record {
	out := make([]cache.Record, len(records))
	for i, r := range records {
		out[i] = Project(CleanRecord(r), fields)
	}
	return out
}

// EncodeList builds the list envelope. totalCount is the match count before
// limit/offset; the envelope always carries both counts.
func EncodeList(records []cache.Record, totalCount int64, opts ListOptions) map[string]any {
	shaped := ShapeRecords(records, opts.Fields)
	env := map[string]any{
		"total_count": totalCount,
		"count":       len(shaped),
	}
	if opts.Summary {
		env["summary"] = Summarize(shaped)
		return env
	}
	if opts.Format == FormatJSON {
		env["records"] = shaped
		return env
	}
	env["format"] = FormatCompact
	env["table"] = compactTable(shaped)
	return env
}

// columnOrder is the uniform header for a record set: id, title, then the
// remaining keys sorted.
func columnOrder(records []cache.Record) []string {
	seen := map[string]bool{}
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	var rest []string
	for k := range seen {
		if k != "id" && k != "title" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	cols := make([]string, 0, len(rest)+2)
	if seen["id"] {
		cols = append(cols, "id")
	}
	if seen["title"] {
		cols = append(cols, "title")
	}
	return append(cols, rest...)
}

// compactTable renders records as a pipe-separated table: one header line,
// one line per record. Pipes and newlines inside values are escaped so the
// table stays parseable.
func compactTable(records []cache.Record) string {
	if len(records) == 0 {
		return ""
	}
	cols := columnOrder(records)
	var b strings.Builder
	b.WriteString(strings.Join(cols, "|"))
	for _, r := range records {
		b.WriteByte('\n')
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cellValue(r[c])
		}
		b.WriteString(strings.Join(cells, "|"))
	}
	return b.String()
}

func cellValue(v any) string {
	var s string
	switch vv := v.(type) {
	case nil:
		s = ""
	case string:
		s = vv
	case float64:
		s = strconv.FormatFloat(vv, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(vv)
	default:
		if b, err := json.Marshal(vv); err == nil {
			s = string(b)
		} else {
			s = fmt.Sprint(vv)
		}
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// Summarize builds a per-field value distribution: for each field other than
// id, a map of rendered value to occurrence count.
func Summarize(records []cache.Record) map[string]map[string]int {
	out := map[string]map[string]int{}
	for _, r := range records {
		for k, v := range r {
			if k == "id" {
				continue
			}
			dist, ok := out[k]
			if !ok {
				dist = map[string]int{}
				out[k] = dist
			}
			dist[cellValue(v)]++
		}
	}
	return out
}

// MutationResult encodes the minimal envelope returned after a record
// mutation.
func MutationResult(operation, id, title string, cached bool) map[string]any {
	return map[string]any{
		"success":   true,
		"id":        id,
		"title":     title,
		"operation": operation,
		"timestamp": timeutil.NowUTC(),
		"cached":    cached,
	}
}

// ErrorEnvelope encodes the structured error shape returned to tool callers.
func ErrorEnvelope(kind, message string) map[string]any {
	return map[string]any{
		"status":    "error",
		"error":     kind,
		"message":   message,
		"timestamp": timeutil.NowUTC(),
	}
}
