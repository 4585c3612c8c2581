package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/timeutil"
)

// Filter errors.
var (
	ErrUnknownField        = errors.New("unknown field slug")
	ErrUnsupportedOperator = errors.New("unsupported operator")
)

// operatorAliases folds upstream synonyms onto the canonical token.
var operatorAliases = map[string]string{
	"is_any_of":  "in",
	"is_none_of": "not_in",
	"is_equal":   "eq",
	"is":         "eq",
	"is_not":     "ne",
}

// Query compiles a portable filter into SQL against a physical table. All
// chain methods return the receiver; the first error sticks and is returned
// by Execute or Count.
type Query struct {
	store  *Store
	entry  *RegistryEntry
	conds  []string
	params []any
	orders []string
	limit  int
	offset int
	err    error
}

// Query starts a query over a cached table.
func (s *Store) Query(entry *RegistryEntry) *Query {
	return &Query{store: s, entry: entry, limit: -1, offset: -1}
}

// Where adds conditions. Each key is a field slug (optionally with a
// .from_date / .to_date suffix); the value is either a scalar (equality) or a
// map of operator to operand.
func (q *Query) Where(conds map[string]any) *Query {
	for slug, v := range conds {
		switch ops := v.(type) {
		case map[string]any:
			for op, operand := range ops {
				q.addCondition(slug, op, operand)
			}
		default:
			q.addCondition(slug, "eq", v)
		}
	}
	return q
}

// WhereRaw appends a pre-rendered clause, the escape hatch for composed
// AND/OR groups.
func (q *Query) WhereRaw(frag string, params []any) *Query {
	if q.err != nil {
		return q
	}
	q.conds = append(q.conds, frag)
	q.params = append(q.params, params...)
	return q
}

// Order appends a sort key. Direction is "asc" or "desc"; anything else
// falls back to ascending. Sub-field addressing picks the _from/_to column
// for compound date fields; without a suffix the _to column sorts.
func (q *Query) Order(slug, direction string) *Query {
	if q.err != nil {
		return q
	}
	col, _, err := q.resolveColumn(slug)
	if err != nil {
		q.err = err
		return q
	}
	dir := "ASC"
	if strings.EqualFold(direction, "desc") {
		dir = "DESC"
	}
	q.orders = append(q.orders, col+" "+dir)
	return q
}

// Limit caps the result set.
func (q *Query) Limit(n int) *Query { q.limit = n; return q }

// Offset skips rows.
func (q *Query) Offset(n int) *Query { q.offset = n; return q }

func (q *Query) addCondition(slug, op string, value any) {
	if q.err != nil {
		return
	}
	frag, params, err := q.RenderCondition(slug, op, value)
	if err != nil {
		q.err = err
		return
	}
	q.conds = append(q.conds, frag)
	q.params = append(q.params, params...)
}

// resolveColumn maps a (possibly suffixed) slug to the comparison column and
// its field descriptor. The built-in id bypasses the catalogue.
func (q *Query) resolveColumn(slug string) (string, fields.Field, error) {
	if slug == "id" {
		return "id", fields.Field{Slug: "id", Type: fields.TypeText}, nil
	}
	sub := ""
	base := slug
	for _, suffix := range []string{".from_date", ".to_date"} {
		if strings.HasSuffix(slug, suffix) {
			base = strings.TrimSuffix(slug, suffix)
			sub = suffix
			break
		}
	}
	f, ok := q.entry.Structure.Find(base)
	if !ok {
		return "", fields.Field{}, fmt.Errorf("%w: %s", ErrUnknownField, base)
	}
	cols := q.entry.Mapping[base]
	if len(cols) == 0 {
		return "", fields.Field{}, fmt.Errorf("%w: %s", ErrUnknownField, base)
	}
	switch f.Type {
	case fields.TypeDateRange, fields.TypeDueDate:
		// Upstream compares and sorts compound date fields on the end of the
		// range unless the from component is addressed explicitly.
		if sub == ".from_date" {
			return cols[0].Name, f, nil
		}
		return cols[1].Name, f, nil
	}
	return cols[0].Name, f, nil
}

// RenderCondition renders one condition to a SQL fragment and its parameters
// without adding it to the query. The filter translator uses this to compose
// nested OR groups.
func (q *Query) RenderCondition(slug, op string, value any) (string, []any, error) {
	if canonical, ok := operatorAliases[op]; ok {
		op = canonical
	}
	col, f, err := q.resolveColumn(slug)
	if err != nil {
		return "", nil, err
	}

	switch op {
	case "eq", "ne", "gt", "gte", "lt", "lte":
		return q.renderComparison(col, f, op, value)

	case "is_before":
		return q.renderComparison(col, f, "lt", value)
	case "is_after":
		return q.renderComparison(col, f, "gt", value)
	case "is_on_or_before":
		return q.renderComparison(col, f, "lte", value)
	case "is_on_or_after":
		return q.renderComparison(col, f, "gte", value)

	case "contains", "starts_with", "ends_with":
		pat := escapeLike(stringValue(value))
		switch op {
		case "contains":
			pat = "%" + pat + "%"
		case "starts_with":
			pat = pat + "%"
		case "ends_with":
			pat = "%" + pat
		}
		return col + ` LIKE ? ESCAPE '\'`, []any{pat}, nil

	case "in", "not_in":
		vals := listValue(value)
		if len(vals) == 0 {
			// An empty candidate list matches nothing / excludes nothing.
			if op == "in" {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		kw := "IN"
		if op == "not_in" {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, ph), vals, nil

	case "between", "not_between":
		lo, hi, err := boundsValue(value)
		if err != nil {
			return "", nil, err
		}
		if f.Type.IsDateLike() {
			if frag, params, ok := q.renderDateRange(col, op, lo, hi); ok {
				return frag, params, nil
			}
		}
		if op == "between" {
			return col + " BETWEEN ? AND ?", []any{lo, hi}, nil
		}
		return "(" + col + " < ? OR " + col + " > ?)", []any{lo, hi}, nil

	case "is_null":
		return col + " IS NULL", nil, nil
	case "is_not_null":
		return col + " IS NOT NULL", nil, nil

	case "is_empty", "is_not_empty":
		return renderEmptiness(col, f, op == "is_empty"), nil, nil

	case "has_any_of", "has_all_of", "has_none_of", "is_exactly":
		if !f.Type.IsJSONArray() {
			return "", nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, op, f.Type)
		}
		return renderArrayMembership(col, op, listValue(value))

	case "is_overdue", "is_not_overdue":
		if f.Type != fields.TypeDueDate {
			return "", nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, op, f.Type)
		}
		flag := q.entry.Mapping[f.Slug][4].Name
		if op == "is_overdue" {
			return flag + " = 1", nil, nil
		}
		return "(" + flag + " = 0 OR " + flag + " IS NULL)", nil, nil

	case "file_name_contains":
		pat := "%" + escapeLike(stringValue(value)) + "%"
		return col + ` LIKE ? ESCAPE '\'`, []any{pat}, nil
	case "file_type_is":
		pat := `%"file_type":"` + escapeLike(stringValue(value)) + `"%`
		return col + ` LIKE ? ESCAPE '\'`, []any{pat}, nil
	}

	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
}

// renderComparison handles the six direct comparisons, expanding date-only
// operands to the caller's local calendar day as a half-open interval
// [start, end). The exclusive end bound keeps final-second timestamps inside
// the day under lexicographic comparison.
func (q *Query) renderComparison(col string, f fields.Field, op string, value any) (string, []any, error) {
	if f.Type.IsDateLike() {
		if s, ok := value.(string); ok && timeutil.IsDateOnly(s) {
			start, end, err := q.dayBounds(s)
			if err != nil {
				return "", nil, err
			}
			switch op {
			case "eq":
				return "(" + col + " >= ? AND " + col + " < ?)", []any{start, end}, nil
			case "ne":
				return "(" + col + " < ? OR " + col + " >= ?)", []any{start, end}, nil
			case "lt":
				return col + " < ?", []any{start}, nil
			case "lte":
				return col + " < ?", []any{end}, nil
			case "gt":
				return col + " >= ?", []any{end}, nil
			case "gte":
				return col + " >= ?", []any{start}, nil
			}
		}
	}
	sqlOp := map[string]string{"eq": "=", "ne": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
	return col + " " + sqlOp + " ?", []any{value}, nil
}

// renderDateRange expands between/not_between over date-only bounds to the
// half-open interval from the start of the low day to the start of the day
// after the high day. It declines when either bound is not a bare date.
func (q *Query) renderDateRange(col, op string, lo, hi any) (string, []any, bool) {
	ls, okLo := lo.(string)
	hs, okHi := hi.(string)
	if !okLo || !okHi || !timeutil.IsDateOnly(ls) || !timeutil.IsDateOnly(hs) {
		return "", nil, false
	}
	start, _, err := q.dayBounds(ls)
	if err != nil {
		return "", nil, false
	}
	_, end, err := q.dayBounds(hs)
	if err != nil {
		return "", nil, false
	}
	if op == "between" {
		return "(" + col + " >= ? AND " + col + " < ?)", []any{start, end}, true
	}
	return "(" + col + " < ? OR " + col + " >= ?)", []any{start, end}, true
}

// dayBounds wraps timeutil.DayBoundsUTC and collapses UTC-midnight boundaries
// to the bare date so stored date-only values compare inside the interval.
func (q *Query) dayBounds(date string) (string, string, error) {
	start, end, err := timeutil.DayBoundsUTC(date, q.store.loc)
	if err != nil {
		return "", "", err
	}
	return collapseMidnight(start), collapseMidnight(end), nil
}

// collapseMidnight rewrites a UTC-midnight boundary to the bare date.
func collapseMidnight(bound string) string {
	if strings.HasSuffix(bound, "T00:00:00Z") {
		return bound[:10]
	}
	return bound
}

// renderEmptiness implements is_empty / is_not_empty. JSON-array columns
// treat the literal "[]" as empty; text columns treat the empty string as
// empty; everything else is empty only when NULL.
func renderEmptiness(col string, f fields.Field, empty bool) string {
	switch {
	case f.Type.IsJSONArray():
		if empty {
			return "(" + col + " IS NULL OR " + col + " = '[]')"
		}
		return "(" + col + " IS NOT NULL AND " + col + " != '[]')"
	case f.Type.IsText():
		if empty {
			return "(" + col + " IS NULL OR " + col + " = '')"
		}
		return "(" + col + " IS NOT NULL AND " + col + " != '')"
	default:
		if empty {
			return col + " IS NULL"
		}
		return col + " IS NOT NULL"
	}
}

// renderArrayMembership implements the has_* family over JSON array columns.
// Each candidate is matched as a quoted JSON element substring.
func renderArrayMembership(col, op string, vals []any) (string, []any, error) {
	if len(vals) == 0 {
		switch op {
		case "has_any_of":
			return "1 = 0", nil, nil
		case "is_exactly":
			return "(" + col + " IS NULL OR " + col + " = '[]')", nil, nil
		default:
			return "1 = 1", nil, nil
		}
	}
	like := col + ` LIKE ? ESCAPE '\'`
	notLike := col + ` NOT LIKE ? ESCAPE '\'`
	params := make([]any, 0, len(vals))
	frags := make([]string, 0, len(vals))

	switch op {
	case "has_any_of":
		for _, v := range vals {
			frags = append(frags, like)
			params = append(params, elementPattern(v))
		}
		return "(" + strings.Join(frags, " OR ") + ")", params, nil

	case "has_all_of":
		for _, v := range vals {
			frags = append(frags, like)
			params = append(params, elementPattern(v))
		}
		return "(" + strings.Join(frags, " AND ") + ")", params, nil

	case "has_none_of":
		for _, v := range vals {
			frags = append(frags, notLike)
			params = append(params, elementPattern(v))
		}
		return "(" + col + " IS NULL OR (" + strings.Join(frags, " AND ") + "))", params, nil

	case "is_exactly":
		for _, v := range vals {
			frags = append(frags, like)
			params = append(params, elementPattern(v))
		}
		cond := "(json_array_length(" + col + ") = ? AND " + strings.Join(frags, " AND ") + ")"
		return cond, append([]any{len(vals)}, params...), nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
}

func elementPattern(v any) string {
	return `%"` + escapeLike(stringValue(v)) + `"%`
}

// escapeLike escapes LIKE wildcards with backslash.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func listValue(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// boundsValue extracts the inclusive bounds of a between operand, accepting
// {min,max}, {from,to} or a two-element array.
func boundsValue(v any) (any, any, error) {
	switch vv := v.(type) {
	case map[string]any:
		lo, okLo := vv["min"]
		hi, okHi := vv["max"]
		if !okLo {
			lo, okLo = vv["from"]
		}
		if !okHi {
			hi, okHi = vv["to"]
		}
		if okLo && okHi {
			return lo, hi, nil
		}
	case []any:
		if len(vv) == 2 {
			return vv[0], vv[1], nil
		}
	}
	return nil, nil, fmt.Errorf("between requires min and max bounds, got %T", v)
}

func (q *Query) buildSelect(selectExpr string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT " + selectExpr + " FROM " + q.entry.SQLName)
	conds := append([]string{"expires_at > ?"}, q.conds...)
	params := append([]any{q.store.now()}, q.params...)
	b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	if len(q.orders) > 0 && selectExpr == "*" {
		b.WriteString(" ORDER BY " + strings.Join(q.orders, ", "))
	}
	if q.limit >= 0 && selectExpr == "*" {
		b.WriteString(fmt.Sprintf(" LIMIT %d", q.limit))
		if q.offset > 0 {
			b.WriteString(fmt.Sprintf(" OFFSET %d", q.offset))
		}
	} else if q.offset > 0 && selectExpr == "*" {
		b.WriteString(fmt.Sprintf(" LIMIT -1 OFFSET %d", q.offset))
	}
	return b.String(), params
}

// Execute runs the query and returns reconstructed records.
func (q *Query) Execute(ctx context.Context) ([]Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	stmt, params := q.buildSelect("*")
	rows, err := q.store.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.entry.SQLName, err)
	}
	defer rows.Close()
	return scanRecords(rows, q.entry)
}

// Count returns the number of matching rows, ignoring limit and offset.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	stmt, params := q.buildSelect("COUNT(*)")
	var n int64
	if err := q.store.db.QueryRowContext(ctx, stmt, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.entry.SQLName, err)
	}
	return n, nil
}
