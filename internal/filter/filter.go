// Package filter translates the portable filter trees received over the tool
// surface into query-builder calls.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
)

// ErrInvalidFilter marks a filter tree the translator cannot compile.
var ErrInvalidFilter = errors.New("invalid filter")

// comparisonMap folds the verbose upstream comparison tokens onto the query
// builder's operator set. Tokens already in the builder's vocabulary pass
// through unchanged.
var comparisonMap = map[string]string{
	"is":                       "eq",
	"is_not":                   "ne",
	"is_equal_to":              "eq",
	"is_not_equal_to":          "ne",
	"is_greater_than":          "gt",
	"is_less_than":             "lt",
	"is_equal_or_greater_than": "gte",
	"is_equal_or_less_than":    "lte",
}

// Condition is one leaf of a filter tree.
type Condition struct {
	Field      string
	Comparison string
	Value      any
}

// Group is an and/or node. Each item is either a Condition or a nested
// *Group.
type Group struct {
	Operator string
	Items    []any
}

// Parse decodes a raw filter tree. A nil or empty tree parses to nil, which
// Apply treats as no filtering.
func Parse(raw map[string]any) (*Group, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return parseGroup(raw)
}

func parseGroup(raw map[string]any) (*Group, error) {
	op, _ := raw["operator"].(string)
	op = strings.ToLower(op)
	if op == "" {
		op = "and"
	}
	if op != "and" && op != "or" {
		return nil, fmt.Errorf("%w: operator %q", ErrInvalidFilter, op)
	}
	items, ok := raw["fields"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: fields must be a list", ErrInvalidFilter)
	}
	g := &Group{Operator: op}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entry must be an object", ErrInvalidFilter)
		}
		if _, nested := m["fields"]; nested {
			sub, err := parseGroup(m)
			if err != nil {
				return nil, err
			}
			g.Items = append(g.Items, sub)
			continue
		}
		field, _ := m["field"].(string)
		comparison, _ := m["comparison"].(string)
		if field == "" || comparison == "" {
			return nil, fmt.Errorf("%w: condition needs field and comparison", ErrInvalidFilter)
		}
		g.Items = append(g.Items, Condition{
			Field:      field,
			Comparison: comparison,
			Value:      m["value"],
		})
	}
	return g, nil
}

// Apply compiles the tree onto a query. A top-level AND contributes each
// condition as its own conjunct; everything else renders to a single
// parenthesised where_raw clause.
func Apply(q *cache.Query, g *Group) error {
	if g == nil {
		return nil
	}
	if g.Operator == "and" {
		for _, item := range g.Items {
			switch it := item.(type) {
			case Condition:
				frag, params, err := renderCondition(q, it)
				if err != nil {
					return err
				}
				q.WhereRaw(frag, params)
			case *Group:
				frag, params, err := renderGroup(q, it)
				if err != nil {
					return err
				}
				q.WhereRaw(frag, params)
			}
		}
		return nil
	}
	frag, params, err := renderGroup(q, g)
	if err != nil {
		return err
	}
	q.WhereRaw(frag, params)
	return nil
}

func renderGroup(q *cache.Query, g *Group) (string, []any, error) {
	if len(g.Items) == 0 {
		return "1 = 1", nil, nil
	}
	joiner := " AND "
	if g.Operator == "or" {
		joiner = " OR "
	}
	frags := make([]string, 0, len(g.Items))
	var params []any
	for _, item := range g.Items {
		var frag string
		var p []any
		var err error
		switch it := item.(type) {
		case Condition:
			frag, p, err = renderCondition(q, it)
		case *Group:
			frag, p, err = renderGroup(q, it)
		default:
			err = fmt.Errorf("%w: unexpected node %T", ErrInvalidFilter, item)
		}
		if err != nil {
			return "", nil, err
		}
		frags = append(frags, frag)
		params = append(params, p...)
	}
	return "(" + strings.Join(frags, joiner) + ")", params, nil
}

func renderCondition(q *cache.Query, c Condition) (string, []any, error) {
	op := c.Comparison
	if mapped, ok := comparisonMap[op]; ok {
		op = mapped
	}
	return q.RenderCondition(c.Field, op, unwrapDateEnvelope(c.Value))
}

// unwrapDateEnvelope extracts the concrete date string from the nested
// {date_mode, date_mode_value} shape date comparisons sometimes arrive in.
func unwrapDateEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, has := m["date_mode"]; !has {
		return v
	}
	if s, ok := m["date_mode_value"].(string); ok && s != "" {
		return s
	}
	return v
}

// emptinessComparisons carry no meaningful operand; upstream expects null.
var emptinessComparisons = map[string]bool{
	"is_empty":     true,
	"is_not_empty": true,
}

// NormalizeForUpstream returns a copy of the raw tree with the values of
// emptiness comparisons replaced by null, the shape the upstream API requires
// when a filter is forwarded instead of served locally.
func NormalizeForUpstream(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	items, ok := raw["fields"].([]any)
	if !ok {
		return out
	}
	normalized := make([]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			normalized = append(normalized, item)
			continue
		}
		if _, nested := m["fields"]; nested {
			normalized = append(normalized, NormalizeForUpstream(m))
			continue
		}
		copied := make(map[string]any, len(m))
		for k, v := range m {
			copied[k] = v
		}
		if cmp, _ := copied["comparison"].(string); emptinessComparisons[cmp] {
			copied["value"] = nil
		}
		normalized = append(normalized, copied)
	}
	out["fields"] = normalized
	return out
}
