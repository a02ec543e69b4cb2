// Package query selects runs by their start document.
//
// A query is either a mapping matched field by field against the start
// document, written as a YAML or JSON flow mapping:
//
//	{plan_name: count, scan_id: {$gte: 100}}
//
// or a time range over the start document's "time" field:
//
//	TimeRange(since='2020-01-01', until='2020-03-01')
//
// Supported operators are $eq, $ne, $in, $gt, $gte, $lt and $lte. Queries
// combine with And; an empty mapping matches every run.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/justapithecus/runpack/types"
)

// Query matches start documents.
type Query interface {
	Match(start types.Document) bool
	String() string
}

// All matches every run.
func All() Query { return fieldQuery{} }

// Parse parses a single query expression.
func Parse(raw string) (Query, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "TimeRange(") {
		return parseTimeRange(trimmed)
	}
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", raw, err)
	}
	if fields == nil && trimmed != "{}" {
		return nil, fmt.Errorf("invalid query %q: expected a mapping or TimeRange(...)", raw)
	}
	q := fieldQuery{}
	for field, cond := range fields {
		c, err := parseCondition(cond)
		if err != nil {
			return nil, fmt.Errorf("invalid query %q: field %q: %w", raw, field, err)
		}
		q[field] = c
	}
	return q, nil
}

// ParseAll parses every expression and combines them with And.
func ParseAll(raws []string) (Query, error) {
	qs := make([]Query, 0, len(raws))
	for _, raw := range raws {
		q, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return And(qs...), nil
}

type andQuery []Query

// And returns a query matching when every q matches.
func And(qs ...Query) Query {
	if len(qs) == 1 {
		return qs[0]
	}
	return andQuery(qs)
}

func (a andQuery) Match(start types.Document) bool {
	for _, q := range a {
		if !q.Match(start) {
			return false
		}
	}
	return true
}

func (a andQuery) String() string {
	parts := make([]string, len(a))
	for i, q := range a {
		parts[i] = q.String()
	}
	return strings.Join(parts, " AND ")
}

// condition is one field's set of operator constraints.
type condition map[string]any

var operators = map[string]bool{
	"$eq": true, "$ne": true, "$in": true,
	"$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

func parseCondition(v any) (condition, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return condition{"$eq": v}, nil
	}
	isOps := len(m) > 0
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			isOps = false
		}
	}
	if !isOps {
		return condition{"$eq": v}, nil
	}
	for op, arg := range m {
		if !operators[op] {
			return nil, fmt.Errorf("unsupported operator %q", op)
		}
		if op == "$in" {
			if _, ok := arg.([]any); !ok {
				return nil, fmt.Errorf("$in needs a list, got %T", arg)
			}
		}
	}
	return condition(m), nil
}

func (c condition) match(v any, present bool) bool {
	for op, arg := range c {
		var ok bool
		switch op {
		case "$eq":
			ok = present && equal(v, arg)
		case "$ne":
			ok = !present || !equal(v, arg)
		case "$in":
			ok = present && slicesContain(arg.([]any), v)
		default:
			ok = present && compare(op, v, arg)
		}
		if !ok {
			return false
		}
	}
	return true
}

type fieldQuery map[string]condition

func (q fieldQuery) Match(start types.Document) bool {
	for field, c := range q {
		v, present := lookup(start, field)
		if !c.match(v, present) {
			return false
		}
	}
	return true
}

func (q fieldQuery) String() string {
	if len(q) == 0 {
		return "{}"
	}
	fields := make([]string, 0, len(q))
	for f := range q {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s: %v", f, map[string]any(q[f]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// lookup resolves dotted field paths into nested mappings.
func lookup(doc types.Document, field string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if d, isDoc := cur.(types.Document); isDoc {
				m = d
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	fa, okA := types.ToFloat(a)
	fb, okB := types.ToFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func slicesContain(list []any, v any) bool {
	for _, e := range list {
		if equal(e, v) {
			return true
		}
	}
	return false
}

func compare(op string, v, arg any) bool {
	var cmp int
	fv, okV := types.ToFloat(v)
	fa, okA := types.ToFloat(arg)
	switch {
	case okV && okA:
		cmp = cmpFloat(fv, fa)
	default:
		sv, okV := v.(string)
		sa, okA := arg.(string)
		if !okV || !okA {
			return false
		}
		cmp = strings.Compare(sv, sa)
	}
	switch op {
	case "$gt":
		return cmp > 0
	case "$gte":
		return cmp >= 0
	case "$lt":
		return cmp < 0
	case "$lte":
		return cmp <= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// timeRange matches start documents whose time lies in [since, until).
type timeRange struct {
	since, until *time.Time
	raw          string
}

var timeRangeArg = regexp.MustCompile(`^\s*(since|until)\s*=\s*['"]([^'"]*)['"]\s*$`)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseTimeRange(raw string) (Query, error) {
	if !strings.HasSuffix(raw, ")") {
		return nil, fmt.Errorf("invalid query %q: unterminated TimeRange", raw)
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "TimeRange("), ")")
	tr := timeRange{raw: raw}
	if strings.TrimSpace(inner) == "" {
		return tr, nil
	}
	for _, arg := range strings.Split(inner, ",") {
		m := timeRangeArg.FindStringSubmatch(arg)
		if m == nil {
			return nil, fmt.Errorf("invalid query %q: bad argument %q", raw, strings.TrimSpace(arg))
		}
		t, err := parseTime(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid query %q: %w", raw, err)
		}
		if m[1] == "since" {
			tr.since = &t
		} else {
			tr.until = &t
		}
	}
	if tr.since != nil && tr.until != nil && !tr.since.Before(*tr.until) {
		return nil, fmt.Errorf("invalid query %q: since must be before until", raw)
	}
	return tr, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func (r timeRange) Match(start types.Document) bool {
	secs, ok := start.Float("time")
	if !ok {
		return false
	}
	t := time.Unix(0, int64(secs*float64(time.Second)))
	if r.since != nil && t.Before(*r.since) {
		return false
	}
	if r.until != nil && !t.Before(*r.until) {
		return false
	}
	return true
}

func (r timeRange) String() string { return r.raw }
