package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Memory is an in-process Store. Documents are kept as raw JSON and filters
// are evaluated with gjson paths, so it behaves like the Postgres backend for
// the queries the orchestrator issues.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		m.data[collection] = coll
	}
	coll[id] = raw
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	doc := make(map[string]any)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	m.data[collection][id] = merged
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}

type memRow struct {
	id  string
	doc json.RawMessage
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	matchers, err := compileFilters(q.Filters)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	rows := make([]memRow, 0, len(m.data[collection]))
	for id, doc := range m.data[collection] {
		if matchAll(doc, matchers) {
			rows = append(rows, memRow{id: id, doc: append(json.RawMessage(nil), doc...)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	if q.OrderBy != nil {
		field, desc := q.OrderBy.Field, q.OrderBy.Desc
		sort.SliceStable(rows, func(i, j int) bool {
			c, ok := compareResults(gjson.GetBytes(rows[i].doc, field), gjson.GetBytes(rows[j].doc, field))
			if !ok {
				return false
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

type matcher struct {
	field string
	op    Op
	want  gjson.Result
}

func compileFilters(filters []Filter) ([]matcher, error) {
	out := make([]matcher, 0, len(filters))
	for _, f := range filters {
		if !validOp(f.Op) {
			return nil, fmt.Errorf("store: unsupported operator %q", f.Op)
		}
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("store: encode filter %s: %w", f.Field, err)
		}
		want := gjson.ParseBytes(raw)
		if f.Op == OpIn && !want.IsArray() {
			return nil, fmt.Errorf("store: %s in: value must be a list", f.Field)
		}
		out = append(out, matcher{field: f.Field, op: f.Op, want: want})
	}
	return out, nil
}

func matchAll(doc json.RawMessage, matchers []matcher) bool {
	for _, m := range matchers {
		if !m.match(gjson.GetBytes(doc, m.field)) {
			return false
		}
	}
	return true
}

func (m matcher) match(got gjson.Result) bool {
	if m.op == OpIn {
		for _, w := range m.want.Array() {
			if c, ok := compareResults(got, w); ok && c == 0 {
				return true
			}
		}
		return false
	}
	c, ok := compareResults(got, m.want)
	switch m.op {
	case OpEq:
		return ok && c == 0
	case OpNeq:
		return !ok || c != 0
	case OpLt:
		return ok && c < 0
	case OpLte:
		return ok && c <= 0
	case OpGt:
		return ok && c > 0
	case OpGte:
		return ok && c >= 0
	}
	return false
}

// compareResults orders two JSON values. Strings that both parse as RFC 3339
// timestamps compare chronologically. ok is false for mismatched kinds.
func compareResults(a, b gjson.Result) (int, bool) {
	if !a.Exists() || !b.Exists() {
		return 0, false
	}
	switch {
	case a.Type == gjson.Number && b.Type == gjson.Number:
		switch {
		case a.Num < b.Num:
			return -1, true
		case a.Num > b.Num:
			return 1, true
		}
		return 0, true
	case a.Type == gjson.String && b.Type == gjson.String:
		ta, errA := time.Parse(time.RFC3339Nano, a.Str)
		tb, errB := time.Parse(time.RFC3339Nano, b.Str)
		if errA == nil && errB == nil {
			return ta.Compare(tb), true
		}
		return strings.Compare(a.Str, b.Str), true
	case isBool(a) && isBool(b):
		switch {
		case a.Bool() == b.Bool():
			return 0, true
		case !a.Bool():
			return -1, true
		}
		return 1, true
	case a.Type == gjson.Null && b.Type == gjson.Null:
		return 0, true
	}
	return 0, false
}

func isBool(r gjson.Result) bool {
	return r.Type == gjson.True || r.Type == gjson.False
}
