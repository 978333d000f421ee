package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBinding is an in-process Binding for local development and tests.
// A single mutex serializes every operation, so conditional updates are atomic.
type MemoryBinding struct {
	mu     sync.Mutex
	tables map[string]map[string]Record
	order  map[string][]string
}

// NewMemoryBinding creates an empty MemoryBinding. Tables are created on first write.
func NewMemoryBinding() *MemoryBinding {
	return &MemoryBinding{
		tables: make(map[string]map[string]Record),
		order:  make(map[string][]string),
	}
}

func (m *MemoryBinding) Ping(_ context.Context) error { return nil }

func (m *MemoryBinding) Query(_ context.Context, table string, q Query) (*QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateFilters(q.Filters); err != nil {
		return nil, err
	}

	rows := m.tables[table]
	var out []Record
	for _, id := range m.order[table] {
		rec := rows[id]
		if Matches(rec, q.Filters) {
			out = append(out, rec.Clone())
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				c, ok := compare(out[i][s.Field], out[j][s.Field])
				if !ok || c == 0 {
					continue
				}
				if s.Order == "desc" {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = nil
		} else {
			out = out[q.Offset:]
		}
	}
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Record{}
	}
	return &QueryResult{Records: out}, nil
}

func (m *MemoryBinding) Write(_ context.Context, table string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if rec.String("id") == "" {
			return fmt.Errorf("write %s: %w: record without id", table, ErrRejected)
		}
	}

	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]Record)
		m.tables[table] = rows
	}
	for _, rec := range records {
		id := rec.String("id")
		if _, exists := rows[id]; !exists {
			m.order[table] = append(m.order[table], id)
		}
		rows[id] = rec.Clone()
	}
	return nil
}

func (m *MemoryBinding) Update(_ context.Context, table string, filters []Filter, updates Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateFilters(filters); err != nil {
		return 0, err
	}

	var affected int64
	for _, id := range m.order[table] {
		rec := m.tables[table][id]
		if !Matches(rec, filters) {
			continue
		}
		for k, v := range updates {
			rec[k] = v
		}
		affected++
	}
	return affected, nil
}

func (m *MemoryBinding) Delete(_ context.Context, table string, filters []Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateFilters(filters); err != nil {
		return 0, err
	}

	rows := m.tables[table]
	kept := m.order[table][:0]
	var affected int64
	for _, id := range m.order[table] {
		if Matches(rows[id], filters) {
			delete(rows, id)
			affected++
			continue
		}
		kept = append(kept, id)
	}
	m.order[table] = kept
	return affected, nil
}

func (m *MemoryBinding) ListTables(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make([]string, 0, len(m.tables))
	for name := range m.tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

func (m *MemoryBinding) DescribeTable(_ context.Context, table string) (*TableSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	seen := make(map[string]string)
	for _, rec := range rows {
		for k, v := range rec {
			if _, ok := seen[k]; !ok || seen[k] == "null" {
				seen[k] = typeName(v)
			}
		}
	}
	schema := &TableSchema{Name: table}
	for name, typ := range seen {
		schema.Columns = append(schema.Columns, Column{Name: name, Type: typ, Nullable: name != "id"})
	}
	sort.Slice(schema.Columns, func(i, j int) bool { return schema.Columns[i].Name < schema.Columns[j].Name })
	return schema, nil
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if f.Field == "" || !validOperator(f.Operator) {
			return fmt.Errorf("%w: invalid filter %q %q", ErrRejected, f.Field, f.Operator)
		}
	}
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	if _, ok := toFloat(v); ok {
		if _, isString := v.(string); !isString {
			return "number"
		}
	}
	if _, ok := toTime(v); ok {
		return "timestamp"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	return "json"
}

var _ Binding = (*MemoryBinding)(nil)
