package domain

import (
	"fmt"
	"slices"
	"sort"
)

// QueryInfo is the static metadata of a monitored query. When SQL is set the
// referenced tables and columns are derived from it and merged with any
// explicitly listed ones.
type QueryInfo struct {
	ID      string              `yaml:"id" json:"query_id"`
	Label   string              `yaml:"label,omitempty" json:"label,omitempty"`
	SQL     string              `yaml:"sql,omitempty" json:"sql,omitempty"`
	Tables  []string            `yaml:"tables,omitempty" json:"tables"`
	Filters map[string][]string `yaml:"filter_columns,omitempty" json:"filter_columns,omitempty"`
	Sorts   map[string][]string `yaml:"sort_columns,omitempty" json:"sort_columns,omitempty"`
}

// Resolve normalizes names and folds the parsed SQL shape into the metadata.
func (q QueryInfo) Resolve() (QueryInfo, error) {
	if q.ID == "" {
		return QueryInfo{}, fmt.Errorf("query id must not be empty")
	}
	out := QueryInfo{
		ID:      q.ID,
		Label:   q.Label,
		SQL:     q.SQL,
		Filters: normalizeColumnMap(q.Filters),
		Sorts:   normalizeColumnMap(q.Sorts),
	}
	tables := slices.Clone(q.Tables)

	if q.SQL != "" {
		shape, err := ParseQueryShape(q.SQL)
		if err != nil {
			return QueryInfo{}, fmt.Errorf("query %q: %w", q.ID, err)
		}
		tables = append(tables, shape.Tables...)
		out.Filters = mergeColumnMaps(out.Filters, shape.Filters)
		out.Sorts = mergeColumnMaps(out.Sorts, shape.Sorts)
	}
	for t := range out.Filters {
		tables = append(tables, t)
	}
	for t := range out.Sorts {
		tables = append(tables, t)
	}
	out.Tables = NormalizeTables(tables)
	return out, nil
}

// FilterColumns returns the filter columns for table (nil if none).
func (q QueryInfo) FilterColumns(table string) []string { return q.Filters[table] }

// SortColumns returns the sort columns for table (nil if none).
func (q QueryInfo) SortColumns(table string) []string { return q.Sorts[table] }

func normalizeColumnMap(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for t, cols := range in {
		t = NormalizeTable(t)
		for _, c := range cols {
			c = NormalizeColumn(c)
			if c != "" && !slices.Contains(out[t], c) {
				out[t] = append(out[t], c)
			}
		}
	}
	return out
}

func mergeColumnMaps(dst, src map[string][]string) map[string][]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string][]string, len(src))
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, t := range keys {
		for _, c := range src[t] {
			if !slices.Contains(dst[t], c) {
				dst[t] = append(dst[t], c)
			}
		}
	}
	return dst
}
