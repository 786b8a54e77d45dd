package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// Catalog holds the static query and index metadata the engine reasons about.
type Catalog struct {
	mu      sync.RWMutex
	queries map[string]domain.QueryInfo
	indexes map[string]domain.IndexDef // table.name -> def
}

func NewCatalog() *Catalog {
	return &Catalog{
		queries: make(map[string]domain.QueryInfo),
		indexes: make(map[string]domain.IndexDef),
	}
}

func indexKey(table, name string) string { return table + "." + name }

// RegisterQuery resolves and stores (or replaces) a query's metadata.
func (c *Catalog) RegisterQuery(q domain.QueryInfo) (domain.QueryInfo, error) {
	resolved, err := q.Resolve()
	if err != nil {
		return domain.QueryInfo{}, fmt.Errorf("register query: %w", err)
	}
	c.mu.Lock()
	c.queries[resolved.ID] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// Query returns one query's metadata.
func (c *Catalog) Query(id string) (domain.QueryInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[id]
	return q, ok
}

// Queries lists every registered query ordered by id.
func (c *Catalog) Queries() []domain.QueryInfo {
	c.mu.RLock()
	out := make([]domain.QueryInfo, 0, len(c.queries))
	for _, q := range c.queries {
		out = append(out, q)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tables returns the tables a query touches, or nil for unknown queries.
func (c *Catalog) Tables(queryID string) []string {
	q, ok := c.Query(queryID)
	if !ok {
		return nil
	}
	return q.Tables
}

// UpsertIndex adds or replaces an index definition and returns the catalog
// delta it causes, if any.
func (c *Catalog) UpsertIndex(def domain.IndexDef, at time.Time) (domain.IndexDef, *domain.IndexDelta, error) {
	def = def.Normalize()
	if err := domain.ValidateIndex(def); err != nil {
		return domain.IndexDef{}, nil, fmt.Errorf("upsert index: %w", err)
	}
	key := indexKey(def.Table, def.Name)

	c.mu.Lock()
	_, existed := c.indexes[key]
	c.indexes[key] = def
	c.mu.Unlock()

	if existed {
		return def, nil, nil
	}
	return def, &domain.IndexDelta{Timestamp: at, Table: def.Table, IndexName: def.Name, Change: "created"}, nil
}

// RemoveIndex drops an index definition.
func (c *Catalog) RemoveIndex(table, name string, at time.Time) (domain.IndexDelta, error) {
	table = domain.NormalizeTable(table)
	key := indexKey(table, name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[key]; !ok {
		return domain.IndexDelta{}, fmt.Errorf("index %s on %s: %w", name, table, domain.ErrNotFound)
	}
	delete(c.indexes, key)
	return domain.IndexDelta{Timestamp: at, Table: table, IndexName: name, Change: "dropped"}, nil
}

// Indexes lists every index ordered by table then name.
func (c *Catalog) Indexes() []domain.IndexDef {
	c.mu.RLock()
	out := make([]domain.IndexDef, 0, len(c.indexes))
	for _, d := range c.indexes {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Name < out[j].Name
	})
	return out
}
