// Package catalog exposes table metadata to the planner and optimizer. The
// engine treats the catalog as an external, read-only collaborator; the
// in-memory implementation here backs the engine facade and the tests.
package catalog

import (
	"fmt"
	"sync"

	"github.com/calyxdb/calyx/internal/value"
)

// Column describes one table column.
type Column struct {
	Name     string
	Type     value.Kind
	Nullable bool
}

// IndexType enumerates the access structures an index can provide.
type IndexType int

const (
	// IndexBTree supports point and range lookups on ordered keys.
	IndexBTree IndexType = iota
	// IndexHash supports equality lookups only.
	IndexHash
)

func (t IndexType) String() string {
	switch t {
	case IndexBTree:
		return "btree"
	case IndexHash:
		return "hash"
	default:
		return "unknown"
	}
}

// Index describes one secondary index.
type Index struct {
	Name    string
	Type    IndexType
	Columns []string
}

// TableStats carries the cardinality inputs the cost model works from.
type TableStats struct {
	Rows        int64
	Pages       int64
	AvgRowWidth int
	// DistinctValues maps column name to its estimated distinct count.
	DistinctValues map[string]int64
}

// Catalog is the metadata interface the planner and optimizer consume.
type Catalog interface {
	TableExists(name string) bool
	GetColumns(name string) ([]Column, error)
	GetIndexes(name string) ([]Index, error)
	GetStats(name string) (TableStats, error)
}

// defaultStats is used for tables with no collected statistics; the planner
// stays conservative and assumes a moderately sized table.
var defaultStats = TableStats{Rows: 1000, Pages: 100, AvgRowWidth: 256}

// MemCatalog is an in-memory Catalog implementation.
type MemCatalog struct {
	mu     sync.RWMutex
	tables map[string]*tableMeta
}

type tableMeta struct {
	columns []Column
	indexes []Index
	stats   *TableStats
}

// NewMemCatalog creates an empty catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{tables: make(map[string]*tableMeta)}
}

// CreateTable registers a table and its columns.
func (c *MemCatalog) CreateTable(name string, columns []Column) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; ok {
		return fmt.Errorf("table %q already exists", name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %q must have at least one column", name)
	}
	cols := make([]Column, len(columns))
	copy(cols, columns)
	c.tables[name] = &tableMeta{columns: cols}
	return nil
}

// CreateIndex registers a secondary index on an existing table.
func (c *MemCatalog) CreateIndex(table string, idx Index) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("table %q does not exist", table)
	}
	for _, col := range idx.Columns {
		if !hasColumn(meta.columns, col) {
			return fmt.Errorf("index %q references unknown column %q", idx.Name, col)
		}
	}
	meta.indexes = append(meta.indexes, idx)
	return nil
}

// SetStats records collected statistics for a table.
func (c *MemCatalog) SetStats(table string, stats TableStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("table %q does not exist", table)
	}
	meta.stats = &stats
	return nil
}

// TableExists reports whether the table is registered.
func (c *MemCatalog) TableExists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[name]
	return ok
}

// GetColumns returns the column metadata for a table.
func (c *MemCatalog) GetColumns(name string) ([]Column, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", name)
	}
	out := make([]Column, len(meta.columns))
	copy(out, meta.columns)
	return out, nil
}

// GetIndexes returns the indexes available on a table.
func (c *MemCatalog) GetIndexes(name string) ([]Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", name)
	}
	out := make([]Index, len(meta.indexes))
	copy(out, meta.indexes)
	return out, nil
}

// GetStats returns table statistics, falling back to conservative defaults
// when none were collected.
func (c *MemCatalog) GetStats(name string) (TableStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.tables[name]
	if !ok {
		return TableStats{}, fmt.Errorf("table %q does not exist", name)
	}
	if meta.stats == nil {
		return defaultStats, nil
	}
	return *meta.stats, nil
}

func hasColumn(cols []Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

var _ Catalog = (*MemCatalog)(nil)
