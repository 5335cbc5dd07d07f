// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	PKIndex      int // 1-based position in the primary key, 0 when not part of it
	NotNull      bool
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// TableInfo describes a captured table as reported by PRAGMA table_info
type TableInfo struct {
	Table     string
	Columns   []ColumnInfo
	PKColumns []ColumnInfo // primary key columns in key order
	byName    map[string]*ColumnInfo
}

// Column returns the column with the given (case-insensitive) name
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	c, ok := t.byName[strings.ToLower(name)]
	return c, ok
}

// PKColumnNames returns primary key column names in key order
func (t *TableInfo) PKColumnNames() []string {
	out := make([]string, 0, len(t.PKColumns))
	for _, c := range t.PKColumns {
		out = append(out, c.Name)
	}
	return out
}

// ColumnNames returns every column name in declaration order
func (t *TableInfo) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// TableInfoProvider caches table descriptions per database
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{cache: make(map[string]*TableInfo)}
}

// Get retrieves table information, using the cache when available
func (p *TableInfoProvider) Get(ctx context.Context, q dbtx, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mutex.RLock()
	if info, ok := p.cache[key]; ok {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	info, err := loadTableInfo(ctx, q, key)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if cached, ok := p.cache[key]; ok {
		return cached, nil
	}
	p.cache[key] = info
	return info, nil
}

// Invalidate drops the cached description of tableName (after a schema change)
func (p *TableInfoProvider) Invalidate(tableName string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.cache, strings.ToLower(tableName))
}

func loadTableInfo(ctx context.Context, q dbtx, table string) (*TableInfo, error) {
	if !isSafeIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: table, byName: make(map[string]*ColumnInfo)}
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			PKIndex:      pk,
			NotNull:      notNull == 1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	for i := range info.Columns {
		c := &info.Columns[i]
		info.byName[strings.ToLower(c.Name)] = c
		if c.PKIndex > 0 {
			info.PKColumns = append(info.PKColumns, *c)
		}
	}
	sort.Slice(info.PKColumns, func(i, j int) bool { return info.PKColumns[i].PKIndex < info.PKColumns[j].PKIndex })
	return info, nil
}

// isSafeIdentifier accepts plain SQL identifiers only; table and column names are spliced into SQL text
func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
