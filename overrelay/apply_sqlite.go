// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RowApplier writes decoded rows into a target table inside the load transaction.
// Rows are column -> value maps as decoded from the wire (numbers arrive as json.Number).
type RowApplier interface {
	Insert(ctx context.Context, tx *sql.Tx, table string, row map[string]any) (int64, error)
	Update(ctx context.Context, tx *sql.Tx, table string, row, pk map[string]any) (int64, error)
	Delete(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) (int64, error)
	// Current returns the target row for pk, or exists=false when there is none
	Current(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) (row map[string]any, exists bool, err error)
}

// SQLiteRowApplier applies rows to SQLite tables, hex-decoding BLOB columns
type SQLiteRowApplier struct {
	tables *TableInfoProvider
}

// NewSQLiteRowApplier creates an applier backed by the given table metadata provider
func NewSQLiteRowApplier(tables *TableInfoProvider) *SQLiteRowApplier {
	if tables == nil {
		tables = NewTableInfoProvider()
	}
	return &SQLiteRowApplier{tables: tables}
}

func (a *SQLiteRowApplier) Insert(ctx context.Context, tx *sql.Tx, table string, row map[string]any) (int64, error) {
	info, err := a.tables.Get(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	cols, args := bindColumns(info, row)
	if len(cols) == 0 {
		return 0, fmt.Errorf("insert into %s: no known columns in row", table)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(info.Table), joinQuoted(cols), placeholders)
	return execAffected(ctx, tx, query, args...)
}

func (a *SQLiteRowApplier) Update(ctx context.Context, tx *sql.Tx, table string, row, pk map[string]any) (int64, error) {
	info, err := a.tables.Get(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	cols, args := bindColumns(info, row)
	if len(cols) == 0 {
		return 0, fmt.Errorf("update %s: no known columns in row", table)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quoteIdent(c) + " = ?"
	}
	where, whereArgs, err := pkPredicate(info, pk)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, quoteIdent(info.Table), strings.Join(sets, ", "), where)
	return execAffected(ctx, tx, query, append(args, whereArgs...)...)
}

func (a *SQLiteRowApplier) Delete(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) (int64, error) {
	info, err := a.tables.Get(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	where, args, err := pkPredicate(info, pk)
	if err != nil {
		return 0, err
	}
	return execAffected(ctx, tx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoteIdent(info.Table), where), args...)
}

func (a *SQLiteRowApplier) Current(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) (map[string]any, bool, error) {
	info, err := a.tables.Get(ctx, tx, table)
	if err != nil {
		return nil, false, err
	}
	where, args, err := pkPredicate(info, pk)
	if err != nil {
		return nil, false, err
	}
	names := info.ColumnNames()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, joinQuoted(names), quoteIdent(info.Table), where)

	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(ptrs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read current row of %s: %w", table, err)
	}

	row := make(map[string]any, len(names))
	for i, c := range info.Columns {
		v := values[i]
		if b, ok := v.([]byte); ok {
			if c.IsBlob() {
				v = hex.EncodeToString(b)
			} else {
				v = string(b)
			}
		}
		row[c.Name] = v
	}
	return row, true, nil
}

// decodeRow parses a JSON row image, keeping numbers exact
func decodeRow(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("invalid row image: %w", err)
	}
	return row, nil
}

// encodeRow renders a row read from the database in the same JSON shape the capture triggers emit
func encodeRow(row map[string]any) (json.RawMessage, error) {
	if row == nil {
		return nil, nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return b, nil
}

// sqlValue converts a decoded JSON value into a driver argument for col
func sqlValue(col *ColumnInfo, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case bool:
		return boolToInt(x)
	case string:
		if col != nil && col.IsBlob() {
			if b, err := hex.DecodeString(x); err == nil {
				return b
			}
		}
		return x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return x
	}
}

// bindColumns returns the row's columns known to the table, sorted for stable SQL, with their args.
// Columns the target table does not have are dropped.
func bindColumns(info *TableInfo, row map[string]any) ([]string, []any) {
	names := make([]string, 0, len(row))
	for name := range row {
		if _, ok := info.Column(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	cols := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		col, _ := info.Column(name)
		cols[i] = col.Name
		args[i] = sqlValue(col, row[name])
	}
	return cols, args
}

func pkPredicate(info *TableInfo, pk map[string]any) (string, []any, error) {
	if len(pk) == 0 {
		return "", nil, fmt.Errorf("%s: empty primary key", info.Table)
	}
	keyCols := info.PKColumnNames()
	if len(keyCols) == 0 {
		// Tables without a declared key are matched on the captured key columns
		for name := range pk {
			keyCols = append(keyCols, name)
		}
		sort.Strings(keyCols)
	}
	conds := make([]string, 0, len(keyCols))
	args := make([]any, 0, len(keyCols))
	for _, name := range keyCols {
		v, ok := lookupColumn(pk, name)
		if !ok {
			return "", nil, fmt.Errorf("%s: primary key column %s missing from key data", info.Table, name)
		}
		col, known := info.Column(name)
		if !known {
			return "", nil, fmt.Errorf("%s: unknown key column %s", info.Table, name)
		}
		conds = append(conds, quoteIdent(col.Name)+" = ?")
		args = append(args, sqlValue(col, v))
	}
	return strings.Join(conds, " AND "), args, nil
}

func execAffected(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinQuoted(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}
