// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// CapturedTable names a business table whose row changes are recorded into _relay_data
type CapturedTable struct {
	TableName string   `yaml:"table"`
	ChannelID string   `yaml:"channel"`
	PKColumns []string `yaml:"pk_columns"` // overrides the declared primary key when set
}

// captureTriggerData holds the data needed for capture trigger rendering
type captureTriggerData struct {
	TableName     string
	ChannelID     string
	TriggerHistID int64
	NewRowJSON    string
	OldRowJSON    string
	NewPKJSON     string
	OldPKJSON     string
}

const captureGateClause = `WHEN COALESCE((SELECT capture_disabled FROM _relay_node_info LIMIT 1), 0) = 0`

const captureNowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

const captureTxnExpr = `COALESCE(NULLIF((SELECT transaction_id FROM _relay_node_info LIMIT 1), ''), lower(hex(randomblob(8))))`

const insertCaptureTemplate = `CREATE TRIGGER relay_{{.TableName}}_ai
AFTER INSERT ON {{.TableName}}
` + captureGateClause + `
BEGIN
	INSERT INTO _relay_data (table_name, event_type, row_data, old_data, pk_data, channel_id,
		transaction_id, source_node_id, trigger_hist_id, node_list, is_prerouted, create_time)
	VALUES ('{{.TableName}}', 'I', {{.NewRowJSON}}, NULL, {{.NewPKJSON}}, '{{.ChannelID}}',
		` + captureTxnExpr + `, '', {{.TriggerHistID}}, '', 0, ` + captureNowMillis + `);

	INSERT INTO _relay_row_stamp (table_name, pk_key, source_node_id, capture_time)
	VALUES ('{{.TableName}}', {{.NewPKJSON}}, '', ` + captureNowMillis + `)
	ON CONFLICT (table_name, pk_key) DO UPDATE SET source_node_id = excluded.source_node_id, capture_time = excluded.capture_time;
END`

const updateCaptureTemplate = `CREATE TRIGGER relay_{{.TableName}}_au
AFTER UPDATE ON {{.TableName}}
` + captureGateClause + `
BEGIN
	INSERT INTO _relay_data (table_name, event_type, row_data, old_data, pk_data, channel_id,
		transaction_id, source_node_id, trigger_hist_id, node_list, is_prerouted, create_time)
	VALUES ('{{.TableName}}', 'U', {{.NewRowJSON}}, {{.OldRowJSON}}, {{.OldPKJSON}}, '{{.ChannelID}}',
		` + captureTxnExpr + `, '', {{.TriggerHistID}}, '', 0, ` + captureNowMillis + `);

	INSERT INTO _relay_row_stamp (table_name, pk_key, source_node_id, capture_time)
	VALUES ('{{.TableName}}', {{.NewPKJSON}}, '', ` + captureNowMillis + `)
	ON CONFLICT (table_name, pk_key) DO UPDATE SET source_node_id = excluded.source_node_id, capture_time = excluded.capture_time;
END`

const deleteCaptureTemplate = `CREATE TRIGGER relay_{{.TableName}}_ad
AFTER DELETE ON {{.TableName}}
` + captureGateClause + `
BEGIN
	INSERT INTO _relay_data (table_name, event_type, row_data, old_data, pk_data, channel_id,
		transaction_id, source_node_id, trigger_hist_id, node_list, is_prerouted, create_time)
	VALUES ('{{.TableName}}', 'D', NULL, {{.OldRowJSON}}, {{.OldPKJSON}}, '{{.ChannelID}}',
		` + captureTxnExpr + `, '', {{.TriggerHistID}}, '', 0, ` + captureNowMillis + `);

	INSERT INTO _relay_row_stamp (table_name, pk_key, source_node_id, capture_time)
	VALUES ('{{.TableName}}', {{.OldPKJSON}}, '', ` + captureNowMillis + `)
	ON CONFLICT (table_name, pk_key) DO UPDATE SET source_node_id = excluded.source_node_id, capture_time = excluded.capture_time;
END`

var captureTemplates = []struct {
	suffix string
	tmpl   *template.Template
}{
	{"ai", template.Must(template.New("insert").Parse(insertCaptureTemplate))},
	{"au", template.Must(template.New("update").Parse(updateCaptureTemplate))},
	{"ad", template.Must(template.New("delete").Parse(deleteCaptureTemplate))},
}

// jsonObjectExpr builds a json_object() call over cols; BLOB values are hex encoded
func jsonObjectExpr(cols []ColumnInfo, prefix string) string {
	pairs := make([]string, 0, len(cols))
	for _, col := range cols {
		expr := fmt.Sprintf("%s.%s", prefix, col.Name)
		if col.IsBlob() {
			expr = fmt.Sprintf("lower(hex(%s.%s))", prefix, col.Name)
		}
		pairs = append(pairs, fmt.Sprintf("'%s', %s", strings.ToLower(col.Name), expr))
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(pairs, ", "))
}

// installCapture records a trigger history row for the table and (re)creates its capture triggers.
// Must run inside a transaction so the history row and the triggers referencing it commit together.
func installCapture(ctx context.Context, tx *sql.Tx, tables *TableInfoProvider, ct CapturedTable) (*TriggerHist, error) {
	table := strings.ToLower(ct.TableName)
	if ct.ChannelID == "" {
		ct.ChannelID = DefaultChannelID
	}
	if !isSafeIdentifier(table) || !isSafeIdentifier(ct.ChannelID) {
		return nil, fmt.Errorf("invalid capture target %q on channel %q", ct.TableName, ct.ChannelID)
	}

	tables.Invalidate(table)
	info, err := tables.Get(ctx, tx, table)
	if err != nil {
		return nil, err
	}

	pkCols := info.PKColumns
	if len(ct.PKColumns) > 0 {
		pkCols = pkCols[:0:0]
		for _, name := range ct.PKColumns {
			c, ok := info.Column(name)
			if !ok {
				return nil, fmt.Errorf("pk column %s not found in table %s", name, table)
			}
			pkCols = append(pkCols, *c)
		}
	}
	if len(pkCols) == 0 {
		return nil, fmt.Errorf("table %s has no primary key; configure pk_columns", table)
	}

	hist := &TriggerHist{
		TableName:     table,
		ChannelID:     ct.ChannelID,
		ColumnNames:   info.ColumnNames(),
		PKColumnNames: make([]string, 0, len(pkCols)),
		CreateTime:    time.Now().UTC(),
	}
	for _, c := range pkCols {
		hist.PKColumnNames = append(hist.PKColumnNames, c.Name)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _relay_trigger_hist (table_name, channel_id, column_names, pk_column_names, create_time)
		VALUES (?, ?, ?, ?, ?)`,
		hist.TableName, hist.ChannelID, strings.Join(hist.ColumnNames, ","),
		strings.Join(hist.PKColumnNames, ","), toMillis(hist.CreateTime))
	if err != nil {
		return nil, fmt.Errorf("failed to record trigger history for %s: %w", table, err)
	}
	if hist.TriggerHistID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read trigger history id: %w", err)
	}

	data := captureTriggerData{
		TableName:     table,
		ChannelID:     ct.ChannelID,
		TriggerHistID: hist.TriggerHistID,
		NewRowJSON:    jsonObjectExpr(info.Columns, "NEW"),
		OldRowJSON:    jsonObjectExpr(info.Columns, "OLD"),
		NewPKJSON:     jsonObjectExpr(pkCols, "NEW"),
		OldPKJSON:     jsonObjectExpr(pkCols, "OLD"),
	}
	for _, t := range captureTemplates {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS relay_%s_%s", table, t.suffix)); err != nil {
			return nil, fmt.Errorf("failed to drop %s trigger for %s: %w", t.tmpl.Name(), table, err)
		}
		var buf bytes.Buffer
		if err := t.tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to execute %s trigger template for table %s: %w", t.tmpl.Name(), table, err)
		}
		if _, err := tx.ExecContext(ctx, buf.String()); err != nil {
			return nil, fmt.Errorf("failed to create %s trigger for table %s: %w", t.tmpl.Name(), table, err)
		}
	}
	return hist, nil
}

// latestTriggerHist returns the most recent schema snapshot for table
func latestTriggerHist(ctx context.Context, q dbtx, table string) (*TriggerHist, error) {
	var (
		hist          TriggerHist
		cols, pkCols  string
		createdMillis int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT trigger_hist_id, table_name, channel_id, column_names, pk_column_names, create_time
		FROM _relay_trigger_hist WHERE table_name = ?
		ORDER BY trigger_hist_id DESC LIMIT 1`, strings.ToLower(table)).
		Scan(&hist.TriggerHistID, &hist.TableName, &hist.ChannelID, &cols, &pkCols, &createdMillis)
	if err != nil {
		return nil, err
	}
	hist.ColumnNames = splitNodeList(cols)
	hist.PKColumnNames = splitNodeList(pkCols)
	hist.CreateTime = fromMillis(createdMillis)
	return &hist, nil
}

// WithCaptureDisabled runs fn with capture triggers suppressed on q's connection state.
// The previous gate value is restored when fn returns, fails, or panics.
func WithCaptureDisabled(ctx context.Context, q dbtx, fn func() error) error {
	return withCaptureGate(ctx, q, true, fn)
}

// WithCaptureEnabled runs fn with capture triggers armed, restoring the previous gate afterwards
func WithCaptureEnabled(ctx context.Context, q dbtx, fn func() error) error {
	return withCaptureGate(ctx, q, false, fn)
}

func withCaptureGate(ctx context.Context, q dbtx, disabled bool, fn func() error) (err error) {
	var prev int
	if err := q.QueryRowContext(ctx, `SELECT capture_disabled FROM _relay_node_info LIMIT 1`).Scan(&prev); err != nil {
		return fmt.Errorf("failed to read capture gate: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE _relay_node_info SET capture_disabled = ?`, boolToInt(disabled)); err != nil {
		return fmt.Errorf("failed to set capture gate: %w", err)
	}
	defer func() {
		// context.WithoutCancel keeps the restore running after the caller's ctx is cancelled
		if _, rerr := q.ExecContext(context.WithoutCancel(ctx), `UPDATE _relay_node_info SET capture_disabled = ?`, prev); rerr != nil && err == nil {
			err = fmt.Errorf("failed to restore capture gate: %w", rerr)
		}
	}()
	return fn()
}

// WithCaptureTransaction runs fn in a write transaction whose captured changes share one transaction id
func WithCaptureTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin capture transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE _relay_node_info SET transaction_id = ?`, uuid.NewString()); err != nil {
		return fmt.Errorf("failed to stamp transaction id: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _relay_node_info SET transaction_id = ''`); err != nil {
		return fmt.Errorf("failed to clear transaction id: %w", err)
	}
	return tx.Commit()
}
