// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrIncomingErrorNotFound is returned when resolving a row that never failed
var ErrIncomingErrorNotFound = errors.New("incoming error not found")

const incomingBatchColumns = `batch_id, node_id, channel_id, status, error_flag, byte_count, load_row_count,
	ignore_count, filter_millis, database_millis, failed_row_number, sql_state, sql_code, sql_message,
	last_update_time, create_time`

const incomingErrorColumns = `batch_id, node_id, failed_row_number, table_name, event_type, row_data, old_data,
	pk_data, conflict_id, resolve_ignore, resolve_data, create_time`

func scanIncomingBatch(r rowScanner) (*IncomingBatch, error) {
	var b IncomingBatch
	var status string
	var errorFlag int
	var updated, created int64
	if err := r.Scan(&b.BatchID, &b.NodeID, &b.ChannelID, &status, &errorFlag, &b.ByteCount, &b.LoadRowCount,
		&b.IgnoreCount, &b.FilterMillis, &b.DatabaseMillis, &b.FailedRowNumber, &b.SQLState, &b.SQLCode, &b.SQLMessage,
		&updated, &created); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	b.ErrorFlag = errorFlag != 0
	b.LastUpdateTime = fromMillis(updated)
	b.CreateTime = fromMillis(created)
	return &b, nil
}

// findIncomingBatch returns nil when the batch was never seen from nodeID
func findIncomingBatch(ctx context.Context, q dbtx, batchID int64, nodeID string) (*IncomingBatch, error) {
	b, err := scanIncomingBatch(q.QueryRowContext(ctx,
		`SELECT `+incomingBatchColumns+` FROM _relay_incoming_batch WHERE batch_id = ? AND node_id = ?`, batchID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read incoming batch %d from %s: %w", batchID, nodeID, err)
	}
	return b, nil
}

func upsertIncomingBatch(ctx context.Context, q dbtx, b *IncomingBatch) error {
	now := toMillis(time.Now())
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_incoming_batch (`+incomingBatchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, node_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			status = excluded.status,
			error_flag = CASE WHEN excluded.error_flag = 1 THEN 1 ELSE _relay_incoming_batch.error_flag END,
			byte_count = excluded.byte_count,
			load_row_count = excluded.load_row_count,
			ignore_count = excluded.ignore_count,
			filter_millis = excluded.filter_millis,
			database_millis = excluded.database_millis,
			failed_row_number = excluded.failed_row_number,
			sql_state = excluded.sql_state,
			sql_code = excluded.sql_code,
			sql_message = excluded.sql_message,
			last_update_time = excluded.last_update_time`,
		b.BatchID, b.NodeID, b.ChannelID, string(b.Status), boolToInt(b.ErrorFlag), b.ByteCount, b.LoadRowCount,
		b.IgnoreCount, b.FilterMillis, b.DatabaseMillis, b.FailedRowNumber, b.SQLState, b.SQLCode, b.SQLMessage,
		now, now)
	if err != nil {
		return fmt.Errorf("failed to record incoming batch %d from %s: %w", b.BatchID, b.NodeID, err)
	}
	return nil
}

// ListIncomingBatches returns receiver-side bookkeeping, most recent first
func ListIncomingBatches(ctx context.Context, q dbtx, nodeID string, limit int) ([]*IncomingBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incomingBatchColumns + ` FROM _relay_incoming_batch`
	var args []any
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY last_update_time DESC, batch_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incoming batches: %w", err)
	}
	defer rows.Close()
	var out []*IncomingBatch
	for rows.Next() {
		b, err := scanIncomingBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incoming batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanIncomingError(r rowScanner) (*IncomingError, error) {
	var e IncomingError
	var eventType string
	var rowData, oldData, pkData, resolveData sql.NullString
	var ignore int
	var created int64
	if err := r.Scan(&e.BatchID, &e.NodeID, &e.FailedRowNumber, &e.TableName, &eventType, &rowData, &oldData,
		&pkData, &e.ConflictID, &ignore, &resolveData, &created); err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.RowData = rawJSON(rowData)
	e.OldData = rawJSON(oldData)
	e.PKData = rawJSON(pkData)
	e.ResolveIgnore = ignore != 0
	e.ResolveData = rawJSON(resolveData)
	e.CreateTime = fromMillis(created)
	return &e, nil
}

func findIncomingError(ctx context.Context, q dbtx, batchID int64, nodeID string, line int64) (*IncomingError, error) {
	e, err := scanIncomingError(q.QueryRowContext(ctx,
		`SELECT `+incomingErrorColumns+` FROM _relay_incoming_error
		WHERE batch_id = ? AND node_id = ? AND failed_row_number = ?`, batchID, nodeID, line))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read incoming error for batch %d row %d: %w", batchID, line, err)
	}
	return e, nil
}

// insertIncomingError records a row awaiting an operator; an existing record keeps its resolution
func insertIncomingError(ctx context.Context, q dbtx, e *IncomingError) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO _relay_incoming_error (`+incomingErrorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		e.BatchID, e.NodeID, e.FailedRowNumber, e.TableName, string(e.EventType),
		nullJSON(e.RowData), nullJSON(e.OldData), nullJSON(e.PKData), e.ConflictID, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record incoming error for batch %d row %d: %w", e.BatchID, e.FailedRowNumber, err)
	}
	return nil
}

func deleteIncomingErrors(ctx context.Context, q dbtx, batchID int64, nodeID string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM _relay_incoming_error WHERE batch_id = ? AND node_id = ?`, batchID, nodeID); err != nil {
		return fmt.Errorf("failed to clear incoming errors of batch %d: %w", batchID, err)
	}
	return nil
}

// ListIncomingErrors returns rows waiting for manual resolution; nodeID may be empty for all peers
func ListIncomingErrors(ctx context.Context, q dbtx, nodeID string) ([]*IncomingError, error) {
	query := `SELECT ` + incomingErrorColumns + ` FROM _relay_incoming_error`
	var args []any
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY node_id, batch_id, failed_row_number`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incoming errors: %w", err)
	}
	defer rows.Close()
	var out []*IncomingError
	for rows.Next() {
		e, err := scanIncomingError(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incoming error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveIncomingError records an operator decision for a failed row. With ignore set the row is
// skipped when the batch is resent; otherwise data (a full row image) is written in its place.
func ResolveIncomingError(ctx context.Context, q dbtx, batchID int64, nodeID string, line int64, ignore bool, data json.RawMessage) error {
	if !ignore && len(data) == 0 {
		return fmt.Errorf("resolution for batch %d row %d needs ignore or replacement data", batchID, line)
	}
	if len(data) > 0 && !json.Valid(data) {
		return fmt.Errorf("resolution data for batch %d row %d is not valid JSON", batchID, line)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE _relay_incoming_error SET resolve_ignore = ?, resolve_data = ?
		WHERE batch_id = ? AND node_id = ? AND failed_row_number = ?`,
		boolToInt(ignore), nullJSON(data), batchID, nodeID, line)
	if err != nil {
		return fmt.Errorf("failed to resolve batch %d row %d: %w", batchID, line, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %d row %d from %s", ErrIncomingErrorNotFound, batchID, line, nodeID)
	}
	return nil
}
