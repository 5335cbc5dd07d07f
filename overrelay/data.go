// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const changeRecordColumns = `d.data_id, d.table_name, d.event_type, d.row_data, d.old_data, d.pk_data,
	d.channel_id, d.transaction_id, d.source_node_id, d.trigger_hist_id, d.node_list, d.is_prerouted, d.create_time`

// InsertChange appends a ChangeRecord and returns its assigned id.
// Records are immutable once written; ids are assigned by SQLite AUTOINCREMENT and never reused.
func InsertChange(ctx context.Context, q dbtx, rec *ChangeRecord) (int64, error) {
	if rec.TableName == "" && rec.EventType != EventScript {
		return 0, fmt.Errorf("change record requires a table name")
	}
	if rec.ChannelID == "" {
		rec.ChannelID = DefaultChannelID
	}
	if rec.CreateTime.IsZero() {
		rec.CreateTime = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO _relay_data (table_name, event_type, row_data, old_data, pk_data, channel_id,
			transaction_id, source_node_id, trigger_hist_id, node_list, is_prerouted, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TableName, string(rec.EventType), nullJSON(rec.RowData), nullJSON(rec.OldData), nullJSON(rec.PKData),
		rec.ChannelID, rec.TransactionID, rec.SourceNodeID, rec.TriggerHistID,
		joinNodeList(rec.NodeList), boolToInt(rec.PreRouted), toMillis(rec.CreateTime))
	if err != nil {
		return 0, fmt.Errorf("failed to insert change record for %s: %w", rec.TableName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read change record id: %w", err)
	}
	rec.DataID = id
	return id, nil
}

// GetChange loads a single ChangeRecord by id
func GetChange(ctx context.Context, q dbtx, dataID int64) (*ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+changeRecordColumns+` FROM _relay_data d WHERE d.data_id = ?`, dataID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change record %d: %w", dataID, err)
	}
	recs, err := scanChangeRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, sql.ErrNoRows
	}
	return recs[0], nil
}

// unroutedDataInRange returns records of channelID with ids in [start, end) that have no data event yet
func unroutedDataInRange(ctx context.Context, q dbtx, channelID string, start, end int64, limit int) ([]*ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+changeRecordColumns+`
		FROM _relay_data d
		WHERE d.channel_id = ? AND d.data_id >= ? AND d.data_id < ?
		  AND NOT EXISTS (SELECT 1 FROM _relay_data_event e WHERE e.data_id = d.data_id)
		ORDER BY d.data_id
		LIMIT ?`, channelID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unrouted data in [%d,%d): %w", start, end, err)
	}
	return scanChangeRecords(rows)
}

// dataForBatch returns the records assigned to a batch in id order
func dataForBatch(ctx context.Context, q dbtx, batchID int64) ([]*ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+changeRecordColumns+`
		FROM _relay_data d
		JOIN _relay_data_event e ON e.data_id = d.data_id
		WHERE e.batch_id = ?
		ORDER BY d.data_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load data for batch %d: %w", batchID, err)
	}
	return scanChangeRecords(rows)
}

// idState is one present data id and whether it already has a data event
type idState struct {
	DataID int64
	Routed bool
}

// idsInRange lists the present ids in [start, end) with their routed flag
func idsInRange(ctx context.Context, q dbtx, start, end int64) ([]idState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.data_id,
			EXISTS (SELECT 1 FROM _relay_data_event e WHERE e.data_id = d.data_id)
		FROM _relay_data d
		WHERE d.data_id >= ? AND d.data_id < ?
		ORDER BY d.data_id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids in [%d,%d): %w", start, end, err)
	}
	defer rows.Close()

	var out []idState
	for rows.Next() {
		var st idState
		var routed int
		if err := rows.Scan(&st.DataID, &routed); err != nil {
			return nil, fmt.Errorf("failed to scan id state: %w", err)
		}
		st.Routed = routed != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// countDataInRange counts present ids in [start, end)
func countDataInRange(ctx context.Context, q dbtx, start, end int64) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _relay_data WHERE data_id >= ? AND data_id < ?`, start, end).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count data in [%d,%d): %w", start, end, err)
	}
	return n, nil
}

func scanChangeRecords(rows *sql.Rows) ([]*ChangeRecord, error) {
	defer rows.Close()

	var out []*ChangeRecord
	for rows.Next() {
		var (
			rec                      ChangeRecord
			eventType, nodeList      string
			rowData, oldData, pkData sql.NullString
			preRouted                int
			createMillis             int64
		)
		if err := rows.Scan(&rec.DataID, &rec.TableName, &eventType, &rowData, &oldData, &pkData,
			&rec.ChannelID, &rec.TransactionID, &rec.SourceNodeID, &rec.TriggerHistID,
			&nodeList, &preRouted, &createMillis); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		rec.EventType = EventType(eventType)
		rec.RowData = rawJSON(rowData)
		rec.OldData = rawJSON(oldData)
		rec.PKData = rawJSON(pkData)
		rec.NodeList = splitNodeList(nodeList)
		rec.PreRouted = preRouted != 0
		rec.CreateTime = fromMillis(createMillis)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change records: %w", err)
	}
	return out, nil
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return string(m)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
