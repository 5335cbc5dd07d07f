// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// rowStamp remembers who last wrote a row and when that write was captured
type rowStamp struct {
	SourceNodeID  string // empty for local writes
	CaptureMillis int64
}

// pkKey renders key data the way json_object does in the capture triggers
func pkKey(pk json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, pk); err != nil {
		return string(pk)
	}
	return buf.String()
}

func getRowStamp(ctx context.Context, q dbtx, table, key string) (*rowStamp, error) {
	var s rowStamp
	err := q.QueryRowContext(ctx,
		`SELECT source_node_id, capture_time FROM _relay_row_stamp WHERE table_name = ? AND pk_key = ?`,
		table, key).Scan(&s.SourceNodeID, &s.CaptureMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row stamp for %s %s: %w", table, key, err)
	}
	return &s, nil
}

func upsertRowStamp(ctx context.Context, q dbtx, table, key string, s rowStamp) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_row_stamp (table_name, pk_key, source_node_id, capture_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, pk_key) DO UPDATE SET
			source_node_id = excluded.source_node_id,
			capture_time = excluded.capture_time`,
		table, key, s.SourceNodeID, s.CaptureMillis)
	if err != nil {
		return fmt.Errorf("failed to stamp %s %s: %w", table, key, err)
	}
	return nil
}
