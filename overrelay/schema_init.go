// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenDatabase opens (creating if needed) the node database at path.
// Write transactions take the SQLite write lock up front so two writers never deadlock on upgrade.
func OpenDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open node database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return db, nil
}

// InitSchema creates the replication metadata tables if they don't exist
func InitSchema(ctx context.Context, db *sql.DB, nodeID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	migrations := []string{
		// 1) Local node identity and the capture gate read by every capture trigger
		`CREATE TABLE IF NOT EXISTS _relay_node_info (
			node_id          TEXT    NOT NULL PRIMARY KEY,
			capture_disabled INTEGER NOT NULL DEFAULT 0,
			transaction_id   TEXT    NOT NULL DEFAULT ''
		)`,

		// 2) Peers
		`CREATE TABLE IF NOT EXISTS _relay_node (
			node_id           TEXT    NOT NULL PRIMARY KEY,
			sync_url          TEXT    NOT NULL DEFAULT '',
			sync_enabled      INTEGER NOT NULL DEFAULT 1,
			registration_open INTEGER NOT NULL DEFAULT 0,
			registered_at     INTEGER,
			auth_token        TEXT    NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL
		)`,

		// 3) Sequences (batch ids)
		`CREATE TABLE IF NOT EXISTS _relay_sequence (
			sequence_name TEXT    NOT NULL PRIMARY KEY,
			current_value INTEGER NOT NULL
		)`,

		// 4) Channels
		`CREATE TABLE IF NOT EXISTS _relay_channel (
			channel_id        TEXT    NOT NULL PRIMARY KEY,
			processing_order  INTEGER NOT NULL DEFAULT 1,
			max_batch_size    INTEGER NOT NULL DEFAULT 1000,
			max_batch_to_send INTEGER NOT NULL DEFAULT 60,
			max_data_to_route INTEGER NOT NULL DEFAULT 100000,
			enabled           INTEGER NOT NULL DEFAULT 1,
			reload_flag       INTEGER NOT NULL DEFAULT 0,
			window_start      TEXT    NOT NULL DEFAULT '',
			window_end        TEXT    NOT NULL DEFAULT ''
		)`,

		// 5) Schema snapshots of captured tables
		`CREATE TABLE IF NOT EXISTS _relay_trigger_hist (
			trigger_hist_id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name      TEXT    NOT NULL,
			channel_id      TEXT    NOT NULL,
			column_names    TEXT    NOT NULL,
			pk_column_names TEXT    NOT NULL,
			create_time     INTEGER NOT NULL
		)`,

		// 6) Captured changes (append-only)
		`CREATE TABLE IF NOT EXISTS _relay_data (
			data_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name      TEXT    NOT NULL,
			event_type      TEXT    NOT NULL CHECK (event_type IN ('I','U','D','R','S','C','X')),
			row_data        TEXT,
			old_data        TEXT,
			pk_data         TEXT,
			channel_id      TEXT    NOT NULL,
			transaction_id  TEXT    NOT NULL DEFAULT '',
			source_node_id  TEXT    NOT NULL DEFAULT '',
			trigger_hist_id INTEGER NOT NULL DEFAULT 0,
			node_list       TEXT    NOT NULL DEFAULT '',
			is_prerouted    INTEGER NOT NULL DEFAULT 0,
			create_time     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS rd_channel_idx ON _relay_data(channel_id, data_id)`,

		// 7) Routing progress
		`CREATE TABLE IF NOT EXISTS _relay_data_gap (
			start_id         INTEGER NOT NULL PRIMARY KEY,
			end_id           INTEGER NOT NULL,
			status           TEXT    NOT NULL CHECK (status IN ('GP','SK','OK')),
			create_time      INTEGER NOT NULL,
			last_update_time INTEGER NOT NULL,
			CHECK (end_id > start_id)
		)`,
		`CREATE INDEX IF NOT EXISTS rdg_status_idx ON _relay_data_gap(status, start_id)`,

		// 8) Outgoing batches and their membership
		`CREATE TABLE IF NOT EXISTS _relay_outgoing_batch (
			batch_id             INTEGER NOT NULL PRIMARY KEY,
			node_id              TEXT    NOT NULL,
			channel_id           TEXT    NOT NULL,
			status               TEXT    NOT NULL CHECK (status IN ('NE','QY','SE','LD','ER','OK')),
			load_flag            INTEGER NOT NULL DEFAULT 0,
			error_flag           INTEGER NOT NULL DEFAULT 0,
			insert_event_count   INTEGER NOT NULL DEFAULT 0,
			update_event_count   INTEGER NOT NULL DEFAULT 0,
			delete_event_count   INTEGER NOT NULL DEFAULT 0,
			reload_event_count   INTEGER NOT NULL DEFAULT 0,
			other_event_count    INTEGER NOT NULL DEFAULT 0,
			data_row_count       INTEGER NOT NULL DEFAULT 0,
			byte_count           INTEGER NOT NULL DEFAULT 0,
			extract_count        INTEGER NOT NULL DEFAULT 0,
			sent_count           INTEGER NOT NULL DEFAULT 0,
			load_count           INTEGER NOT NULL DEFAULT 0,
			ignore_count         INTEGER NOT NULL DEFAULT 0,
			router_millis        INTEGER NOT NULL DEFAULT 0,
			network_millis       INTEGER NOT NULL DEFAULT 0,
			filter_millis        INTEGER NOT NULL DEFAULT 0,
			load_millis          INTEGER NOT NULL DEFAULT 0,
			extract_millis       INTEGER NOT NULL DEFAULT 0,
			failed_data_id       INTEGER NOT NULL DEFAULT 0,
			failed_line_number   INTEGER NOT NULL DEFAULT 0,
			sql_state            TEXT    NOT NULL DEFAULT '',
			sql_code             INTEGER NOT NULL DEFAULT 0,
			sql_message          TEXT    NOT NULL DEFAULT '',
			last_update_hostname TEXT    NOT NULL DEFAULT '',
			last_update_time     INTEGER NOT NULL,
			create_time          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS rob_node_status_idx ON _relay_outgoing_batch(node_id, status, channel_id, batch_id)`,
		`CREATE TABLE IF NOT EXISTS _relay_data_event (
			data_id  INTEGER NOT NULL,
			batch_id INTEGER NOT NULL,
			PRIMARY KEY (data_id, batch_id)
		)`,
		`CREATE INDEX IF NOT EXISTS rde_batch_idx ON _relay_data_event(batch_id, data_id)`,

		// 9) Receiver-side bookkeeping
		`CREATE TABLE IF NOT EXISTS _relay_incoming_batch (
			batch_id          INTEGER NOT NULL,
			node_id           TEXT    NOT NULL,
			channel_id        TEXT    NOT NULL,
			status            TEXT    NOT NULL,
			error_flag        INTEGER NOT NULL DEFAULT 0,
			byte_count        INTEGER NOT NULL DEFAULT 0,
			load_row_count    INTEGER NOT NULL DEFAULT 0,
			ignore_count      INTEGER NOT NULL DEFAULT 0,
			filter_millis     INTEGER NOT NULL DEFAULT 0,
			database_millis   INTEGER NOT NULL DEFAULT 0,
			failed_row_number INTEGER NOT NULL DEFAULT 0,
			sql_state         TEXT    NOT NULL DEFAULT '',
			sql_code          INTEGER NOT NULL DEFAULT 0,
			sql_message       TEXT    NOT NULL DEFAULT '',
			last_update_time  INTEGER NOT NULL,
			create_time       INTEGER NOT NULL,
			PRIMARY KEY (batch_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS _relay_incoming_error (
			batch_id          INTEGER NOT NULL,
			node_id           TEXT    NOT NULL,
			failed_row_number INTEGER NOT NULL,
			table_name        TEXT    NOT NULL,
			event_type        TEXT    NOT NULL,
			row_data          TEXT,
			old_data          TEXT,
			pk_data           TEXT,
			conflict_id       TEXT    NOT NULL DEFAULT '',
			resolve_ignore    INTEGER NOT NULL DEFAULT 0,
			resolve_data      TEXT,
			create_time       INTEGER NOT NULL,
			PRIMARY KEY (batch_id, node_id, failed_row_number)
		)`,
		`CREATE TABLE IF NOT EXISTS _relay_row_stamp (
			table_name     TEXT    NOT NULL,
			pk_key         TEXT    NOT NULL,
			source_node_id TEXT    NOT NULL DEFAULT '',
			capture_time   INTEGER NOT NULL,
			PRIMARY KEY (table_name, pk_key)
		)`,

		// 10) Conflict settings
		`CREATE TABLE IF NOT EXISTS _relay_conflict (
			conflict_id       TEXT    NOT NULL PRIMARY KEY,
			target_channel_id TEXT    NOT NULL DEFAULT '',
			target_table_name TEXT    NOT NULL DEFAULT '',
			detect_type       TEXT    NOT NULL,
			detect_expression TEXT    NOT NULL DEFAULT '',
			resolve_type      TEXT    NOT NULL,
			ping_back         TEXT    NOT NULL DEFAULT 'OFF',
			create_time       INTEGER NOT NULL,
			last_update_time  INTEGER NOT NULL
		)`,

		// 11) Shared lock table
		`CREATE TABLE IF NOT EXISTS _relay_lock (
			lock_name   TEXT    NOT NULL PRIMARY KEY,
			owner       TEXT    NOT NULL,
			token       TEXT    NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		)`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for i, migration := range migrations {
		logger.Debug("Running relay migration", "step", i+1, "total", len(migrations))
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("relay migration %d failed: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO _relay_node_info (node_id, capture_disabled) VALUES (?, 0)`, nodeID); err != nil {
		return fmt.Errorf("failed to insert node info: %w", err)
	}
	// A crash while loading may have left capture disabled; replication for this node would
	// silently stop if it stayed that way.
	if _, err := tx.ExecContext(ctx, `UPDATE _relay_node_info SET capture_disabled = 0, transaction_id = ''`); err != nil {
		return fmt.Errorf("failed to reset capture gate: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO _relay_sequence (sequence_name, current_value) VALUES (?, ?)`,
		seqOutgoingBatch, outgoingBatchSeqStart-1); err != nil {
		return fmt.Errorf("failed to seed batch sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _relay_channel (channel_id, processing_order, max_batch_size, max_batch_to_send, max_data_to_route)
		VALUES (?, 0, 100, 10, 1000), (?, 1000, 1000, 60, 100000)`, ConfigChannelID, DefaultChannelID); err != nil {
		return fmt.Errorf("failed to seed channels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit relay schema: %w", err)
	}
	logger.Info("Relay schema initialized successfully", "migrations", len(migrations), "node_id", nodeID)
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
