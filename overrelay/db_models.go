// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"encoding/json"
	"strings"
	"time"
)

// Database entity models for the node-local SQLite tables.
// These models carry db struct tags matching the _relay_* column names.

// EventType is the kind of row mutation captured in a ChangeRecord
type EventType string

// BatchStatus is the lifecycle state of an outgoing or incoming batch
type BatchStatus string

// GapStatus is the state of a DataGap range
type GapStatus string

// IsTerminal reports whether no further transfer happens for a batch in this status
func (s BatchStatus) IsTerminal() bool {
	return s == BatchOK
}

// ChangeRecord represents a row in _relay_data
type ChangeRecord struct {
	DataID        int64           `db:"data_id"`         // Monotonic id assigned on insert
	TableName     string          `db:"table_name"`      // Captured table
	EventType     EventType       `db:"event_type"`      // I, U, D, R, S, C, X
	RowData       json.RawMessage `db:"row_data"`        // New image (JSON object), absent for DELETE
	OldData       json.RawMessage `db:"old_data"`        // Old image, absent for INSERT
	PKData        json.RawMessage `db:"pk_data"`         // Primary key columns
	ChannelID     string          `db:"channel_id"`      // Channel lane
	TransactionID string          `db:"transaction_id"`  // Groups changes of one source transaction
	SourceNodeID  string          `db:"source_node_id"`  // Node the change originated from (empty = local)
	TriggerHistID int64           `db:"trigger_hist_id"` // Schema snapshot at capture time
	NodeList      []string        `db:"node_list"`       // Explicit targets for pre-routed records
	PreRouted     bool            `db:"is_prerouted"`    // Targets were decided at capture time
	CreateTime    time.Time       `db:"create_time"`     // Capture time
}

// DataGap represents a row in _relay_data_gap: the half-open id range [StartID, EndID)
type DataGap struct {
	StartID        int64     `db:"start_id"`
	EndID          int64     `db:"end_id"`
	Status         GapStatus `db:"status"`
	CreateTime     time.Time `db:"create_time"`
	LastUpdateTime time.Time `db:"last_update_time"`
}

// GapSize returns EndID - StartID
func (g DataGap) GapSize() int64 {
	return g.EndID - g.StartID
}

// Contains reports whether g covers every id of other
func (g DataGap) Contains(other DataGap) bool {
	return g.StartID <= other.StartID && g.EndID >= other.EndID
}

// IsOpenEnded reports whether the gap extends to OpenEnd
func (g DataGap) IsOpenEnded() bool {
	return g.EndID == OpenEnd
}

// Channel represents a row in _relay_channel
type Channel struct {
	ChannelID       string `db:"channel_id" yaml:"id"`
	ProcessingOrder int    `db:"processing_order" yaml:"processing_order"` // Lower sends first
	MaxBatchSize    int    `db:"max_batch_size" yaml:"max_batch_size"`     // Rows per batch (closed on a transaction boundary)
	MaxBatchToSend  int    `db:"max_batch_to_send" yaml:"max_batch_to_send"`
	MaxDataToRoute  int    `db:"max_data_to_route" yaml:"max_data_to_route"`
	Enabled         bool   `db:"enabled" yaml:"enabled"`
	ReloadFlag      bool   `db:"reload_flag" yaml:"reload"`
	WindowStart     string `db:"window_start" yaml:"window_start"` // HH:MM, empty = always open
	WindowEnd       string `db:"window_end" yaml:"window_end"`
}

// Node represents a row in _relay_node (a peer this node exchanges batches with)
type Node struct {
	NodeID           string     `db:"node_id" json:"node_id"`
	SyncURL          string     `db:"sync_url" json:"sync_url"`
	SyncEnabled      bool       `db:"sync_enabled" json:"sync_enabled"`
	RegistrationOpen bool       `db:"registration_open" json:"registration_open"`
	RegisteredAt     *time.Time `db:"registered_at" json:"registered_at,omitempty"`
	AuthToken        string     `db:"auth_token" json:"-"` // Token this node presents to the peer
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// OutgoingBatch represents a row in _relay_outgoing_batch
type OutgoingBatch struct {
	BatchID            int64       `db:"batch_id" json:"batch_id"`
	NodeID             string      `db:"node_id" json:"node_id"`
	ChannelID          string      `db:"channel_id" json:"channel_id"`
	Status             BatchStatus `db:"status" json:"status"`
	LoadFlag           bool        `db:"load_flag" json:"load_flag"`
	ErrorFlag          bool        `db:"error_flag" json:"error_flag"`
	InsertEventCount   int64       `db:"insert_event_count" json:"insert_event_count"`
	UpdateEventCount   int64       `db:"update_event_count" json:"update_event_count"`
	DeleteEventCount   int64       `db:"delete_event_count" json:"delete_event_count"`
	ReloadEventCount   int64       `db:"reload_event_count" json:"reload_event_count"`
	OtherEventCount    int64       `db:"other_event_count" json:"other_event_count"`
	DataRowCount       int64       `db:"data_row_count" json:"data_row_count"`
	ByteCount          int64       `db:"byte_count" json:"byte_count"`
	ExtractCount       int64       `db:"extract_count" json:"extract_count"`
	SentCount          int64       `db:"sent_count" json:"sent_count"`
	LoadCount          int64       `db:"load_count" json:"load_count"`
	IgnoreCount        int64       `db:"ignore_count" json:"ignore_count"`
	RouterMillis       int64       `db:"router_millis" json:"router_millis"`
	NetworkMillis      int64       `db:"network_millis" json:"network_millis"`
	FilterMillis       int64       `db:"filter_millis" json:"filter_millis"`
	LoadMillis         int64       `db:"load_millis" json:"load_millis"`
	ExtractMillis      int64       `db:"extract_millis" json:"extract_millis"`
	FailedDataID       int64       `db:"failed_data_id" json:"failed_data_id"`
	FailedLineNumber   int64       `db:"failed_line_number" json:"failed_line_number"`
	SQLState           string      `db:"sql_state" json:"sql_state,omitempty"`
	SQLCode            int         `db:"sql_code" json:"sql_code,omitempty"`
	SQLMessage         string      `db:"sql_message" json:"sql_message,omitempty"`
	LastUpdateHostName string      `db:"last_update_hostname" json:"last_update_hostname"`
	LastUpdateTime     time.Time   `db:"last_update_time" json:"last_update_time"`
	CreateTime         time.Time   `db:"create_time" json:"create_time"`
}

// countEvent increments the per-event-type counter matching t
func (b *OutgoingBatch) countEvent(t EventType) {
	switch t {
	case EventInsert:
		b.InsertEventCount++
	case EventUpdate:
		b.UpdateEventCount++
	case EventDelete:
		b.DeleteEventCount++
	case EventReload:
		b.ReloadEventCount++
	default:
		b.OtherEventCount++
	}
	b.DataRowCount++
}

// IncomingBatch represents a row in _relay_incoming_batch (receiver-side bookkeeping)
type IncomingBatch struct {
	BatchID         int64       `db:"batch_id"`
	NodeID          string      `db:"node_id"`
	ChannelID       string      `db:"channel_id"`
	Status          BatchStatus `db:"status"`
	ErrorFlag       bool        `db:"error_flag"`
	ByteCount       int64       `db:"byte_count"`
	LoadRowCount    int64       `db:"load_row_count"`
	IgnoreCount     int64       `db:"ignore_count"`
	FilterMillis    int64       `db:"filter_millis"`
	DatabaseMillis  int64       `db:"database_millis"`
	FailedRowNumber int64       `db:"failed_row_number"`
	SQLState        string      `db:"sql_state"`
	SQLCode         int         `db:"sql_code"`
	SQLMessage      string      `db:"sql_message"`
	LastUpdateTime  time.Time   `db:"last_update_time"`
	CreateTime      time.Time   `db:"create_time"`
}

// IncomingError represents a row in _relay_incoming_error: a row that needs an operator decision
type IncomingError struct {
	BatchID         int64           `db:"batch_id" json:"batch_id"`
	NodeID          string          `db:"node_id" json:"node_id"`
	FailedRowNumber int64           `db:"failed_row_number" json:"failed_row_number"`
	TableName       string          `db:"table_name" json:"table"`
	EventType       EventType       `db:"event_type" json:"event_type"`
	RowData         json.RawMessage `db:"row_data" json:"row_data,omitempty"`
	OldData         json.RawMessage `db:"old_data" json:"old_data,omitempty"`
	PKData          json.RawMessage `db:"pk_data" json:"pk_data,omitempty"`
	ConflictID      string          `db:"conflict_id" json:"conflict_id"`
	ResolveIgnore   bool            `db:"resolve_ignore" json:"resolve_ignore"`
	ResolveData     json.RawMessage `db:"resolve_data" json:"resolve_data,omitempty"`
	CreateTime      time.Time       `db:"create_time" json:"create_time"`
}

// TriggerHist represents a row in _relay_trigger_hist (schema snapshot of a captured table)
type TriggerHist struct {
	TriggerHistID int64     `db:"trigger_hist_id"`
	TableName     string    `db:"table_name"`
	ChannelID     string    `db:"channel_id"`
	ColumnNames   []string  `db:"column_names"`
	PKColumnNames []string  `db:"pk_column_names"`
	CreateTime    time.Time `db:"create_time"`
}

// joinNodeList encodes a node list for storage
func joinNodeList(nodes []string) string {
	return strings.Join(nodes, ",")
}

// splitNodeList decodes a stored node list
func splitNodeList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
