// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"encoding/json"
)

// REST/JSON models for the relay HTTP API

// BatchPayload is the body of a push request and of a pull response
type BatchPayload struct {
	SourceNodeID string         `json:"source_node_id"` // Node that extracted the batches
	Batches      []PayloadBatch `json:"batches"`        // Ordered by channel processing order, then batch id
}

// PayloadBatch is one outgoing batch on the wire
type PayloadBatch struct {
	BatchID   int64        `json:"batch_id"`
	ChannelID string       `json:"channel_id"`
	LoadFlag  bool         `json:"load_flag,omitempty"` // Batch belongs to a reload channel
	ByteCount int64        `json:"byte_count"`
	Rows      []PayloadRow `json:"rows"` // Ordered by data id
}

// PayloadRow is one change record on the wire
type PayloadRow struct {
	DataID        int64           `json:"data_id"`
	TableName     string          `json:"table"`
	EventType     EventType       `json:"event_type"`
	RowData       json.RawMessage `json:"row_data,omitempty"`
	OldData       json.RawMessage `json:"old_data,omitempty"`
	PKData        json.RawMessage `json:"pk_data,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SourceNodeID  string          `json:"source_node_id,omitempty"` // Origin of the change; empty when captured on the sender
	CreateTime    int64           `json:"create_time"`              // Capture time, unix millis
}

// PushResponse carries the acknowledgement lines for a push
type PushResponse struct {
	Acks     string `json:"acks"`
	AcksExt  string `json:"acks_ext"`
	Accepted int    `json:"accepted"`
}

// AckRequest posts acknowledgement lines after a pull
type AckRequest struct {
	Acks    string `json:"acks"`
	AcksExt string `json:"acks_ext"`
}

// AckResponse reports how many acknowledgements were applied
type AckResponse struct {
	Applied int `json:"applied"`
}

// RegisterRequest asks a peer to register this node
type RegisterRequest struct {
	NodeID  string `json:"node_id"`
	SyncURL string `json:"sync_url"`
}

// RegisterResponse hands back the node token and the virtual batch to acknowledge
type RegisterResponse struct {
	NodeID         string `json:"node_id"`          // Registering node
	RegistryNodeID string `json:"registry_node_id"` // Node that accepted the registration
	Token          string `json:"token"`
	BatchID        int64  `json:"batch_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents node status
type HealthResponse struct {
	Status   string              `json:"status"` // healthy, degraded
	NodeID   string              `json:"node_id"`
	Batches  map[BatchStatus]int `json:"batches"`
	OpenGaps int                 `json:"open_gaps"`
}

func (r *PayloadRow) toChangeRecord(channelID string) *ChangeRecord {
	return &ChangeRecord{
		DataID:        r.DataID,
		TableName:     r.TableName,
		EventType:     r.EventType,
		RowData:       r.RowData,
		OldData:       r.OldData,
		PKData:        r.PKData,
		ChannelID:     channelID,
		TransactionID: r.TransactionID,
		SourceNodeID:  r.SourceNodeID,
		CreateTime:    fromMillis(r.CreateTime),
	}
}

func payloadRowFrom(rec *ChangeRecord) PayloadRow {
	return PayloadRow{
		DataID:        rec.DataID,
		TableName:     rec.TableName,
		EventType:     rec.EventType,
		RowData:       rec.RowData,
		OldData:       rec.OldData,
		PKData:        rec.PKData,
		TransactionID: rec.TransactionID,
		SourceNodeID:  rec.SourceNodeID,
		CreateTime:    toMillis(rec.CreateTime),
	}
}

// byteSize approximates the wire size of a row
func (r *PayloadRow) byteSize() int64 {
	return int64(len(r.RowData) + len(r.OldData) + len(r.PKData) + len(r.TableName) + len(r.TransactionID))
}
