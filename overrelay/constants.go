// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import "math"

// Event type codes stored in _relay_data.event_type
const (
	EventInsert EventType = "I"
	EventUpdate EventType = "U"
	EventDelete EventType = "D"
	EventReload EventType = "R"
	EventSQL    EventType = "S"
	EventCreate EventType = "C"
	EventScript EventType = "X"
)

// Outgoing/incoming batch status codes
const (
	BatchNew     BatchStatus = "NE"
	BatchQueued  BatchStatus = "QY"
	BatchSending BatchStatus = "SE"
	BatchLoading BatchStatus = "LD"
	BatchError   BatchStatus = "ER"
	BatchOK      BatchStatus = "OK"
)

// Data gap status codes
const (
	GapOpen GapStatus = "GP"
	GapSkip GapStatus = "SK"
	GapOK   GapStatus = "OK"
)

const (
	// OpenEnd is the exclusive upper bound of the last, still growing gap.
	OpenEnd int64 = math.MaxInt64

	// VirtualRegistrationBatchID is acknowledged by a registering node instead of a real batch.
	VirtualRegistrationBatchID int64 = -9999

	// UnroutedNodeID owns the batch that collects change records routed to no node.
	UnroutedNodeID = "-1"

	// ConfigChannelID is always extracted, even when data extraction is disabled.
	ConfigChannelID = "config"

	// DefaultChannelID is used for captured tables without an explicit channel.
	DefaultChannelID = "default"
)

// Lock names
const (
	lockRoutePrefix = "route."
	lockPushPrefix  = "push."
)

// Custom HTTP status codes used by the transport
const (
	StatusRegistrationRequired = 656
	StatusSyncDisabled         = 658
	StatusServiceBusy          = 670
)

// Sequence names in _relay_sequence
const (
	seqOutgoingBatch = "outgoing_batch"
)

const outgoingBatchSeqStart = 1
