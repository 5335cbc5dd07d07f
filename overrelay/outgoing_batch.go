// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrBatchNotFound     = errors.New("outgoing batch not found")
	ErrInvalidTransition = errors.New("invalid batch status transition")
)

const outgoingBatchColumns = `b.batch_id, b.node_id, b.channel_id, b.status, b.load_flag, b.error_flag,
	b.insert_event_count, b.update_event_count, b.delete_event_count, b.reload_event_count, b.other_event_count,
	b.data_row_count, b.byte_count, b.extract_count, b.sent_count, b.load_count, b.ignore_count,
	b.router_millis, b.network_millis, b.filter_millis, b.load_millis, b.extract_millis,
	b.failed_data_id, b.failed_line_number, b.sql_state, b.sql_code, b.sql_message,
	b.last_update_hostname, b.last_update_time, b.create_time`

// canTransition reports whether the outgoing batch state machine allows from -> to.
// NE->QY->SE->LD->OK is the forward path, any non-OK status may fail to ER, and ER->SE is the
// only backward edge (a retry).
func canTransition(from, to BatchStatus) bool {
	if from == to {
		return true
	}
	if from == BatchOK {
		return false
	}
	switch to {
	case BatchError:
		return true
	case BatchQueued:
		return from == BatchNew
	case BatchSending:
		return from == BatchQueued || from == BatchError
	case BatchLoading:
		return from == BatchSending
	case BatchOK:
		return from == BatchLoading
	default:
		return false
	}
}

// OutgoingBatches is an ordered selection of batches offered to one node
type OutgoingBatches struct {
	NodeID  string
	Batches []*OutgoingBatch
}

// BatchIDs returns the ids in offer order
func (o *OutgoingBatches) BatchIDs() []int64 {
	ids := make([]int64, 0, len(o.Batches))
	for _, b := range o.Batches {
		ids = append(ids, b.BatchID)
	}
	return ids
}

// BatchFilter narrows ListOutgoingBatches
type BatchFilter struct {
	NodeID    string
	ChannelID string
	Statuses  []BatchStatus
	Limit     int
}

// OutgoingBatchService reads and transitions outgoing batches
type OutgoingBatchService struct {
	db                   *sql.DB
	dataExtractorEnabled bool
	hostName             string
	logger               *slog.Logger
}

// NewOutgoingBatchService creates a batch service. When dataExtractorEnabled is false only the
// config channel is offered to peers.
func NewOutgoingBatchService(db *sql.DB, dataExtractorEnabled bool, hostName string, logger *slog.Logger) *OutgoingBatchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutgoingBatchService{db: db, dataExtractorEnabled: dataExtractorEnabled, hostName: hostName, logger: logger}
}

// GetOutgoingBatches returns the non-terminal batches for nodeID in the order they must be offered:
// channel processing order, then batch id. Channels that are disabled, outside their send window or
// switched off by the extractor flag are left out, and each channel contributes at most
// max_batch_to_send batches. Errored batches keep their position at the head of their channel.
func (s *OutgoingBatchService) GetOutgoingBatches(ctx context.Context, nodeID string, now time.Time) (*OutgoingBatches, error) {
	channels, err := GetChannels(ctx, s.db)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byID[c.ChannelID] = c
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outgoingBatchColumns+`
		FROM _relay_outgoing_batch b
		LEFT JOIN _relay_channel c ON c.channel_id = b.channel_id
		WHERE b.node_id = ? AND b.status <> ?
		ORDER BY COALESCE(c.processing_order, 0), b.channel_id, b.batch_id`, nodeID, string(BatchOK))
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing batches for %s: %w", nodeID, err)
	}
	batches, err := scanOutgoingBatches(rows)
	if err != nil {
		return nil, err
	}

	out := &OutgoingBatches{NodeID: nodeID}
	perChannel := make(map[string]int)
	for _, b := range batches {
		c, ok := byID[b.ChannelID]
		if !ok {
			s.logger.Warn("Outgoing batch references unknown channel", "batch_id", b.BatchID, "channel_id", b.ChannelID)
			continue
		}
		if !c.Enabled || !c.InWindow(now) {
			continue
		}
		if !s.dataExtractorEnabled && c.ChannelID != ConfigChannelID {
			continue
		}
		if c.MaxBatchToSend > 0 && perChannel[c.ChannelID] >= c.MaxBatchToSend {
			continue
		}
		perChannel[c.ChannelID]++
		out.Batches = append(out.Batches, b)
	}
	return out, nil
}

// UpdateStatus moves a batch to status to, enforcing the state machine. Entering ER sets the
// batch's error flag.
func (s *OutgoingBatchService) UpdateStatus(ctx context.Context, q dbtx, batchID int64, to BatchStatus) error {
	return s.updateStatus(ctx, q, batchID, to, to == BatchError)
}

// requeue takes an in-flight batch whose attempt never completed back to SE through ER without
// flagging it as failed.
func (s *OutgoingBatchService) requeue(ctx context.Context, q dbtx, batchID int64) error {
	if err := s.updateStatus(ctx, q, batchID, BatchError, false); err != nil {
		return err
	}
	return s.updateStatus(ctx, q, batchID, BatchSending, false)
}

func (s *OutgoingBatchService) updateStatus(ctx context.Context, q dbtx, batchID int64, to BatchStatus, flagError bool) error {
	var from string
	if err := q.QueryRowContext(ctx, `SELECT status FROM _relay_outgoing_batch WHERE batch_id = ?`, batchID).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrBatchNotFound, batchID)
		}
		return fmt.Errorf("failed to read batch %d status: %w", batchID, err)
	}
	if !canTransition(BatchStatus(from), to) {
		return fmt.Errorf("%w: batch %d %s -> %s", ErrInvalidTransition, batchID, from, to)
	}
	if BatchStatus(from) == to {
		return nil
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE _relay_outgoing_batch
		SET status = ?, error_flag = CASE WHEN ? THEN 1 ELSE error_flag END,
			last_update_hostname = ?, last_update_time = ?
		WHERE batch_id = ?`,
		string(to), flagError, s.hostName, toMillis(time.Now()), batchID); err != nil {
		return fmt.Errorf("failed to update batch %d status: %w", batchID, err)
	}
	s.logger.Debug("Batch status changed", "batch_id", batchID, "from", from, "to", string(to))
	return nil
}

// FindOutgoingBatch loads one batch by id
func (s *OutgoingBatchService) FindOutgoingBatch(ctx context.Context, batchID int64) (*OutgoingBatch, error) {
	return findOutgoingBatch(ctx, s.db, batchID)
}

func findOutgoingBatch(ctx context.Context, q dbtx, batchID int64) (*OutgoingBatch, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+outgoingBatchColumns+` FROM _relay_outgoing_batch b WHERE b.batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %d: %w", batchID, err)
	}
	batches, err := scanOutgoingBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrBatchNotFound, batchID)
	}
	return batches[0], nil
}

// CountByStatus returns batch counts per status for nodeID (all nodes when empty)
func (s *OutgoingBatchService) CountByStatus(ctx context.Context, nodeID string) (map[BatchStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM _relay_outgoing_batch`
	var args []any
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	defer rows.Close()

	out := make(map[BatchStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan batch count: %w", err)
		}
		out[BatchStatus(st)] = n
	}
	return out, rows.Err()
}

// ListOutgoingBatches returns batches matching filter, newest first
func (s *OutgoingBatchService) ListOutgoingBatches(ctx context.Context, filter BatchFilter) ([]*OutgoingBatch, error) {
	var where []string
	var args []any
	if filter.NodeID != "" {
		where = append(where, "b.node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.ChannelID != "" {
		where = append(where, "b.channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		where = append(where, "b.status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + outgoingBatchColumns + ` FROM _relay_outgoing_batch b`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY b.batch_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return scanOutgoingBatches(rows)
}

// nextBatchID allocates the next id from the batch sequence inside tx
func nextBatchID(ctx context.Context, q dbtx) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		UPDATE _relay_sequence SET current_value = current_value + 1
		WHERE sequence_name = ? RETURNING current_value`, seqOutgoingBatch).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch id: %w", err)
	}
	return id, nil
}

func insertOutgoingBatch(ctx context.Context, q dbtx, b *OutgoingBatch) error {
	now := time.Now().UTC()
	if b.CreateTime.IsZero() {
		b.CreateTime = now
	}
	b.LastUpdateTime = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_outgoing_batch (batch_id, node_id, channel_id, status, load_flag, error_flag,
			last_update_hostname, last_update_time, create_time)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		b.BatchID, b.NodeID, b.ChannelID, string(b.Status), boolToInt(b.LoadFlag),
		b.LastUpdateHostName, toMillis(b.LastUpdateTime), toMillis(b.CreateTime))
	if err != nil {
		return fmt.Errorf("failed to insert batch %d: %w", b.BatchID, err)
	}
	return nil
}

// saveBatchCounters persists the routing counters of a batch
func saveBatchCounters(ctx context.Context, q dbtx, b *OutgoingBatch) error {
	_, err := q.ExecContext(ctx, `
		UPDATE _relay_outgoing_batch SET
			insert_event_count = ?, update_event_count = ?, delete_event_count = ?,
			reload_event_count = ?, other_event_count = ?, data_row_count = ?,
			router_millis = ?, last_update_time = ?
		WHERE batch_id = ?`,
		b.InsertEventCount, b.UpdateEventCount, b.DeleteEventCount, b.ReloadEventCount, b.OtherEventCount,
		b.DataRowCount, b.RouterMillis, toMillis(time.Now()), b.BatchID)
	if err != nil {
		return fmt.Errorf("failed to save batch %d counters: %w", b.BatchID, err)
	}
	return nil
}

func insertDataEvent(ctx context.Context, q dbtx, dataID, batchID int64) error {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO _relay_data_event (data_id, batch_id) VALUES (?, ?)`, dataID, batchID); err != nil {
		return fmt.Errorf("failed to insert data event %d/%d: %w", dataID, batchID, err)
	}
	return nil
}

func scanOutgoingBatches(rows *sql.Rows) ([]*OutgoingBatch, error) {
	defer rows.Close()

	var out []*OutgoingBatch
	for rows.Next() {
		var (
			b                      OutgoingBatch
			status                 string
			loadFlag, errorFlag    int
			lastUpdated, createdAt int64
		)
		if err := rows.Scan(&b.BatchID, &b.NodeID, &b.ChannelID, &status, &loadFlag, &errorFlag,
			&b.InsertEventCount, &b.UpdateEventCount, &b.DeleteEventCount, &b.ReloadEventCount, &b.OtherEventCount,
			&b.DataRowCount, &b.ByteCount, &b.ExtractCount, &b.SentCount, &b.LoadCount, &b.IgnoreCount,
			&b.RouterMillis, &b.NetworkMillis, &b.FilterMillis, &b.LoadMillis, &b.ExtractMillis,
			&b.FailedDataID, &b.FailedLineNumber, &b.SQLState, &b.SQLCode, &b.SQLMessage,
			&b.LastUpdateHostName, &lastUpdated, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing batch: %w", err)
		}
		b.Status = BatchStatus(status)
		b.LoadFlag = loadFlag != 0
		b.ErrorFlag = errorFlag != 0
		b.LastUpdateTime = fromMillis(lastUpdated)
		b.CreateTime = fromMillis(createdAt)
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outgoing batches: %w", err)
	}
	return out, nil
}
