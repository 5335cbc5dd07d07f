// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Extractor turns outgoing batches into wire payloads and drives the sending half of the
// batch lifecycle.
type Extractor struct {
	db         *sql.DB
	localNode  string
	batches    *OutgoingBatchService
	maxBatches int
	logger     *slog.Logger
	metrics    *PrometheusRecorder
	obs        *stageObserver
}

// NewExtractor creates an extractor. maxBatches caps batches per payload (0 = no cap).
func NewExtractor(db *sql.DB, localNode string, batches *OutgoingBatchService, maxBatches int, logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		db:         db,
		localNode:  localNode,
		batches:    batches,
		maxBatches: maxBatches,
		logger:     logger,
		metrics:    metrics,
		obs:        obs,
	}
}

// ExtractBatches selects the batches due for nodeID, moves each to SE and loads its rows.
// Batches left QY, SE or LD by an earlier unacknowledged attempt pass through ER without being
// flagged as failed, so the only backward edge taken is ER -> SE.
func (e *Extractor) ExtractBatches(ctx context.Context, nodeID string) (*BatchPayload, error) {
	start := e.obs.start()
	selection, err := e.batches.GetOutgoingBatches(ctx, nodeID, time.Now())
	if err != nil {
		return nil, err
	}

	payload := &BatchPayload{SourceNodeID: e.localNode}
	for _, b := range selection.Batches {
		if e.maxBatches > 0 && len(payload.Batches) >= e.maxBatches {
			break
		}
		pb, err := e.extractOne(ctx, b)
		if err != nil {
			e.obs.observe(ctx, MetricsOpExtract, MetricsStageTotal, start, len(payload.Batches), 1, true)
			return nil, err
		}
		payload.Batches = append(payload.Batches, *pb)
	}
	e.obs.observe(ctx, MetricsOpExtract, MetricsStageTotal, start, len(payload.Batches), 1, false)
	if len(payload.Batches) > 0 {
		e.logger.Debug("Extracted batches", "node_id", nodeID, "batches", len(payload.Batches))
	}
	return payload, nil
}

func (e *Extractor) extractOne(ctx context.Context, b *OutgoingBatch) (*PayloadBatch, error) {
	started := time.Now()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin extract transaction: %w", err)
	}
	defer tx.Rollback()

	switch b.Status {
	case BatchNew:
		for _, to := range []BatchStatus{BatchQueued, BatchSending} {
			if err := e.batches.UpdateStatus(ctx, tx, b.BatchID, to); err != nil {
				return nil, err
			}
		}
	case BatchQueued, BatchSending, BatchLoading:
		// Not acknowledged yet, e.g. skipped by the receiver behind a failed batch. It did not fail.
		e.logger.Info("Resending unacknowledged batch", "batch_id", b.BatchID, "status", string(b.Status))
		if err := e.batches.requeue(ctx, tx, b.BatchID); err != nil {
			return nil, err
		}
	case BatchError:
		if err := e.batches.UpdateStatus(ctx, tx, b.BatchID, BatchSending); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, b.BatchID, b.Status)
	}

	recs, err := dataForBatch(ctx, tx, b.BatchID)
	if err != nil {
		return nil, err
	}
	pb := &PayloadBatch{BatchID: b.BatchID, ChannelID: b.ChannelID, LoadFlag: b.LoadFlag, Rows: make([]PayloadRow, 0, len(recs))}
	for _, rec := range recs {
		row := payloadRowFrom(rec)
		pb.ByteCount += row.byteSize()
		pb.Rows = append(pb.Rows, row)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _relay_outgoing_batch
		SET extract_count = extract_count + 1, byte_count = ?, extract_millis = ?
		WHERE batch_id = ?`, pb.ByteCount, time.Since(started).Milliseconds(), b.BatchID); err != nil {
		return nil, fmt.Errorf("failed to record extract of batch %d: %w", b.BatchID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit extract of batch %d: %w", b.BatchID, err)
	}
	return pb, nil
}

// MarkSent moves sent batches to LD, waiting for their acknowledgement
func (e *Extractor) MarkSent(ctx context.Context, nodeID string, payload *BatchPayload, networkMillis int64) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin send transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range payload.Batches {
		if err := e.batches.UpdateStatus(ctx, tx, b.BatchID, BatchLoading); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _relay_outgoing_batch SET sent_count = sent_count + 1, network_millis = ?
			WHERE batch_id = ?`, networkMillis, b.BatchID); err != nil {
			return fmt.Errorf("failed to record send of batch %d: %w", b.BatchID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send: %w", err)
	}
	for _, b := range payload.Batches {
		e.metrics.batchSent(nodeID, b.ChannelID)
	}
	return nil
}

// MarkSendFailed moves batches that never reached the peer to ER
func (e *Extractor) MarkSendFailed(ctx context.Context, payload *BatchPayload, sendErr error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin send-failure transaction: %w", err)
	}
	defer tx.Rollback()

	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}
	for _, b := range payload.Batches {
		if err := e.batches.UpdateStatus(ctx, tx, b.BatchID, BatchError); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _relay_outgoing_batch SET sql_message = ? WHERE batch_id = ?`, msg, b.BatchID); err != nil {
			return fmt.Errorf("failed to record send failure of batch %d: %w", b.BatchID, err)
		}
	}
	return tx.Commit()
}
