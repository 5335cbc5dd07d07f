// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultLoadRetries   = 3
	defaultFilterTimeout = 5 * time.Second
	loadRetryBackoff     = 50 * time.Millisecond
)

// LoadFilter decides whether an incoming row is applied. Returning false skips the row.
type LoadFilter interface {
	Filter(ctx context.Context, table string, rec *ChangeRecord) (bool, error)
}

// LoadFilterFunc adapts a function to LoadFilter
type LoadFilterFunc func(ctx context.Context, table string, rec *ChangeRecord) (bool, error)

func (f LoadFilterFunc) Filter(ctx context.Context, table string, rec *ChangeRecord) (bool, error) {
	return f(ctx, table, rec)
}

// Apply results reported to an ApplyOutcomeSink
const (
	ApplyResultApplied        = "applied"
	ApplyResultFiltered       = "filtered"
	ApplyResultIgnored        = "ignored"
	ApplyResultFallbackInsert = "fallback_insert"
	ApplyResultFallbackUpdate = "fallback_update"
	ApplyResultMissingDelete  = "missing_delete"
	ApplyResultConflictWon    = "conflict_won"
	ApplyResultConflictLost   = "conflict_lost"
	ApplyResultResolved       = "resolved"
	ApplyResultScript         = "script"
	ApplyResultSQL            = "sql"
)

// ApplyOutcome describes what happened to one incoming row
type ApplyOutcome struct {
	SourceNodeID string
	BatchID      int64
	Line         int64
	DataID       int64
	Table        string
	EventType    EventType
	Result       string
	ConflictID   string
}

// ApplyOutcomeSink observes every row the loader handles. Calls happen inside the load
// transaction, so a sink must not block and must not touch the database.
type ApplyOutcomeSink interface {
	RowApplied(ctx context.Context, outcome ApplyOutcome)
}

// ConflictError reports a row held for manual resolution
type ConflictError struct {
	ConflictID string
	Table      string
	Line       int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("row %d of %s needs manual resolution (conflict %s)", e.Line, e.Table, e.ConflictID)
}

func (e *ConflictError) Unwrap() error {
	return ErrManualResolutionRequired
}

// DataLoaderOptions tunes a DataLoader
type DataLoaderOptions struct {
	Filter         LoadFilter
	FilterTimeout  time.Duration // 0 = 5s
	FilterFailOpen bool          // apply the row when the filter errors or times out
	Sink           ApplyOutcomeSink
	MaxRetries     int                // attempts per batch on lock contention, 0 = 3
	Tables         *TableInfoProvider // invalidated when a CREATE record changes a table
}

// DataLoader applies incoming batches to the local database and produces their acknowledgements
type DataLoader struct {
	db        *sql.DB
	localNode string
	applier   RowApplier
	conflicts *ConflictSettingsCache
	scripts   *ScriptRegistry
	opts      DataLoaderOptions
	logger    *slog.Logger
	metrics   *PrometheusRecorder
	obs       *stageObserver
}

// NewDataLoader creates a loader for localNode
func NewDataLoader(db *sql.DB, localNode string, applier RowApplier, conflicts *ConflictSettingsCache, scripts *ScriptRegistry, opts DataLoaderOptions, logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *DataLoader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FilterTimeout <= 0 {
		opts.FilterTimeout = defaultFilterTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultLoadRetries
	}
	return &DataLoader{
		db:        db,
		localNode: localNode,
		applier:   applier,
		conflicts: conflicts,
		scripts:   scripts,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		obs:       obs,
	}
}

// loadStats accumulates per-batch counters reported in the ack
type loadStats struct {
	ack        BatchAck
	filterTime time.Duration
	dbTime     time.Duration
}

// rowFailure identifies the row that broke a batch
type rowFailure struct {
	line int64
	row  *PayloadRow
}

// LoadBatches applies each batch of the payload in its own transaction and returns one ack per
// attempted batch. After a batch fails, later batches of the same channel are not attempted.
func (l *DataLoader) LoadBatches(ctx context.Context, sourceNodeID string, payload *BatchPayload) ([]BatchAck, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if sourceNodeID == "" {
		sourceNodeID = payload.SourceNodeID
	}
	if sourceNodeID == "" {
		return nil, fmt.Errorf("payload has no source node")
	}
	if payload.SourceNodeID != "" && payload.SourceNodeID != sourceNodeID {
		return nil, fmt.Errorf("payload from %s claims source %s", sourceNodeID, payload.SourceNodeID)
	}
	failedChannels := make(map[string]bool)
	acks := make([]BatchAck, 0, len(payload.Batches))
	for i := range payload.Batches {
		b := &payload.Batches[i]
		if failedChannels[b.ChannelID] {
			l.logger.Debug("Skipping batch after earlier failure on channel",
				"batch_id", b.BatchID, "channel_id", b.ChannelID, "source_node_id", sourceNodeID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return acks, err
		}
		ack := l.loadBatch(ctx, sourceNodeID, b)
		if !ack.IsOK {
			failedChannels[b.ChannelID] = true
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

func (l *DataLoader) loadBatch(ctx context.Context, source string, b *PayloadBatch) BatchAck {
	started := time.Now()
	total := l.obs.start()

	var (
		stats   *loadStats
		done    *IncomingBatch
		failure *rowFailure
		err     error
	)
	for attempt := 1; ; attempt++ {
		dbStart := l.obs.start()
		stats = &loadStats{}
		done, failure, err = l.loadBatchTx(ctx, source, b, stats)
		l.obs.observe(ctx, MetricsOpLoad, MetricsStageLoadDatabase, dbStart, len(b.Rows), attempt, err != nil)
		if err == nil || !isRetryableTxError(err) || attempt >= l.opts.MaxRetries {
			break
		}
		l.logger.Warn("Retrying batch load after lock contention", "batch_id", b.BatchID, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*loadRetryBackoff); serr != nil {
			err = serr
			break
		}
	}

	ack := stats.ack
	ack.BatchID = b.BatchID
	ack.NodeID = l.localNode
	ack.ByteCount = b.ByteCount
	ack.StartTime = toMillis(started)
	ack.FilterMillis = stats.filterTime.Milliseconds()
	ack.DatabaseMillis = stats.dbTime.Milliseconds()

	switch {
	case done != nil:
		l.logger.Debug("Batch already loaded", "batch_id", b.BatchID, "source_node_id", source)
		ack = BatchAck{
			BatchID:        b.BatchID,
			NodeID:         l.localNode,
			IsOK:           true,
			ByteCount:      done.ByteCount,
			LoadRowCount:   done.LoadRowCount,
			IgnoreCount:    done.IgnoreCount,
			FilterMillis:   done.FilterMillis,
			DatabaseMillis: done.DatabaseMillis,
			StartTime:      toMillis(started),
		}
	case err == nil:
		ack.IsOK = true
		l.logger.Debug("Batch loaded", "batch_id", b.BatchID, "source_node_id", source, "rows", ack.LoadRowCount)
	default:
		ack.IsOK = false
		if failure != nil {
			ack.ErrorLine = failure.line
		}
		ack.SQLState, ack.SQLCode, ack.SQLMessage = sqlErrorDetails(err)
		l.recordFailure(ctx, source, b, failure, err, &ack)
		l.logger.Error("Batch load failed",
			"batch_id", b.BatchID,
			"channel_id", b.ChannelID,
			"source_node_id", source,
			"error_line", ack.ErrorLine,
			"error", err)
	}
	l.obs.observe(ctx, MetricsOpLoad, MetricsStageTotal, total, len(b.Rows), 1, !ack.IsOK)
	return ack
}

// loadBatchTx applies one batch. It returns the stored bookkeeping when the batch was already
// loaded, or the failing row when a row could not be applied.
func (l *DataLoader) loadBatchTx(ctx context.Context, source string, b *PayloadBatch, stats *loadStats) (*IncomingBatch, *rowFailure, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := findIncomingBatch(ctx, tx, b.BatchID, source)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && existing.Status == BatchOK {
		return existing, nil, nil
	}

	var failure *rowFailure
	err = WithCaptureDisabled(ctx, tx, func() error {
		for i := range b.Rows {
			row := &b.Rows[i]
			line := int64(i + 1)
			if err := l.applyRow(ctx, tx, source, b, line, row, stats); err != nil {
				failure = &rowFailure{line: line, row: row}
				return fmt.Errorf("row %d (data %d, %s): %w", line, row.DataID, row.TableName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, failure, err
	}

	if err := upsertIncomingBatch(ctx, tx, &IncomingBatch{
		BatchID:        b.BatchID,
		NodeID:         source,
		ChannelID:      b.ChannelID,
		Status:         BatchOK,
		ByteCount:      b.ByteCount,
		LoadRowCount:   stats.ack.LoadRowCount,
		IgnoreCount:    stats.ack.IgnoreCount,
		FilterMillis:   stats.filterTime.Milliseconds(),
		DatabaseMillis: stats.dbTime.Milliseconds(),
	}); err != nil {
		return nil, nil, err
	}
	if err := deleteIncomingErrors(ctx, tx, b.BatchID, source); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit batch %d: %w", b.BatchID, err)
	}
	return nil, nil, nil
}

// recordFailure stores ER bookkeeping, and the held row for manual conflicts, after the load
// transaction was rolled back
func (l *DataLoader) recordFailure(ctx context.Context, source string, b *PayloadBatch, failure *rowFailure, loadErr error, ack *BatchAck) {
	ctx = context.WithoutCancel(ctx)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.logger.Error("Failed to record batch failure", "batch_id", b.BatchID, "error", err)
		return
	}
	defer tx.Rollback()

	in := &IncomingBatch{
		BatchID:    b.BatchID,
		NodeID:     source,
		ChannelID:  b.ChannelID,
		Status:     BatchError,
		ErrorFlag:  true,
		ByteCount:  b.ByteCount,
		SQLState:   ack.SQLState,
		SQLCode:    ack.SQLCode,
		SQLMessage: ack.SQLMessage,
	}
	if failure != nil {
		in.FailedRowNumber = failure.line
	}
	if err := upsertIncomingBatch(ctx, tx, in); err != nil {
		l.logger.Error("Failed to record batch failure", "batch_id", b.BatchID, "error", err)
		return
	}

	var conflictErr *ConflictError
	if failure != nil && errors.As(loadErr, &conflictErr) {
		if err := insertIncomingError(ctx, tx, &IncomingError{
			BatchID:         b.BatchID,
			NodeID:          source,
			FailedRowNumber: failure.line,
			TableName:       strings.ToLower(failure.row.TableName),
			EventType:       failure.row.EventType,
			RowData:         failure.row.RowData,
			OldData:         failure.row.OldData,
			PKData:          failure.row.PKData,
			ConflictID:      conflictErr.ConflictID,
		}); err != nil {
			l.logger.Error("Failed to record row for manual resolution", "batch_id", b.BatchID, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Error("Failed to commit batch failure", "batch_id", b.BatchID, "error", err)
	}
}

func (l *DataLoader) applyRow(ctx context.Context, tx *sql.Tx, source string, b *PayloadBatch, line int64, row *PayloadRow, stats *loadStats) error {
	rec := row.toChangeRecord(b.ChannelID)
	rec.TableName = strings.ToLower(rec.TableName)
	if rec.SourceNodeID == "" {
		rec.SourceNodeID = source
	}
	outcome := ApplyOutcome{SourceNodeID: source, BatchID: b.BatchID, Line: line, DataID: rec.DataID, Table: rec.TableName, EventType: rec.EventType}

	switch rec.EventType {
	case EventScript:
		call, err := parseScript(rec, b.BatchID)
		if err != nil {
			return err
		}
		call.SourceNodeID = source
		if err := l.scripts.Execute(ctx, tx, call); err != nil {
			return err
		}
		stats.ack.LoadRowCount++
		l.report(ctx, outcome, ApplyResultScript)
		return nil
	case EventSQL, EventCreate:
		if err := l.execStatement(ctx, tx, rec); err != nil {
			return err
		}
		stats.ack.LoadRowCount++
		l.report(ctx, outcome, ApplyResultSQL)
		return nil
	}

	filterStart := time.Now()
	keep, err := l.runFilter(ctx, rec)
	stats.filterTime += time.Since(filterStart)
	if err != nil {
		return err
	}
	if !keep {
		stats.ack.IgnoreCount++
		l.report(ctx, outcome, ApplyResultFiltered)
		return nil
	}

	dbStart := time.Now()
	defer func() { stats.dbTime += time.Since(dbStart) }()
	result, conflictID, err := l.applyDataRow(ctx, tx, source, b, line, rec, stats)
	if err != nil {
		return err
	}
	outcome.ConflictID = conflictID
	l.report(ctx, outcome, result)
	return nil
}

func (l *DataLoader) report(ctx context.Context, outcome ApplyOutcome, result string) {
	if result == ApplyResultApplied || result == ApplyResultConflictWon || result == ApplyResultResolved ||
		result == ApplyResultFallbackInsert || result == ApplyResultFallbackUpdate {
		l.metrics.rowsApplied(outcome.Table, 1)
	}
	if l.opts.Sink == nil {
		return
	}
	outcome.Result = result
	l.opts.Sink.RowApplied(ctx, outcome)
}

// execStatement runs the SQL carried by a SQL or CREATE record: {"sql": "..."}
func (l *DataLoader) execStatement(ctx context.Context, tx *sql.Tx, rec *ChangeRecord) error {
	var body struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(rec.RowData, &body); err != nil {
		return fmt.Errorf("invalid %s record %d: %w", rec.EventType, rec.DataID, err)
	}
	if strings.TrimSpace(body.SQL) == "" {
		return fmt.Errorf("%s record %d carries no statement", rec.EventType, rec.DataID)
	}
	if _, err := tx.ExecContext(ctx, body.SQL); err != nil {
		return err
	}
	if rec.EventType == EventCreate && l.opts.Tables != nil && rec.TableName != "" {
		l.opts.Tables.Invalidate(rec.TableName)
	}
	return nil
}

// runFilter calls the load filter under a deadline. A failing or slow filter either lets the row
// through (fail-open) or fails the batch (fail-closed).
func (l *DataLoader) runFilter(ctx context.Context, rec *ChangeRecord) (bool, error) {
	if l.opts.Filter == nil {
		return true, nil
	}
	fctx, cancel := context.WithTimeout(ctx, l.opts.FilterTimeout)
	defer cancel()

	type result struct {
		keep bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("load filter panicked: %v", r)}
			}
		}()
		keep, err := l.opts.Filter.Filter(fctx, rec.TableName, rec)
		ch <- result{keep: keep, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-fctx.Done():
		res.err = fmt.Errorf("load filter timed out after %s: %w", l.opts.FilterTimeout, fctx.Err())
	}
	if res.err == nil {
		return res.keep, nil
	}
	if l.opts.FilterFailOpen {
		l.logger.Warn("Load filter failed, applying row", "table", rec.TableName, "data_id", rec.DataID, "error", res.err)
		return true, nil
	}
	return false, res.err
}

// applyDataRow applies an INSERT, UPDATE, DELETE or RELOAD row, detecting and resolving conflicts
func (l *DataLoader) applyDataRow(ctx context.Context, tx *sql.Tx, source string, b *PayloadBatch, line int64, rec *ChangeRecord, stats *loadStats) (string, string, error) {
	newRow, err := decodeRow(rec.RowData)
	if err != nil {
		return "", "", err
	}
	oldRow, err := decodeRow(rec.OldData)
	if err != nil {
		return "", "", err
	}
	pk, err := decodeRow(rec.PKData)
	if err != nil {
		return "", "", err
	}
	if len(pk) == 0 {
		return "", "", fmt.Errorf("record %d for %s has no key data", rec.DataID, rec.TableName)
	}
	key := pkKey(rec.PKData)

	held, err := findIncomingError(ctx, tx, b.BatchID, source, line)
	if err != nil {
		return "", "", err
	}
	if held != nil {
		switch {
		case held.ResolveIgnore:
			stats.ack.IgnoreRowCount++
			l.logger.Info("Skipping row by manual resolution", "batch_id", b.BatchID, "line", line, "table", rec.TableName)
			return ApplyResultIgnored, held.ConflictID, nil
		case len(held.ResolveData) > 0:
			data, err := decodeRow(held.ResolveData)
			if err != nil {
				return "", "", err
			}
			if err := l.upsert(ctx, tx, rec.TableName, data, pk); err != nil {
				return "", "", err
			}
			stats.ack.LoadRowCount++
			stats.ack.LoadUpdateRowCount++
			return ApplyResultResolved, held.ConflictID, l.stamp(ctx, tx, rec, key)
		default:
			return "", "", &ConflictError{ConflictID: held.ConflictID, Table: rec.TableName, Line: line}
		}
	}

	if rec.EventType == EventReload {
		if err := l.upsert(ctx, tx, rec.TableName, newRow, pk); err != nil {
			return "", "", err
		}
		stats.ack.LoadRowCount++
		stats.ack.LoadUpdateRowCount++
		return ApplyResultApplied, "", l.stamp(ctx, tx, rec, key)
	}

	setting, err := l.conflicts.Resolve(ctx, tx, b.ChannelID, rec.TableName)
	if err != nil {
		return "", "", err
	}
	current, exists, err := l.applier.Current(ctx, tx, rec.TableName, pk)
	if err != nil {
		return "", "", err
	}

	conflict := detectConflict(setting, rec, newRow, oldRow, current, exists)
	if !conflict && exists && setting.ResolveType == ResolveNewerWins && !setting.usesColumnCompare() &&
		(rec.EventType == EventUpdate || rec.EventType == EventDelete) {
		// the row holds a value from another origin that is not older than this change
		stamp, err := getRowStamp(ctx, tx, rec.TableName, key)
		if err != nil {
			return "", "", err
		}
		conflict = stamp != nil && stamp.SourceNodeID != rec.SourceNodeID && stamp.CaptureMillis >= toMillis(rec.CreateTime)
	}
	if !conflict {
		switch rec.EventType {
		case EventInsert:
			_, err = l.applier.Insert(ctx, tx, rec.TableName, newRow)
			stats.ack.LoadInsertRowCount++
		case EventUpdate:
			_, err = l.applier.Update(ctx, tx, rec.TableName, newRow, pk)
			stats.ack.LoadUpdateRowCount++
		case EventDelete:
			_, err = l.applier.Delete(ctx, tx, rec.TableName, pk)
			stats.ack.LoadDeleteRowCount++
		default:
			return "", "", fmt.Errorf("unsupported event type %q", rec.EventType)
		}
		if err != nil {
			return "", "", err
		}
		stats.ack.LoadRowCount++
		return ApplyResultApplied, "", l.stamp(ctx, tx, rec, key)
	}

	c := &conflictRow{
		source:  source,
		batch:   b,
		line:    line,
		rec:     rec,
		setting: setting,
		newRow:  newRow,
		pk:      pk,
		key:     key,
		current: current,
		exists:  exists,
	}
	result, err := l.resolveConflict(ctx, tx, c, stats)
	return result, setting.ConflictID, err
}

// conflictRow carries everything known about one conflicting row
type conflictRow struct {
	source  string
	batch   *PayloadBatch
	line    int64
	rec     *ChangeRecord
	setting *ConflictSetting
	newRow  map[string]any
	pk      map[string]any
	key     string
	current map[string]any
	exists  bool
}

func (l *DataLoader) resolveConflict(ctx context.Context, tx *sql.Tx, c *conflictRow, stats *loadStats) (string, error) {
	s := c.setting
	l.metrics.conflictResolved(s.ResolveType)
	l.logger.Info("Conflict detected",
		"table", c.rec.TableName,
		"pk", c.key,
		"event_type", string(c.rec.EventType),
		"source_node_id", c.source,
		"conflict_id", s.ConflictID,
		"resolve", string(s.ResolveType))

	switch s.ResolveType {
	case ResolveIgnore:
		stats.ack.IgnoreRowCount++
		return ApplyResultIgnored, nil

	case ResolveManual:
		return "", &ConflictError{ConflictID: s.ConflictID, Table: c.rec.TableName, Line: c.line}

	case ResolveFallbackToTargetWins:
		stats.ack.ConflictLoseCount++
		if s.PingBack == PingBackSingleRow {
			if err := l.pingBackTarget(ctx, tx, c); err != nil {
				return "", err
			}
		}
		return ApplyResultConflictLost, nil

	case ResolveFallbackToSourceWins:
		return l.sourceWins(ctx, tx, c, s.PingBack != PingBackOff, stats)

	case ResolveNewerWins:
		stamp, err := getRowStamp(ctx, tx, c.rec.TableName, c.key)
		if err != nil {
			return "", err
		}
		verdict := newerWins(s, c.rec, c.newRow, c.current, stamp, l.localNode, c.source)

		if s.usesColumnCompare() {
			if verdict == outcomeSourceWins {
				return l.sourceWins(ctx, tx, c, s.PingBack != PingBackOff, stats)
			}
			stats.ack.ConflictLoseCount++
			if s.PingBack == PingBackSingleRow {
				if err := l.pingBackTarget(ctx, tx, c); err != nil {
					return "", err
				}
			}
			return ApplyResultConflictLost, nil
		}

		// Capture-time comparison: the winner is recaptured as a pre-routed record so every
		// node converges on it, not only the two that collided.
		if verdict == outcomeSourceWins {
			result, err := l.sourceWins(ctx, tx, c, false, stats)
			if err != nil || result == ApplyResultMissingDelete {
				return result, err
			}
			targets, err := l.peersExcept(ctx, tx, c.source)
			if err != nil {
				return "", err
			}
			if err := l.synthesizeWinner(ctx, tx, c, c.newRow, c.rec.EventType == EventDelete, c.rec.CreateTime, targets); err != nil {
				return "", err
			}
			return result, nil
		}

		stats.ack.ConflictLoseCount++
		winnerTime := time.Now().UTC()
		if stamp != nil {
			winnerTime = fromMillis(stamp.CaptureMillis)
		}
		if err := l.synthesizeWinner(ctx, tx, c, c.current, !c.exists, winnerTime, []string{c.source}); err != nil {
			return "", err
		}
		if !c.batch.LoadFlag {
			req, err := newScriptRecord(ScriptRequestRow,
				rowRequest{Table: c.rec.TableName, PK: c.rec.PKData, Requester: l.localNode},
				c.batch.ChannelID, []string{c.source})
			if err != nil {
				return "", err
			}
			req.TableName = c.rec.TableName
			if _, err := InsertChange(ctx, tx, req); err != nil {
				return "", err
			}
		}
		return ApplyResultConflictLost, nil
	}
	return "", fmt.Errorf("unknown resolve type %q", s.ResolveType)
}

// sourceWins forces the incoming change onto the target row. With rearm set the write happens
// with capture enabled, so the resolved value is itself captured and sent back out.
func (l *DataLoader) sourceWins(ctx context.Context, tx *sql.Tx, c *conflictRow, rearm bool, stats *loadStats) (string, error) {
	result := ApplyResultConflictWon
	write := func() error {
		var err error
		switch c.rec.EventType {
		case EventInsert:
			if c.exists {
				_, err = l.applier.Update(ctx, tx, c.rec.TableName, c.newRow, c.pk)
				stats.ack.FallbackUpdateCount++
				result = ApplyResultFallbackUpdate
			} else {
				_, err = l.applier.Insert(ctx, tx, c.rec.TableName, c.newRow)
				stats.ack.LoadInsertRowCount++
			}
		case EventUpdate:
			if c.exists {
				_, err = l.applier.Update(ctx, tx, c.rec.TableName, c.newRow, c.pk)
				stats.ack.LoadUpdateRowCount++
			} else {
				_, err = l.applier.Insert(ctx, tx, c.rec.TableName, c.newRow)
				stats.ack.FallbackInsertCount++
				result = ApplyResultFallbackInsert
			}
		case EventDelete:
			if !c.exists {
				stats.ack.MissingDeleteCount++
				result = ApplyResultMissingDelete
				return nil
			}
			_, err = l.applier.Delete(ctx, tx, c.rec.TableName, c.pk)
			stats.ack.LoadDeleteRowCount++
		default:
			err = fmt.Errorf("unsupported event type %q", c.rec.EventType)
		}
		return err
	}

	var err error
	if rearm {
		err = WithCaptureEnabled(ctx, tx, write)
	} else {
		err = write()
	}
	if err != nil {
		return "", err
	}
	if result != ApplyResultMissingDelete {
		stats.ack.LoadRowCount++
	}
	stats.ack.ConflictWinCount++
	return result, l.stamp(ctx, tx, c.rec, c.key)
}

// pingBackTarget sends the row this node kept back to the node whose change lost
func (l *DataLoader) pingBackTarget(ctx context.Context, tx *sql.Tx, c *conflictRow) error {
	return l.synthesizeWinner(ctx, tx, c, c.current, !c.exists, time.Now().UTC(), []string{c.source})
}

// synthesizeWinner records the winning value as a pre-routed RELOAD (or DELETE) record for targets
func (l *DataLoader) synthesizeWinner(ctx context.Context, tx *sql.Tx, c *conflictRow, row map[string]any, deleted bool, captured time.Time, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	rec := &ChangeRecord{
		TableName:     c.rec.TableName,
		EventType:     EventReload,
		PKData:        c.rec.PKData,
		ChannelID:     c.batch.ChannelID,
		TransactionID: c.rec.TransactionID,
		NodeList:      targets,
		PreRouted:     true,
		CreateTime:    captured,
	}
	if deleted || row == nil {
		rec.EventType = EventDelete
	} else {
		data, err := encodeRow(row)
		if err != nil {
			return err
		}
		rec.RowData = data
	}
	if _, err := InsertChange(ctx, tx, rec); err != nil {
		return err
	}
	l.logger.Debug("Recaptured conflict winner", "table", rec.TableName, "pk", c.key, "targets", targets, "data_id", rec.DataID)
	return nil
}

func (l *DataLoader) peersExcept(ctx context.Context, q dbtx, exclude string) ([]string, error) {
	peers, err := GetPeers(ctx, q, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.NodeID != exclude && p.NodeID != l.localNode {
			out = append(out, p.NodeID)
		}
	}
	return out, nil
}

// upsert writes row at pk regardless of what is there
func (l *DataLoader) upsert(ctx context.Context, tx *sql.Tx, table string, row, pk map[string]any) error {
	if row == nil {
		_, err := l.applier.Delete(ctx, tx, table, pk)
		return err
	}
	n, err := l.applier.Update(ctx, tx, table, row, pk)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = l.applier.Insert(ctx, tx, table, row)
	}
	return err
}

func (l *DataLoader) stamp(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, key string) error {
	return upsertRowStamp(ctx, tx, rec.TableName, key, rowStamp{
		SourceNodeID:  rec.SourceNodeID,
		CaptureMillis: toMillis(rec.CreateTime),
	})
}
