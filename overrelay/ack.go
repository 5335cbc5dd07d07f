// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Acknowledgement keys. Each key is a prefix followed by the batch id.
const (
	ackBatchPrefix      = "batch-"
	ackNodeIDPrefix     = "nodeId-"
	ackNetworkPrefix    = "network-"
	ackFilterPrefix     = "filter-"
	ackDatabasePrefix   = "database-"
	ackByteCountPrefix  = "byteCount-"
	ackIgnorePrefix     = "ignore-"
	ackSQLStatePrefix   = "sqlState-"
	ackSQLCodePrefix    = "sqlCode-"
	ackSQLMessagePrefix = "sqlMessage-"

	ackLoadRowCountPrefix        = "loadRowCount-"
	ackStartTimePrefix           = "startTime-"
	ackLoadInsertRowCountPrefix  = "loadInsertRowCount-"
	ackLoadUpdateRowCountPrefix  = "loadUpdateRowCount-"
	ackLoadDeleteRowCountPrefix  = "loadDeleteRowCount-"
	ackFallbackInsertCountPrefix = "fallbackInsertCount-"
	ackFallbackUpdateCountPrefix = "fallbackUpdateCount-"
	ackConflictWinCountPrefix    = "conflictWinCount-"
	ackConflictLoseCountPrefix   = "conflictLoseCount-"
	ackIgnoreRowCountPrefix      = "ignoreRowCount-"
	ackMissingDeleteCountPrefix  = "missingDeleteCount-"

	ackOK = "ok"
)

// BatchAck is the receiver's verdict on one batch
type BatchAck struct {
	BatchID        int64  `json:"batch_id"`
	NodeID         string `json:"node_id"`
	IsOK           bool   `json:"ok"`
	ErrorLine      int64  `json:"error_line,omitempty"` // 1-based row number that failed
	NetworkMillis  int64  `json:"network_millis"`
	FilterMillis   int64  `json:"filter_millis"`
	DatabaseMillis int64  `json:"database_millis"`
	ByteCount      int64  `json:"byte_count"`
	IgnoreCount    int64  `json:"ignore_count"`
	SQLState       string `json:"sql_state,omitempty"`
	SQLCode        int    `json:"sql_code,omitempty"`
	SQLMessage     string `json:"sql_message,omitempty"`

	LoadRowCount        int64 `json:"load_row_count"`
	StartTime           int64 `json:"start_time"` // unix millis when loading started
	LoadInsertRowCount  int64 `json:"load_insert_row_count"`
	LoadUpdateRowCount  int64 `json:"load_update_row_count"`
	LoadDeleteRowCount  int64 `json:"load_delete_row_count"`
	FallbackInsertCount int64 `json:"fallback_insert_count"`
	FallbackUpdateCount int64 `json:"fallback_update_count"`
	ConflictWinCount    int64 `json:"conflict_win_count"`
	ConflictLoseCount   int64 `json:"conflict_lose_count"`
	IgnoreRowCount      int64 `json:"ignore_row_count"`
	MissingDeleteCount  int64 `json:"missing_delete_count"`
}

// EncodeAcks renders acknowledgements as two query-string lines: the primary line with status,
// timings and errors, and the extended line with load statistics. Every value is URL-escaped.
func EncodeAcks(acks []BatchAck) (primary, extended string) {
	var p, e []string
	add := func(dst *[]string, prefix string, id int64, value string) {
		*dst = append(*dst, prefix+strconv.FormatInt(id, 10)+"="+url.QueryEscape(value))
	}
	itoa := func(v int64) string { return strconv.FormatInt(v, 10) }

	for _, a := range acks {
		status := ackOK
		if !a.IsOK {
			status = itoa(a.ErrorLine)
		}
		add(&p, ackBatchPrefix, a.BatchID, status)
		add(&p, ackNodeIDPrefix, a.BatchID, a.NodeID)
		add(&p, ackNetworkPrefix, a.BatchID, itoa(a.NetworkMillis))
		add(&p, ackFilterPrefix, a.BatchID, itoa(a.FilterMillis))
		add(&p, ackDatabasePrefix, a.BatchID, itoa(a.DatabaseMillis))
		add(&p, ackByteCountPrefix, a.BatchID, itoa(a.ByteCount))
		add(&p, ackIgnorePrefix, a.BatchID, itoa(a.IgnoreCount))
		if !a.IsOK {
			add(&p, ackSQLStatePrefix, a.BatchID, a.SQLState)
			add(&p, ackSQLCodePrefix, a.BatchID, strconv.Itoa(a.SQLCode))
			add(&p, ackSQLMessagePrefix, a.BatchID, a.SQLMessage)
		}

		add(&e, ackLoadRowCountPrefix, a.BatchID, itoa(a.LoadRowCount))
		add(&e, ackStartTimePrefix, a.BatchID, itoa(a.StartTime))
		add(&e, ackLoadInsertRowCountPrefix, a.BatchID, itoa(a.LoadInsertRowCount))
		add(&e, ackLoadUpdateRowCountPrefix, a.BatchID, itoa(a.LoadUpdateRowCount))
		add(&e, ackLoadDeleteRowCountPrefix, a.BatchID, itoa(a.LoadDeleteRowCount))
		add(&e, ackFallbackInsertCountPrefix, a.BatchID, itoa(a.FallbackInsertCount))
		add(&e, ackFallbackUpdateCountPrefix, a.BatchID, itoa(a.FallbackUpdateCount))
		add(&e, ackConflictWinCountPrefix, a.BatchID, itoa(a.ConflictWinCount))
		add(&e, ackConflictLoseCountPrefix, a.BatchID, itoa(a.ConflictLoseCount))
		add(&e, ackIgnoreRowCountPrefix, a.BatchID, itoa(a.IgnoreRowCount))
		add(&e, ackMissingDeleteCountPrefix, a.BatchID, itoa(a.MissingDeleteCount))
	}
	return strings.Join(p, "&"), strings.Join(e, "&")
}

// ReadAcknowledgementLines decodes the primary and extended lines together
func ReadAcknowledgementLines(primary, extended string) ([]BatchAck, error) {
	switch {
	case primary == "":
		return ReadAcknowledgement(extended)
	case extended == "":
		return ReadAcknowledgement(primary)
	default:
		return ReadAcknowledgement(primary + "&" + extended)
	}
}

// ReadAcknowledgement decodes an acknowledgement parameter string. One BatchAck is produced per
// batch-<id> key, ordered by batch id. Companion keys that are missing or unparsable leave their
// field at the zero value; unknown keys and batch keys without a numeric id are skipped.
func ReadAcknowledgement(params string) ([]BatchAck, error) {
	values := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimPrefix(strings.TrimSpace(params), "&"), "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		values[k] = v
	}

	var acks []BatchAck
	for k, status := range values {
		if !strings.HasPrefix(k, ackBatchPrefix) {
			continue
		}
		idText := strings.TrimPrefix(k, ackBatchPrefix)
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			slog.Debug("Skipping acknowledgement with invalid batch id", "key", k, "value", status)
			continue
		}
		a := BatchAck{BatchID: id}
		if strings.EqualFold(strings.TrimSpace(status), ackOK) {
			a.IsOK = true
		} else {
			a.ErrorLine = parseAckInt(status)
		}
		get := func(prefix string) string { return values[prefix+idText] }
		a.NodeID = get(ackNodeIDPrefix)
		a.NetworkMillis = parseAckInt(get(ackNetworkPrefix))
		a.FilterMillis = parseAckInt(get(ackFilterPrefix))
		a.DatabaseMillis = parseAckInt(get(ackDatabasePrefix))
		a.ByteCount = parseAckInt(get(ackByteCountPrefix))
		a.IgnoreCount = parseAckInt(get(ackIgnorePrefix))
		a.SQLState = get(ackSQLStatePrefix)
		a.SQLCode = int(parseAckInt(get(ackSQLCodePrefix)))
		a.SQLMessage = get(ackSQLMessagePrefix)
		a.LoadRowCount = parseAckInt(get(ackLoadRowCountPrefix))
		a.StartTime = parseAckInt(get(ackStartTimePrefix))
		a.LoadInsertRowCount = parseAckInt(get(ackLoadInsertRowCountPrefix))
		a.LoadUpdateRowCount = parseAckInt(get(ackLoadUpdateRowCountPrefix))
		a.LoadDeleteRowCount = parseAckInt(get(ackLoadDeleteRowCountPrefix))
		a.FallbackInsertCount = parseAckInt(get(ackFallbackInsertCountPrefix))
		a.FallbackUpdateCount = parseAckInt(get(ackFallbackUpdateCountPrefix))
		a.ConflictWinCount = parseAckInt(get(ackConflictWinCountPrefix))
		a.ConflictLoseCount = parseAckInt(get(ackConflictLoseCountPrefix))
		a.IgnoreRowCount = parseAckInt(get(ackIgnoreRowCountPrefix))
		a.MissingDeleteCount = parseAckInt(get(ackMissingDeleteCountPrefix))
		acks = append(acks, a)
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].BatchID < acks[j].BatchID })
	return acks, nil
}

func parseAckInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// RegistrationCompleter finishes a node registration when its virtual batch is acknowledged
type RegistrationCompleter interface {
	CompleteRegistration(ctx context.Context, nodeID string) error
}

// AckService applies acknowledgements to outgoing batches
type AckService struct {
	db        *sql.DB
	registrar RegistrationCompleter
	hostName  string
	logger    *slog.Logger
	metrics   *PrometheusRecorder
	obs       *stageObserver
}

// NewAckService creates an ack processor; registrar may be nil when registration is not served
func NewAckService(db *sql.DB, registrar RegistrationCompleter, hostName string, logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *AckService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AckService{db: db, registrar: registrar, hostName: hostName, logger: logger, metrics: metrics, obs: obs}
}

// Ack applies one acknowledgement. Applying the same ack twice leaves the batch in the same state
// as applying it once: counters are overwritten, never accumulated, and acks for batches that are
// already OK are ignored.
func (s *AckService) Ack(ctx context.Context, ack BatchAck) (err error) {
	start := s.obs.start()
	defer func() { s.obs.observe(ctx, MetricsOpAck, MetricsStageTotal, start, 1, 1, err != nil) }()

	if ack.BatchID == VirtualRegistrationBatchID {
		if !ack.IsOK {
			s.logger.Warn("Registration batch failed on node", "node_id", ack.NodeID, "sql_message", ack.SQLMessage)
			return nil
		}
		if s.registrar == nil {
			return fmt.Errorf("%w: registration is not served by this node", ErrRegistrationRequired)
		}
		return s.registrar.CompleteRegistration(ctx, ack.NodeID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack transaction: %w", err)
	}
	defer tx.Rollback()

	batch, err := findOutgoingBatch(ctx, tx, ack.BatchID)
	if err != nil {
		return err
	}
	if batch.Status == BatchOK {
		s.logger.Debug("Ignoring ack for batch already OK", "batch_id", ack.BatchID)
		return nil
	}
	if ack.NodeID != "" && ack.NodeID != batch.NodeID {
		return fmt.Errorf("ack for batch %d came from %s but the batch targets %s", ack.BatchID, ack.NodeID, batch.NodeID)
	}

	status := BatchOK
	var failedDataID int64
	if !ack.IsOK {
		status = BatchError
		if ack.ErrorLine > 0 {
			failedDataID, err = dataIDAtLine(ctx, tx, ack.BatchID, ack.ErrorLine)
			if err != nil {
				return err
			}
		}
	}
	sqlState, sqlCode, sqlMessage := ack.SQLState, ack.SQLCode, ack.SQLMessage
	if ack.IsOK {
		sqlState, sqlCode, sqlMessage = "", 0, ""
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE _relay_outgoing_batch SET
			status = ?,
			error_flag = CASE WHEN ? = 'ER' THEN 1 ELSE error_flag END,
			network_millis = ?, filter_millis = ?, load_millis = ?,
			byte_count = CASE WHEN ? > 0 THEN ? ELSE byte_count END,
			ignore_count = ?, load_count = ?,
			failed_line_number = ?, failed_data_id = ?,
			sql_state = ?, sql_code = ?, sql_message = ?,
			last_update_hostname = ?, last_update_time = ?
		WHERE batch_id = ?`,
		string(status), string(status),
		ack.NetworkMillis, ack.FilterMillis, ack.DatabaseMillis,
		ack.ByteCount, ack.ByteCount,
		ack.IgnoreCount, ack.LoadRowCount,
		ack.ErrorLine, failedDataID,
		sqlState, sqlCode, sqlMessage,
		s.hostName, toMillis(time.Now()), ack.BatchID)
	if err != nil {
		return fmt.Errorf("failed to apply ack to batch %d: %w", ack.BatchID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack for batch %d: %w", ack.BatchID, err)
	}

	s.metrics.ackProcessed(ack.IsOK)
	if ack.IsOK {
		s.logger.Debug("Batch acknowledged", "batch_id", ack.BatchID, "node_id", batch.NodeID)
	} else {
		s.logger.Warn("Batch failed on remote node",
			"batch_id", ack.BatchID,
			"node_id", batch.NodeID,
			"channel_id", batch.ChannelID,
			"error_line", ack.ErrorLine,
			"failed_data_id", failedDataID,
			"sql_state", ack.SQLState,
			"sql_message", ack.SQLMessage)
	}
	return nil
}

// AckAll applies every acknowledgement and returns the joined failures
func (s *AckService) AckAll(ctx context.Context, acks []BatchAck) error {
	var errs []error
	for _, a := range acks {
		if err := s.Ack(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", a.BatchID, err))
		}
	}
	return errors.Join(errs...)
}

// dataIDAtLine maps a 1-based row number within a batch to its data id
func dataIDAtLine(ctx context.Context, q dbtx, batchID, line int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT data_id FROM _relay_data_event WHERE batch_id = ?
		ORDER BY data_id LIMIT 1 OFFSET ?`, batchID, line-1).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve failed row %d of batch %d: %w", line, batchID, err)
	}
	return id, nil
}
