// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DetectType selects how a conflict is recognized
type DetectType string

// ResolveType selects who wins a conflict
type ResolveType string

// PingBack selects whether the resolved value is sent back to peers
type PingBack string

const (
	DetectUsePKData      DetectType = "USE_PK_DATA"
	DetectUseChangedData DetectType = "USE_CHANGED_DATA"
	DetectUseTimestamp   DetectType = "USE_TIMESTAMP"
	DetectUseVersion     DetectType = "USE_VERSION"
)

const (
	ResolveNewerWins            ResolveType = "NEWER_WINS"
	ResolveFallbackToSourceWins ResolveType = "FALLBACK_TO_SOURCE_WINS"
	ResolveFallbackToTargetWins ResolveType = "FALLBACK_TO_TARGET_WINS"
	ResolveManual               ResolveType = "MANUAL"
	ResolveIgnore               ResolveType = "IGNORE"
)

const (
	PingBackOff        PingBack = "OFF"
	PingBackSingleRow  PingBack = "SINGLE_ROW"
	PingBackSourceWins PingBack = "SOURCE_WINS"
)

// ConflictSetting represents a row in _relay_conflict.
// Scope: both target fields empty is a default setting, a channel only applies to that channel,
// and a table applies to that table (optionally only within the channel).
type ConflictSetting struct {
	ConflictID       string      `db:"conflict_id" yaml:"id" json:"conflict_id"`
	TargetChannelID  string      `db:"target_channel_id" yaml:"channel" json:"target_channel_id,omitempty"`
	TargetTableName  string      `db:"target_table_name" yaml:"table" json:"target_table_name,omitempty"`
	DetectType       DetectType  `db:"detect_type" yaml:"detect" json:"detect_type"`
	DetectExpression string      `db:"detect_expression" yaml:"detect_expression" json:"detect_expression,omitempty"`
	ResolveType      ResolveType `db:"resolve_type" yaml:"resolve" json:"resolve_type"`
	PingBack         PingBack    `db:"ping_back" yaml:"ping_back" json:"ping_back"`
	CreateTime       time.Time   `db:"create_time" yaml:"-" json:"create_time"`
	LastUpdateTime   time.Time   `db:"last_update_time" yaml:"-" json:"last_update_time"`
}

// implicitConflictSetting applies when no setting matches a row
var implicitConflictSetting = ConflictSetting{
	DetectType:  DetectUsePKData,
	ResolveType: ResolveFallbackToSourceWins,
	PingBack:    PingBackOff,
}

// IsDefault reports whether the setting has no channel or table scope
func (c *ConflictSetting) IsDefault() bool {
	return c.TargetChannelID == "" && c.TargetTableName == ""
}

// usesColumnCompare reports whether detection reads a timestamp or version column
func (c *ConflictSetting) usesColumnCompare() bool {
	return c.DetectType == DetectUseTimestamp || c.DetectType == DetectUseVersion
}

// Validate checks enum values and required expressions
func (c *ConflictSetting) Validate() error {
	if c.ConflictID == "" {
		return fmt.Errorf("conflict id is required")
	}
	switch c.DetectType {
	case DetectUsePKData, DetectUseChangedData:
	case DetectUseTimestamp, DetectUseVersion:
		if !isSafeIdentifier(c.DetectExpression) {
			return fmt.Errorf("conflict %s: %s needs a column name in detect_expression", c.ConflictID, c.DetectType)
		}
	default:
		return fmt.Errorf("conflict %s: unknown detect type %q", c.ConflictID, c.DetectType)
	}
	switch c.ResolveType {
	case ResolveNewerWins, ResolveFallbackToSourceWins, ResolveFallbackToTargetWins, ResolveManual, ResolveIgnore:
	default:
		return fmt.Errorf("conflict %s: unknown resolve type %q", c.ConflictID, c.ResolveType)
	}
	switch c.PingBack {
	case "", PingBackOff, PingBackSingleRow, PingBackSourceWins:
	default:
		return fmt.Errorf("conflict %s: unknown ping back %q", c.ConflictID, c.PingBack)
	}
	return nil
}

// SaveConflict inserts or updates a conflict setting
func SaveConflict(ctx context.Context, q dbtx, c ConflictSetting) error {
	if c.PingBack == "" {
		c.PingBack = PingBackOff
	}
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_conflict (conflict_id, target_channel_id, target_table_name, detect_type,
			detect_expression, resolve_type, ping_back, create_time, last_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conflict_id) DO UPDATE SET
			target_channel_id = excluded.target_channel_id,
			target_table_name = excluded.target_table_name,
			detect_type = excluded.detect_type,
			detect_expression = excluded.detect_expression,
			resolve_type = excluded.resolve_type,
			ping_back = excluded.ping_back,
			last_update_time = excluded.last_update_time`,
		c.ConflictID, c.TargetChannelID, strings.ToLower(c.TargetTableName), string(c.DetectType),
		c.DetectExpression, string(c.ResolveType), string(c.PingBack), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ConflictID, err)
	}
	return bumpConfigVersion(ctx, q)
}

// DeleteConflict removes a conflict setting
func DeleteConflict(ctx context.Context, q dbtx, conflictID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM _relay_conflict WHERE conflict_id = ?`, conflictID); err != nil {
		return fmt.Errorf("failed to delete conflict %s: %w", conflictID, err)
	}
	return bumpConfigVersion(ctx, q)
}

// GetConflicts returns every setting in creation order, which is the tie-break order
func GetConflicts(ctx context.Context, q dbtx) ([]ConflictSetting, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT conflict_id, target_channel_id, target_table_name, detect_type, detect_expression,
			resolve_type, ping_back, create_time, last_update_time
		FROM _relay_conflict
		ORDER BY create_time, conflict_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictSetting
	for rows.Next() {
		var c ConflictSetting
		var detect, resolve, ping string
		var created, updated int64
		if err := rows.Scan(&c.ConflictID, &c.TargetChannelID, &c.TargetTableName, &detect, &c.DetectExpression,
			&resolve, &ping, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.DetectType = DetectType(detect)
		c.ResolveType = ResolveType(resolve)
		c.PingBack = PingBack(ping)
		c.CreateTime = fromMillis(created)
		c.LastUpdateTime = fromMillis(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// conflictOutcome is the decision for one conflicting row
type conflictOutcome int

const (
	outcomeNoConflict conflictOutcome = iota
	outcomeSourceWins
	outcomeTargetWins
	outcomeIgnore
	outcomeManual
)

// detectConflict decides whether the incoming change collides with the current target row
func detectConflict(setting *ConflictSetting, rec *ChangeRecord, newRow, oldRow, current map[string]any, exists bool) bool {
	switch rec.EventType {
	case EventInsert:
		return exists
	case EventUpdate, EventDelete:
		if !exists {
			return true
		}
	default:
		return false
	}

	switch setting.DetectType {
	case DetectUseChangedData:
		if oldRow == nil {
			return false
		}
		if rec.EventType == EventDelete {
			for col, oldVal := range oldRow {
				if cur, ok := lookupColumn(current, col); ok && !valuesEqual(cur, oldVal) {
					return true
				}
			}
			return false
		}
		for col, newVal := range newRow {
			oldVal, hadOld := lookupColumn(oldRow, col)
			if hadOld && valuesEqual(oldVal, newVal) {
				continue
			}
			if cur, ok := lookupColumn(current, col); ok && hadOld && !valuesEqual(cur, oldVal) {
				return true
			}
		}
		return false
	case DetectUseTimestamp, DetectUseVersion:
		if oldRow == nil {
			return false
		}
		oldVal, _ := lookupColumn(oldRow, setting.DetectExpression)
		cur, _ := lookupColumn(current, setting.DetectExpression)
		return !valuesEqual(oldVal, cur)
	default:
		return false
	}
}

// newerWins compares the incoming change against the target row. For timestamp and version
// detection the detect column decides; otherwise the capture time of the incoming change is
// compared with the stamp of the last value written locally. Ties go to the lower node id so both
// sides reach the same verdict.
func newerWins(setting *ConflictSetting, rec *ChangeRecord, newRow, current map[string]any, stamp *rowStamp, localNodeID, sourceNodeID string) conflictOutcome {
	if setting.usesColumnCompare() && current != nil && newRow != nil {
		incoming, _ := lookupColumn(newRow, setting.DetectExpression)
		existing, _ := lookupColumn(current, setting.DetectExpression)
		var cmp int
		if setting.DetectType == DetectUseVersion {
			cmp = compareNumeric(incoming, existing)
		} else {
			cmp = compareTimestamp(incoming, existing)
		}
		if cmp > 0 {
			return outcomeSourceWins
		}
		if cmp < 0 {
			return outcomeTargetWins
		}
	}
	if stamp == nil {
		return outcomeSourceWins
	}
	incomingMillis := toMillis(rec.CreateTime)
	switch {
	case incomingMillis > stamp.CaptureMillis:
		return outcomeSourceWins
	case incomingMillis < stamp.CaptureMillis:
		return outcomeTargetWins
	}
	winnerNode := stamp.SourceNodeID
	if winnerNode == "" {
		winnerNode = localNodeID
	}
	if sourceNodeID < winnerNode {
		return outcomeSourceWins
	}
	return outcomeTargetWins
}

func lookupColumn(row map[string]any, col string) (any, bool) {
	if row == nil {
		return nil, false
	}
	if v, ok := row[col]; ok {
		return v, true
	}
	lc := strings.ToLower(col)
	for k, v := range row {
		if strings.ToLower(k) == lc {
			return v, true
		}
	}
	return nil, false
}

// valuesEqual compares a JSON-decoded value with a database value, numerically when both are numbers
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return valueString(a) == valueString(b)
}

func compareNumeric(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	switch {
	case !aok && !bok:
		return 0
	case !bok:
		return 1
	case !aok:
		return -1
	case af > bf:
		return 1
	case af < bf:
		return -1
	}
	return 0
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

func compareTimestamp(a, b any) int {
	if _, ok := asFloat(a); ok {
		return compareNumeric(a, b)
	}
	ta, aok := parseTimestamp(valueString(a))
	tb, bok := parseTimestamp(valueString(b))
	switch {
	case !aok && !bok:
		return strings.Compare(valueString(a), valueString(b))
	case !bok:
		return 1
	case !aok:
		return -1
	}
	return ta.Compare(tb)
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
