// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxBatchSize   = 1000
	defaultMaxBatchToSend = 60
	defaultMaxDataToRoute = 100000
)

// ErrChannelNotFound is returned when a channel id is unknown
var ErrChannelNotFound = errors.New("channel not found")

func (c *Channel) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxBatchToSend <= 0 {
		c.MaxBatchToSend = defaultMaxBatchToSend
	}
	if c.MaxDataToRoute <= 0 {
		c.MaxDataToRoute = defaultMaxDataToRoute
	}
}

// InWindow reports whether batches of this channel may be sent at now.
// Windows are HH:MM in UTC; an end before the start wraps past midnight.
func (c Channel) InWindow(now time.Time) bool {
	if c.WindowStart == "" && c.WindowEnd == "" {
		return true
	}
	start, err1 := parseClock(c.WindowStart)
	end, err2 := parseClock(c.WindowEnd)
	if err1 != nil || err2 != nil {
		// an unparsable window never blocks a channel
		return true
	}
	now = now.UTC()
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid window time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// SaveChannel inserts or replaces a channel definition
func SaveChannel(ctx context.Context, q dbtx, c Channel) error {
	if !isSafeIdentifier(c.ChannelID) {
		return fmt.Errorf("invalid channel id %q", c.ChannelID)
	}
	if c.WindowStart != "" || c.WindowEnd != "" {
		if _, err := parseClock(c.WindowStart); err != nil {
			return err
		}
		if _, err := parseClock(c.WindowEnd); err != nil {
			return err
		}
	}
	c.applyDefaults()
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_channel (channel_id, processing_order, max_batch_size, max_batch_to_send,
			max_data_to_route, enabled, reload_flag, window_start, window_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			processing_order = excluded.processing_order,
			max_batch_size = excluded.max_batch_size,
			max_batch_to_send = excluded.max_batch_to_send,
			max_data_to_route = excluded.max_data_to_route,
			enabled = excluded.enabled,
			reload_flag = excluded.reload_flag,
			window_start = excluded.window_start,
			window_end = excluded.window_end`,
		c.ChannelID, c.ProcessingOrder, c.MaxBatchSize, c.MaxBatchToSend, c.MaxDataToRoute,
		boolToInt(c.Enabled), boolToInt(c.ReloadFlag), c.WindowStart, c.WindowEnd)
	if err != nil {
		return fmt.Errorf("failed to save channel %s: %w", c.ChannelID, err)
	}
	return bumpConfigVersion(ctx, q)
}

// GetChannels returns every channel in processing order
func GetChannels(ctx context.Context, q dbtx) ([]Channel, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT channel_id, processing_order, max_batch_size, max_batch_to_send, max_data_to_route,
			enabled, reload_flag, window_start, window_end
		FROM _relay_channel
		ORDER BY processing_order, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChannel returns a single channel or ErrChannelNotFound
func GetChannel(ctx context.Context, q dbtx, channelID string) (Channel, error) {
	row := q.QueryRowContext(ctx, `
		SELECT channel_id, processing_order, max_batch_size, max_batch_to_send, max_data_to_route,
			enabled, reload_flag, window_start, window_end
		FROM _relay_channel WHERE channel_id = ?`, channelID)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var c Channel
	var enabled, reload int
	if err := r.Scan(&c.ChannelID, &c.ProcessingOrder, &c.MaxBatchSize, &c.MaxBatchToSend, &c.MaxDataToRoute,
		&enabled, &reload, &c.WindowStart, &c.WindowEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan channel: %w", err)
	}
	c.Enabled = enabled != 0
	c.ReloadFlag = reload != 0
	return c, nil
}
