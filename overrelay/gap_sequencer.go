// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// GapSequencer tracks which ranges of data ids have been routed.
//
// The persisted gaps always cover [0, OpenEnd) without overlap. GP ranges still need routing,
// OK ranges are fully routed and SK ranges were given up on after GapTimeout. Every mutation
// made during routing runs in the routing transaction, so a crash can only leave a range
// un-narrowed (re-routing it is a no-op), never marked OK without its data events.
type GapSequencer struct {
	db                *sql.DB
	gapTimeout        time.Duration
	skipRecheckWindow time.Duration
	logger            *slog.Logger
	metrics           *PrometheusRecorder
	now               func() time.Time
}

// NewGapSequencer creates a sequencer over the node database
func NewGapSequencer(db *sql.DB, gapTimeout, skipRecheckWindow time.Duration, logger *slog.Logger, metrics *PrometheusRecorder) *GapSequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapSequencer{
		db:                db,
		gapTimeout:        gapTimeout,
		skipRecheckWindow: skipRecheckWindow,
		logger:            logger,
		metrics:           metrics,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// FindGaps returns the ranges still waiting to be routed (status GP), ascending by start.
// When nothing has been recorded yet, [0, OpenEnd) is persisted and returned.
func (g *GapSequencer) FindGaps(ctx context.Context) ([]DataGap, error) {
	if err := g.ensureInitialized(ctx, g.db); err != nil {
		return nil, err
	}
	return g.findGaps(ctx, g.db)
}

// ListGaps returns every persisted range regardless of status
func (g *GapSequencer) ListGaps(ctx context.Context) ([]DataGap, error) {
	return listGaps(ctx, g.db, "")
}

// MarkOpenEnd guarantees the highest range is open ended
func (g *GapSequencer) MarkOpenEnd(ctx context.Context) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin gap transaction: %w", err)
	}
	defer tx.Rollback()

	if err := g.markOpenEnd(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRouted marks [start, end) as routed by splitting the gaps that overlap it
func (g *GapSequencer) MarkRouted(ctx context.Context, q dbtx, start, end int64) error {
	if end <= start {
		return fmt.Errorf("invalid gap range [%d,%d)", start, end)
	}
	return g.setRange(ctx, q, start, end, GapOK, g.now())
}

func (g *GapSequencer) ensureInitialized(ctx context.Context, q dbtx) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM _relay_data_gap`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count data gaps: %w", err)
	}
	if n > 0 {
		return nil
	}
	now := g.now()
	g.logger.Info("No data gaps recorded, starting from an open range")
	return g.insertGap(ctx, q, DataGap{StartID: 0, EndID: OpenEnd, Status: GapOpen, CreateTime: now, LastUpdateTime: now})
}

func (g *GapSequencer) findGaps(ctx context.Context, q dbtx) ([]DataGap, error) {
	return listGaps(ctx, q, GapOpen)
}

func (g *GapSequencer) markOpenEnd(ctx context.Context, q dbtx) error {
	if err := g.ensureInitialized(ctx, q); err != nil {
		return err
	}
	var maxEnd int64
	if err := q.QueryRowContext(ctx, `SELECT MAX(end_id) FROM _relay_data_gap`).Scan(&maxEnd); err != nil {
		return fmt.Errorf("failed to read highest gap: %w", err)
	}
	if maxEnd == OpenEnd {
		return nil
	}
	now := g.now()
	g.logger.Warn("Gap table was not open ended, appending open range", "start_id", maxEnd)
	return g.insertGap(ctx, q, DataGap{StartID: maxEnd, EndID: OpenEnd, Status: GapOpen, CreateTime: now, LastUpdateTime: now})
}

// gapPiece is one replacement range produced while narrowing a gap
type gapPiece struct {
	start, end int64
	status     GapStatus
	createTime time.Time
}

// afterRouting narrows every GP gap after routing. Present and routed ids become OK, holes
// between them become GP (fresh) or SK (expired), and the first present-but-unrouted id ends
// narrowing for that gap. It must run in the routing transaction.
func (g *GapSequencer) afterRouting(ctx context.Context, tx dbtx, now time.Time) (int, error) {
	gaps, err := g.findGaps(ctx, tx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, gap := range gaps {
		ids, err := idsInRange(ctx, tx, gap.StartID, gap.EndID)
		if err != nil {
			return changed, err
		}

		var pieces []gapPiece
		appendPiece := func(p gapPiece) {
			if n := len(pieces); n > 0 && pieces[n-1].status == p.status && pieces[n-1].end == p.start && p.status == GapOK {
				pieces[n-1].end = p.end
				return
			}
			pieces = append(pieces, p)
		}

		cursor := gap.StartID
		stopped := false
		for _, id := range ids {
			if !id.Routed {
				stopped = true
				break
			}
			if id.DataID > cursor {
				appendPiece(g.hole(gap, cursor, id.DataID, now))
			}
			appendPiece(gapPiece{start: id.DataID, end: id.DataID + 1, status: GapOK, createTime: now})
			cursor = id.DataID + 1
		}

		switch {
		case cursor >= gap.EndID:
		case stopped:
			appendPiece(gapPiece{start: cursor, end: gap.EndID, status: GapOpen, createTime: gap.CreateTime})
		case gap.IsOpenEnded():
			createTime := gap.CreateTime
			if cursor != gap.StartID {
				createTime = now
			}
			appendPiece(gapPiece{start: cursor, end: gap.EndID, status: GapOpen, createTime: createTime})
		default:
			// closed range with no ids left: it is a pure hole
			appendPiece(g.hole(gap, cursor, gap.EndID, now))
		}

		if len(pieces) == 1 && pieces[0].start == gap.StartID && pieces[0].end == gap.EndID && pieces[0].status == gap.Status {
			continue
		}
		if err := g.replaceGap(ctx, tx, gap, pieces, now); err != nil {
			return changed, err
		}
		changed++
	}

	if changed > 0 {
		if err := g.coalesce(ctx, tx, now); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// hole classifies the id range [start, end) inside gap that has no data
func (g *GapSequencer) hole(gap DataGap, start, end int64, now time.Time) gapPiece {
	if gap.IsOpenEnded() {
		if g.gapTimeout <= 0 {
			return gapPiece{start: start, end: end, status: GapSkip, createTime: now}
		}
		return gapPiece{start: start, end: end, status: GapOpen, createTime: now}
	}
	if now.Sub(gap.CreateTime) >= g.gapTimeout {
		return gapPiece{start: start, end: end, status: GapSkip, createTime: gap.CreateTime}
	}
	return gapPiece{start: start, end: end, status: GapOpen, createTime: gap.CreateTime}
}

// reviveSkipped promotes recently skipped ranges that now hold data (late commits) back to GP
func (g *GapSequencer) reviveSkipped(ctx context.Context, tx dbtx, now time.Time) (int, error) {
	if g.skipRecheckWindow <= 0 {
		return 0, nil
	}
	skipped, err := listGaps(ctx, tx, GapSkip)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-g.skipRecheckWindow)
	revived := 0
	for _, gap := range skipped {
		if gap.LastUpdateTime.Before(cutoff) {
			continue
		}
		n, err := countDataInRange(ctx, tx, gap.StartID, gap.EndID)
		if err != nil {
			return revived, err
		}
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _relay_data_gap SET status = ?, last_update_time = ? WHERE start_id = ?`,
			string(GapOpen), toMillis(now), gap.StartID); err != nil {
			return revived, fmt.Errorf("failed to revive skipped gap [%d,%d): %w", gap.StartID, gap.EndID, err)
		}
		g.logger.Info("Revived skipped gap with late data", "start_id", gap.StartID, "end_id", gap.EndID, "rows", n)
		g.metrics.gapWritten(GapOpen)
		revived++
	}
	return revived, nil
}

// setRange rewrites [start, end) to status, splitting every overlapping gap
func (g *GapSequencer) setRange(ctx context.Context, q dbtx, start, end int64, status GapStatus, now time.Time) error {
	if err := g.ensureInitialized(ctx, q); err != nil {
		return err
	}
	all, err := listGaps(ctx, q, "")
	if err != nil {
		return err
	}
	for _, gap := range all {
		if gap.EndID <= start || gap.StartID >= end {
			continue
		}
		var pieces []gapPiece
		if gap.StartID < start {
			pieces = append(pieces, gapPiece{start: gap.StartID, end: start, status: gap.Status, createTime: gap.CreateTime})
		}
		pieces = append(pieces, gapPiece{start: max(gap.StartID, start), end: min(gap.EndID, end), status: status, createTime: now})
		if gap.EndID > end {
			pieces = append(pieces, gapPiece{start: end, end: gap.EndID, status: gap.Status, createTime: gap.CreateTime})
		}
		if err := g.replaceGap(ctx, q, gap, pieces, now); err != nil {
			return err
		}
	}
	return g.coalesce(ctx, q, now)
}

func (g *GapSequencer) replaceGap(ctx context.Context, q dbtx, gap DataGap, pieces []gapPiece, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM _relay_data_gap WHERE start_id = ?`, gap.StartID); err != nil {
		return fmt.Errorf("failed to delete gap [%d,%d): %w", gap.StartID, gap.EndID, err)
	}
	for _, p := range pieces {
		if err := g.insertGap(ctx, q, DataGap{StartID: p.start, EndID: p.end, Status: p.status, CreateTime: p.createTime, LastUpdateTime: now}); err != nil {
			return err
		}
	}
	g.logger.Debug("Split data gap", "start_id", gap.StartID, "end_id", gap.EndID, "pieces", len(pieces))
	return nil
}

// coalesce merges adjacent OK ranges
func (g *GapSequencer) coalesce(ctx context.Context, q dbtx, now time.Time) error {
	all, err := listGaps(ctx, q, "")
	if err != nil {
		return err
	}
	for i := 0; i < len(all); {
		j := i + 1
		for j < len(all) && all[i].Status == GapOK && all[j].Status == GapOK && all[j].StartID == all[j-1].EndID {
			j++
		}
		if j-i > 1 {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM _relay_data_gap WHERE start_id > ? AND start_id < ?`, all[i].StartID, all[j-1].EndID); err != nil {
				return fmt.Errorf("failed to coalesce gaps: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				`UPDATE _relay_data_gap SET end_id = ?, last_update_time = ? WHERE start_id = ?`,
				all[j-1].EndID, toMillis(now), all[i].StartID); err != nil {
				return fmt.Errorf("failed to extend coalesced gap: %w", err)
			}
		}
		i = j
	}
	return nil
}

func (g *GapSequencer) insertGap(ctx context.Context, q dbtx, gap DataGap) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO _relay_data_gap (start_id, end_id, status, create_time, last_update_time)
		VALUES (?, ?, ?, ?, ?)`,
		gap.StartID, gap.EndID, string(gap.Status), toMillis(gap.CreateTime), toMillis(gap.LastUpdateTime)); err != nil {
		return fmt.Errorf("failed to insert gap [%d,%d): %w", gap.StartID, gap.EndID, err)
	}
	g.metrics.gapWritten(gap.Status)
	return nil
}

func listGaps(ctx context.Context, q dbtx, status GapStatus) ([]DataGap, error) {
	query := `SELECT start_id, end_id, status, create_time, last_update_time FROM _relay_data_gap`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY start_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data gaps: %w", err)
	}
	defer rows.Close()

	var out []DataGap
	for rows.Next() {
		var gap DataGap
		var st string
		var created, updated int64
		if err := rows.Scan(&gap.StartID, &gap.EndID, &st, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan data gap: %w", err)
		}
		gap.Status = GapStatus(st)
		gap.CreateTime = fromMillis(created)
		gap.LastUpdateTime = fromMillis(updated)
		out = append(out, gap)
	}
	return out, rows.Err()
}

// CheckCoverage verifies gaps tile [0, OpenEnd) with no overlap and no hole
func CheckCoverage(gaps []DataGap) error {
	if len(gaps) == 0 {
		return fmt.Errorf("no gaps recorded")
	}
	sorted := append([]DataGap(nil), gaps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartID < sorted[j].StartID })

	if sorted[0].StartID != 0 {
		return fmt.Errorf("coverage starts at %d, not 0", sorted[0].StartID)
	}
	for i, gap := range sorted {
		if gap.EndID <= gap.StartID {
			return fmt.Errorf("empty or inverted gap [%d,%d)", gap.StartID, gap.EndID)
		}
		if i > 0 {
			prev := sorted[i-1]
			if gap.StartID < prev.EndID {
				return fmt.Errorf("gap [%d,%d) overlaps [%d,%d)", gap.StartID, gap.EndID, prev.StartID, prev.EndID)
			}
			if gap.StartID > prev.EndID {
				return fmt.Errorf("ids [%d,%d) are not covered", prev.EndID, gap.StartID)
			}
		}
	}
	if last := sorted[len(sorted)-1]; last.EndID != OpenEnd {
		return fmt.Errorf("coverage ends at %d, not open ended", last.EndID)
	}
	return nil
}
