// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpRoute   = "route"
	MetricsOpExtract = "extract"
	MetricsOpLoad    = "load"
	MetricsOpAck     = "ack"
	MetricsOpPush    = "push"
	MetricsOpPull    = "pull"

	MetricsStageTotal = "total"

	// Routing stages.
	MetricsStageRouteLock    = "lock"
	MetricsStageRouteSelect  = "select"
	MetricsStageRouteNarrow  = "narrow_gaps"
	MetricsStageRouteRevive  = "revive_skipped"
	MetricsStageRouteCommit  = "commit"
	MetricsStageLoadFilter   = "filter"
	MetricsStageLoadDatabase = "database"
	MetricsStageNetwork      = "network"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the service components to time their stages
type stageObserver struct {
	recorder   StageMetricsRecorder
	logTimings bool
	logger     *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logTimings)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || o == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimings && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
