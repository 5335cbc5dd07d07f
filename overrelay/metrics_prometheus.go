// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Keys for relay metrics.
const (
	StageSecondsKey           = "overrelay_stage_seconds"
	BatchesCreatedTotalKey    = "overrelay_batches_created_total"
	BatchesSentTotalKey       = "overrelay_batches_sent_total"
	AcksTotalKey              = "overrelay_acks_total"
	RowsLoadedTotalKey        = "overrelay_rows_loaded_total"
	ConflictsTotalKey         = "overrelay_conflicts_total"
	TransportFailuresTotalKey = "overrelay_transport_failures_total"
	GapTransitionsTotalKey    = "overrelay_gap_transitions_total"
	AckResultOK               = "ok"
	AckResultError            = "error"
)

// PrometheusRecorder exports stage timings and relay counters.
// A nil *PrometheusRecorder is valid and records nothing.
type PrometheusRecorder struct {
	stageSeconds      *prometheus.HistogramVec
	batchesCreated    *prometheus.CounterVec
	batchesSent       *prometheus.CounterVec
	acks              *prometheus.CounterVec
	rowsLoaded        *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	transportFailures *prometheus.CounterVec
	gapTransitions    *prometheus.CounterVec
}

// NewPrometheusRecorder builds the relay collectors and registers them with reg (when non-nil)
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	p := &PrometheusRecorder{
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    StageSecondsKey,
			Help:    "Duration of replication stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "stage", "status"}),
		batchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: BatchesCreatedTotalKey,
			Help: "Cumulative number of outgoing batches created by routing.",
		}, []string{"channel"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: BatchesSentTotalKey,
			Help: "Cumulative number of outgoing batches handed to the transport.",
		}, []string{"node", "channel"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: AcksTotalKey,
			Help: "Cumulative number of batch acknowledgements processed.",
		}, []string{"result"}),
		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RowsLoadedTotalKey,
			Help: "Cumulative number of incoming rows applied.",
		}, []string{"table"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ConflictsTotalKey,
			Help: "Cumulative number of detected conflicts by resolution.",
		}, []string{"resolution"}),
		transportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: TransportFailuresTotalKey,
			Help: "Cumulative number of transport failures by classification.",
		}, []string{"kind"}),
		gapTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: GapTransitionsTotalKey,
			Help: "Cumulative number of data gap ranges written by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		for _, c := range p.Collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Collectors lists the collectors owned by the recorder.
func (p *PrometheusRecorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.stageSeconds,
		p.batchesCreated,
		p.batchesSent,
		p.acks,
		p.rowsLoaded,
		p.conflicts,
		p.transportFailures,
		p.gapTransitions,
	}
}

// ObserveStage implements StageMetricsRecorder.
func (p *PrometheusRecorder) ObserveStage(_ context.Context, t StageTiming) {
	if p == nil {
		return
	}
	status := AckResultOK
	if t.Error {
		status = "fail"
	}
	p.stageSeconds.WithLabelValues(t.Operation, t.Stage, status).Observe(t.Duration.Seconds())
}

func (p *PrometheusRecorder) batchCreated(channelID string) {
	if p != nil {
		p.batchesCreated.WithLabelValues(channelID).Inc()
	}
}

func (p *PrometheusRecorder) batchSent(nodeID, channelID string) {
	if p != nil {
		p.batchesSent.WithLabelValues(nodeID, channelID).Inc()
	}
}

func (p *PrometheusRecorder) ackProcessed(ok bool) {
	if p == nil {
		return
	}
	if ok {
		p.acks.WithLabelValues(AckResultOK).Inc()
	} else {
		p.acks.WithLabelValues(AckResultError).Inc()
	}
}

func (p *PrometheusRecorder) rowsApplied(table string, n int) {
	if p != nil && n > 0 {
		p.rowsLoaded.WithLabelValues(table).Add(float64(n))
	}
}

func (p *PrometheusRecorder) conflictResolved(resolution ResolveType) {
	if p != nil {
		p.conflicts.WithLabelValues(string(resolution)).Inc()
	}
}

func (p *PrometheusRecorder) transportFailed(kind FailureKind) {
	if p != nil {
		p.transportFailures.WithLabelValues(kind.String()).Inc()
	}
}

func (p *PrometheusRecorder) gapWritten(status GapStatus) {
	if p != nil {
		p.gapTransitions.WithLabelValues(string(status)).Inc()
	}
}
