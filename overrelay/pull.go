// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// PullService fetches batches a peer holds for this node, loads them and posts the acknowledgements back
type PullService struct {
	db          *sql.DB
	localNode   string
	transport   Transport
	loader      *DataLoader
	registrar   *Registrar
	offline     OfflineListener
	backoff     BackoffPolicy
	concurrency int
	logger      *slog.Logger
	metrics     *PrometheusRecorder
	obs         *stageObserver
}

// NewPullService creates a pull worker
func NewPullService(db *sql.DB, localNode string, transport Transport, loader *DataLoader, registrar *Registrar,
	offline OfflineListener, backoff BackoffPolicy, concurrency int,
	logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *PullService {
	if logger == nil {
		logger = slog.Default()
	}
	if offline == nil {
		offline = LoggingOfflineListener{Logger: logger}
	}
	return &PullService{
		db:          db,
		localNode:   localNode,
		transport:   transport,
		loader:      loader,
		registrar:   registrar,
		offline:     offline,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		obs:         obs,
	}
}

// PullOnce pulls one payload from peer. Acks are posted even when some batches failed so the
// peer learns the error line; a failed ack post leaves the peer's batches in LD to be resent.
func (p *PullService) PullOnce(ctx context.Context, peer Node) (result *ExchangeResult, err error) {
	result = &ExchangeResult{NodeID: peer.NodeID}
	started := time.Now()
	start := p.obs.start()
	defer func() {
		result.Elapsed = time.Since(started)
		p.obs.observe(ctx, MetricsOpPull, MetricsStageTotal, start, result.Batches, 1, err != nil)
	}()

	netStart := p.obs.start()
	payload, err := p.transport.Pull(ctx, peer)
	p.obs.observe(ctx, MetricsOpPull, MetricsStageNetwork, netStart, 0, 1, err != nil)
	if err != nil {
		p.metrics.transportFailed(Classify(err))
		return result, err
	}
	if len(payload.Batches) == 0 {
		return result, nil
	}
	result.Batches = len(payload.Batches)
	networkMillis := time.Since(started).Milliseconds()

	acks, err := p.loader.LoadBatches(ctx, peer.NodeID, payload)
	if err != nil && len(acks) == 0 {
		return result, err
	}
	for i := range acks {
		acks[i].NetworkMillis = networkMillis
		if acks[i].IsOK {
			result.Acked++
		} else {
			result.Failed++
		}
	}

	primary, extended := EncodeAcks(acks)
	if serr := p.transport.SendAcks(ctx, peer, &AckRequest{Acks: primary, AcksExt: extended}); serr != nil {
		p.metrics.transportFailed(Classify(serr))
		return result, serr
	}
	p.logger.Info("Pulled batches",
		"node_id", peer.NodeID,
		"batches", result.Batches,
		"acked", result.Acked,
		"failed", result.Failed)
	return result, err
}

// PullAll pulls from every sync-enabled peer with a sync URL
func (p *PullService) PullAll(ctx context.Context) ([]*ExchangeResult, error) {
	return exchangeAll(ctx, p.db, p.concurrency, p.offline, p.logger, p.PullOnce)
}

// Run pulls on every tick until ctx is done
func (p *PullService) Run(ctx context.Context, interval time.Duration) error {
	return runPeerLoop(ctx, "pull", p.db, interval, p.backoff, p.offline, p.registrar, p.logger, p.PullOnce)
}
