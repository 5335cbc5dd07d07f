// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExchangeResult summarizes one push to, or pull from, a peer
type ExchangeResult struct {
	NodeID  string
	Batches int
	Acked   int
	Failed  int
	Elapsed time.Duration
}

// PushService sends outgoing batches to peers and applies the acknowledgements they answer with
type PushService struct {
	db          *sql.DB
	localNode   string
	locker      Locker
	extractor   *Extractor
	transport   Transport
	acks        *AckService
	registrar   *Registrar
	offline     OfflineListener
	backoff     BackoffPolicy
	concurrency int
	logger      *slog.Logger
	metrics     *PrometheusRecorder
	obs         *stageObserver
}

// NewPushService creates a push worker. concurrency bounds PushAll fan-out (0 = one goroutine per peer).
func NewPushService(db *sql.DB, localNode string, locker Locker, extractor *Extractor, transport Transport, acks *AckService,
	registrar *Registrar, offline OfflineListener, backoff BackoffPolicy, concurrency int,
	logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *PushService {
	if logger == nil {
		logger = slog.Default()
	}
	if offline == nil {
		offline = LoggingOfflineListener{Logger: logger}
	}
	return &PushService{
		db:          db,
		localNode:   localNode,
		locker:      locker,
		extractor:   extractor,
		transport:   transport,
		acks:        acks,
		registrar:   registrar,
		offline:     offline,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		obs:         obs,
	}
}

// PushOnce sends every batch due for peer and applies the returned acknowledgements.
// Pushes to the same peer are serialized cluster-wide by the push lock.
func (p *PushService) PushOnce(ctx context.Context, peer Node) (*ExchangeResult, error) {
	result := &ExchangeResult{NodeID: peer.NodeID}
	started := time.Now()
	err := withLock(ctx, p.locker, lockPushPrefix+peer.NodeID, p.logger, func() error {
		return p.push(ctx, peer, result)
	})
	result.Elapsed = time.Since(started)
	return result, err
}

func (p *PushService) push(ctx context.Context, peer Node, result *ExchangeResult) (err error) {
	start := p.obs.start()
	defer func() { p.obs.observe(ctx, MetricsOpPush, MetricsStageTotal, start, result.Batches, 1, err != nil) }()

	payload, err := p.extractor.ExtractBatches(ctx, peer.NodeID)
	if err != nil {
		return err
	}
	if len(payload.Batches) == 0 {
		return nil
	}
	result.Batches = len(payload.Batches)

	sendStart := time.Now()
	netStart := p.obs.start()
	resp, err := p.transport.Push(ctx, peer, payload)
	p.obs.observe(ctx, MetricsOpPush, MetricsStageNetwork, netStart, result.Batches, 1, err != nil)
	networkMillis := time.Since(sendStart).Milliseconds()
	if err != nil {
		p.metrics.transportFailed(Classify(err))
		if merr := p.extractor.MarkSendFailed(context.WithoutCancel(ctx), payload, err); merr != nil {
			p.logger.Error("Failed to record send failure", "node_id", peer.NodeID, "error", merr)
		}
		return err
	}
	if err := p.extractor.MarkSent(ctx, peer.NodeID, payload, networkMillis); err != nil {
		return err
	}

	acks, err := ReadAcknowledgementLines(resp.Acks, resp.AcksExt)
	if err != nil {
		return fmt.Errorf("failed to read acknowledgements from %s: %w", peer.NodeID, err)
	}
	for i := range acks {
		if acks[i].NodeID == "" {
			acks[i].NodeID = peer.NodeID
		}
		if acks[i].NetworkMillis == 0 {
			acks[i].NetworkMillis = networkMillis
		}
		if acks[i].IsOK {
			result.Acked++
		} else {
			result.Failed++
		}
	}
	if err := p.acks.AckAll(ctx, acks); err != nil {
		return err
	}
	p.logger.Info("Pushed batches",
		"node_id", peer.NodeID,
		"batches", result.Batches,
		"acked", result.Acked,
		"failed", result.Failed,
		"network_millis", networkMillis)
	return nil
}

// PushAll pushes to every sync-enabled peer with a sync URL. One peer failing does not stop the
// others; failures are dispatched to the offline listener and returned joined.
func (p *PushService) PushAll(ctx context.Context) ([]*ExchangeResult, error) {
	return exchangeAll(ctx, p.db, p.concurrency, p.offline, p.logger, p.PushOnce)
}

// Run pushes on every tick until ctx is done, backing off per peer by failure category
func (p *PushService) Run(ctx context.Context, interval time.Duration) error {
	return runPeerLoop(ctx, "push", p.db, interval, p.backoff, p.offline, p.registrar, p.logger, p.PushOnce)
}

type exchangeFunc func(ctx context.Context, peer Node) (*ExchangeResult, error)

// reachablePeers returns sync-enabled peers this node can call
func reachablePeers(ctx context.Context, db *sql.DB) ([]Node, error) {
	peers, err := GetPeers(ctx, db, true)
	if err != nil {
		return nil, err
	}
	out := peers[:0]
	for _, peer := range peers {
		if peer.SyncURL != "" {
			out = append(out, peer)
		}
	}
	return out, nil
}

func exchangeAll(ctx context.Context, db *sql.DB, concurrency int, offline OfflineListener, logger *slog.Logger, fn exchangeFunc) ([]*ExchangeResult, error) {
	peers, err := reachablePeers(ctx, db)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*ExchangeResult
		errs    []error
	)
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			res, err := fn(ctx, peer)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results = append(results, res)
			}
			if errors.Is(err, ErrLockHeld) {
				logger.Debug("Peer exchange already running elsewhere", "node_id", peer.NodeID)
				return nil
			}
			if err != nil {
				Dispatch(offline, peer.NodeID, err)
				errs = append(errs, fmt.Errorf("%s: %w", peer.NodeID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// peerState tracks the backoff of one peer inside runPeerLoop
type peerState struct {
	delay time.Duration
	next  time.Time
}

// runPeerLoop calls fn for each reachable peer on every tick. A failed peer is skipped until its
// backoff elapses; a peer that requires registration is registered and retried on the next tick.
func runPeerLoop(ctx context.Context, name string, db *sql.DB, interval time.Duration, policy BackoffPolicy,
	offline OfflineListener, registrar *Registrar, logger *slog.Logger, fn exchangeFunc) error {
	if interval <= 0 {
		interval = time.Second
	}
	states := make(map[string]*peerState)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		peers, err := reachablePeers(ctx, db)
		if err != nil {
			logger.Error("Failed to list peers", "loop", name, "error", err)
		}
		now := time.Now()
		for _, peer := range peers {
			st := states[peer.NodeID]
			if st == nil {
				st = &peerState{}
				states[peer.NodeID] = st
			}
			if now.Before(st.next) {
				continue
			}

			_, err := fn(ctx, peer)
			if err == nil || errors.Is(err, ErrLockHeld) {
				st.delay, st.next = 0, time.Time{}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			kind := Dispatch(offline, peer.NodeID, err)
			if kind == FailureRegistrationRequired && registrar != nil {
				if rerr := registrar.Register(ctx, peer); rerr != nil {
					logger.Warn("Registration attempt failed", "loop", name, "node_id", peer.NodeID, "error", rerr)
					kind = Classify(rerr)
					if kind == FailureRegistrationRequired {
						kind = FailureUnknown
					}
				}
			}
			st.delay = policy.Next(kind, st.delay)
			st.next = time.Now().Add(st.delay)
			logger.Debug("Backing off peer", "loop", name, "node_id", peer.NodeID, "kind", kind.String(), "delay", st.delay)
		}

		if err := sleepWithContext(ctx, interval); err != nil {
			return err
		}
	}
}
