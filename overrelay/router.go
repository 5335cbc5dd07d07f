// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const routeSelectChunk = 500

// TargetResolver decides which peers receive a change record
type TargetResolver interface {
	Targets(rec *ChangeRecord, peers []Node) []string
}

// TargetResolverFunc adapts a function to TargetResolver
type TargetResolverFunc func(rec *ChangeRecord, peers []Node) []string

func (f TargetResolverFunc) Targets(rec *ChangeRecord, peers []Node) []string {
	return f(rec, peers)
}

// DefaultTargetResolver sends a record to every sync-enabled peer except the node it came from.
// Pre-routed records go exactly to their node list.
type DefaultTargetResolver struct {
	LocalNodeID string
}

func (r DefaultTargetResolver) Targets(rec *ChangeRecord, peers []Node) []string {
	if rec.PreRouted {
		out := make([]string, 0, len(rec.NodeList))
		for _, id := range rec.NodeList {
			if id != r.LocalNodeID && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if !p.SyncEnabled || p.NodeID == rec.SourceNodeID || p.NodeID == r.LocalNodeID {
			continue
		}
		out = append(out, p.NodeID)
	}
	return out
}

// RouteResult summarizes one assembly pass
type RouteResult struct {
	DataRouted     int
	BatchIDs       []int64
	GapsChanged    int
	GapsRevived    int
	UnroutedCount  int
	RoutingElapsed time.Duration
}

// routingCache holds channels and peers, reloaded only when the config version moves
type routingCache struct {
	version  int64
	loaded   bool
	channels []Channel
	peers    []Node
}

// Router assembles captured changes into outgoing batches
type Router struct {
	db       *sql.DB
	nodeID   string
	hostName string
	locker   Locker
	gaps     *GapSequencer
	resolver TargetResolver
	logger   *slog.Logger
	metrics  *PrometheusRecorder
	obs      *stageObserver

	mu    sync.Mutex
	cache routingCache
}

// NewRouter creates a router for the local node
func NewRouter(db *sql.DB, nodeID, hostName string, locker Locker, gaps *GapSequencer, resolver TargetResolver, logger *slog.Logger, metrics *PrometheusRecorder, obs *stageObserver) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = DefaultTargetResolver{LocalNodeID: nodeID}
	}
	return &Router{
		db:       db,
		nodeID:   nodeID,
		hostName: hostName,
		locker:   locker,
		gaps:     gaps,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		obs:      obs,
	}
}

// AssembleBatches routes every unrouted change into batches, one pass per call.
// At most one pass runs per node cluster-wide; a concurrent caller gets ErrLockHeld.
func (r *Router) AssembleBatches(ctx context.Context) (*RouteResult, error) {
	started := time.Now()
	lockStart := r.obs.start()
	lease, err := r.locker.Acquire(ctx, lockRoutePrefix+r.nodeID)
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageRouteLock, lockStart, 0, 1, err != nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := r.locker.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			r.logger.Warn("Failed to release routing lock", "lock", lease.Name, "error", rerr)
		}
	}()

	channels, peers, err := r.refreshCache(ctx)
	if err != nil {
		return nil, err
	}

	totalStart := r.obs.start()
	result, err := r.routeInTx(ctx, channels, peers)
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageTotal, totalStart, resultCount(result), 1, err != nil)
	if err != nil {
		return nil, err
	}
	result.RoutingElapsed = time.Since(started)
	if result.DataRouted > 0 || result.GapsChanged > 0 {
		r.logger.Info("Routing pass complete",
			"node_id", r.nodeID,
			"data_routed", result.DataRouted,
			"batches", len(result.BatchIDs),
			"gaps_changed", result.GapsChanged,
			"gaps_revived", result.GapsRevived,
			"elapsed", result.RoutingElapsed)
	}
	return result, nil
}

func resultCount(r *RouteResult) int {
	if r == nil {
		return 0
	}
	return r.DataRouted
}

// refreshCache reloads channels and peers when the stored config version changed
func (r *Router) refreshCache(ctx context.Context) ([]Channel, []Node, error) {
	version, err := configVersion(ctx, r.db)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache.loaded && r.cache.version == version {
		return r.cache.channels, r.cache.peers, nil
	}
	channels, err := GetChannels(ctx, r.db)
	if err != nil {
		return nil, nil, err
	}
	peers, err := GetPeers(ctx, r.db, true)
	if err != nil {
		return nil, nil, err
	}
	r.cache = routingCache{version: version, loaded: true, channels: channels, peers: peers}
	r.logger.Debug("Routing cache refreshed", "version", version, "channels", len(channels), "peers", len(peers))
	return channels, peers, nil
}

// InvalidateCache forces the next pass to reload channels and peers
func (r *Router) InvalidateCache() {
	r.mu.Lock()
	r.cache = routingCache{}
	r.mu.Unlock()
}

func (r *Router) routeInTx(ctx context.Context, channels []Channel, peers []Node) (*RouteResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin routing transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result := &RouteResult{}

	if err := r.gaps.markOpenEnd(ctx, tx); err != nil {
		return nil, err
	}
	reviveStart := r.obs.start()
	if result.GapsRevived, err = r.gaps.reviveSkipped(ctx, tx, now); err != nil {
		return nil, err
	}
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageRouteRevive, reviveStart, result.GapsRevived, 1, false)

	active, err := r.gaps.findGaps(ctx, tx)
	if err != nil {
		return nil, err
	}

	selectStart := r.obs.start()
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		ch.applyDefaults()
		routed, batchIDs, unrouted, err := r.routeChannel(ctx, tx, ch, active, peers)
		if err != nil {
			return nil, fmt.Errorf("failed to route channel %s: %w", ch.ChannelID, err)
		}
		result.DataRouted += routed
		result.UnroutedCount += unrouted
		result.BatchIDs = append(result.BatchIDs, batchIDs...)
	}
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageRouteSelect, selectStart, result.DataRouted, 1, false)

	narrowStart := r.obs.start()
	if result.GapsChanged, err = r.gaps.afterRouting(ctx, tx, now); err != nil {
		return nil, err
	}
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageRouteNarrow, narrowStart, result.GapsChanged, 1, false)

	commitStart := r.obs.start()
	err = tx.Commit()
	r.obs.observe(ctx, MetricsOpRoute, MetricsStageRouteCommit, commitStart, 0, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to commit routing transaction: %w", err)
	}
	return result, nil
}

// openBatch is a batch still accepting records during one pass
type openBatch struct {
	batch   *OutgoingBatch
	lastTxn string
}

// routeChannel routes up to MaxDataToRoute records of one channel, extending the budget to the end
// of the transaction in progress so a source transaction is never split across passes.
func (r *Router) routeChannel(ctx context.Context, tx *sql.Tx, ch Channel, gaps []DataGap, peers []Node) (int, []int64, int, error) {
	started := time.Now()
	open := make(map[string]*openBatch)
	var created []*OutgoingBatch
	routed, unrouted := 0, 0
	lastTxn := ""
	done := false

	batchFor := func(nodeID string, rec *ChangeRecord) (*OutgoingBatch, error) {
		ob := open[nodeID]
		if ob != nil && nodeID != UnroutedNodeID && ob.batch.DataRowCount >= int64(ch.MaxBatchSize) &&
			(rec.TransactionID == "" || rec.TransactionID != ob.lastTxn) {
			// close on a transaction boundary only
			ob = nil
		}
		if ob == nil {
			id, err := nextBatchID(ctx, tx)
			if err != nil {
				return nil, err
			}
			status := BatchNew
			if nodeID == UnroutedNodeID {
				status = BatchOK
			}
			b := &OutgoingBatch{
				BatchID:            id,
				NodeID:             nodeID,
				ChannelID:          ch.ChannelID,
				Status:             status,
				LoadFlag:           ch.ReloadFlag,
				LastUpdateHostName: r.hostName,
			}
			if err := insertOutgoingBatch(ctx, tx, b); err != nil {
				return nil, err
			}
			ob = &openBatch{batch: b}
			open[nodeID] = ob
			created = append(created, b)
		}
		ob.lastTxn = rec.TransactionID
		return ob.batch, nil
	}

	for _, gap := range gaps {
		cursor := gap.StartID
		for !done {
			recs, err := unroutedDataInRange(ctx, tx, ch.ChannelID, cursor, gap.EndID, routeSelectChunk)
			if err != nil {
				return 0, nil, 0, err
			}
			for _, rec := range recs {
				if routed >= ch.MaxDataToRoute && (rec.TransactionID == "" || rec.TransactionID != lastTxn) {
					done = true
					break
				}
				targets := r.resolver.Targets(rec, peers)
				if len(targets) == 0 {
					targets = []string{UnroutedNodeID}
					unrouted++
				}
				for _, nodeID := range targets {
					b, err := batchFor(nodeID, rec)
					if err != nil {
						return 0, nil, 0, err
					}
					if err := insertDataEvent(ctx, tx, rec.DataID, b.BatchID); err != nil {
						return 0, nil, 0, err
					}
					b.countEvent(rec.EventType)
				}
				routed++
				lastTxn = rec.TransactionID
				cursor = rec.DataID + 1
			}
			if len(recs) < routeSelectChunk {
				break
			}
		}
		if done {
			break
		}
	}

	elapsed := time.Since(started).Milliseconds()
	ids := make([]int64, 0, len(created))
	for _, b := range created {
		b.RouterMillis = elapsed
		if err := saveBatchCounters(ctx, tx, b); err != nil {
			return 0, nil, 0, err
		}
		if b.NodeID == UnroutedNodeID {
			continue
		}
		ids = append(ids, b.BatchID)
		r.metrics.batchCreated(ch.ChannelID)
		r.logger.Debug("Created outgoing batch", "batch_id", b.BatchID, "node_id", b.NodeID, "channel_id", ch.ChannelID, "rows", b.DataRowCount)
	}
	return routed, ids, unrouted, nil
}
