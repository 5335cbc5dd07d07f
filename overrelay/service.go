// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig holds configuration for a relay node
type ServiceConfig struct {
	NodeID                string // Required
	NodeGroup             string
	SyncURL               string // Address peers use to reach this node
	HostName              string // Recorded on batches this process touches; defaults to os.Hostname
	DataExtractorDisabled bool   // When true only the config channel is sent to peers

	GapTimeout        time.Duration // Age after which a hole is skipped (0 = 2h, negative = at once)
	SkipRecheckWindow time.Duration // How long skipped ranges are rechecked for late commits (0 = GapTimeout)
	MaxBatchesPerPush int           // Batches per payload (0 = unlimited)
	LockTimeout       time.Duration // Lease ttl of the shared lock table

	JWTSecret        string        // Signs node tokens; a random secret is used when empty
	JWTIssuer        string        // Defaults to NodeID
	TokenTTL         time.Duration // Lifetime of tokens issued at registration
	TransportTimeout time.Duration // HTTP client timeout towards peers

	StageMetrics    StageMetricsRecorder // Optional extra stage recorder
	LogStageTimings bool
	MetricsRegistry *prometheus.Registry // Registry served on /metrics; a private one is created when nil

	ConflictCacheSize    int // Resolved conflict settings kept (0 = 1024)
	MaxConcurrentWorkers int // Inbound requests served at once and peers exchanged at once (0 = 10)

	Backoff BackoffPolicy // Zero value = DefaultBackoffPolicy
	Loader  DataLoaderOptions
}

// ServiceOption customizes collaborators of a RelayService
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	locker       Locker
	transport    Transport
	applier      RowApplier
	resolver     TargetResolver
	offline      OfflineListener
	registration RegistrationListener
	scripts      map[string]ScriptExecutor
}

// WithLocker replaces the shared lock-table locker, e.g. with a PGAdvisoryLocker
func WithLocker(l Locker) ServiceOption {
	return func(o *serviceOptions) { o.locker = l }
}

// WithTransport replaces the HTTP transport used towards peers
func WithTransport(t Transport) ServiceOption {
	return func(o *serviceOptions) { o.transport = t }
}

// WithRowApplier replaces the SQLite row applier
func WithRowApplier(a RowApplier) ServiceOption {
	return func(o *serviceOptions) { o.applier = a }
}

// WithTargetResolver replaces DefaultTargetResolver
func WithTargetResolver(r TargetResolver) ServiceOption {
	return func(o *serviceOptions) { o.resolver = r }
}

// WithOfflineListener receives classified peer failures
func WithOfflineListener(l OfflineListener) ServiceOption {
	return func(o *serviceOptions) { o.offline = l }
}

// WithRegistrationListener is called when a peer completes registration with this node
func WithRegistrationListener(l RegistrationListener) ServiceOption {
	return func(o *serviceOptions) { o.registration = l }
}

// WithScript registers a SCRIPT executor by name
func WithScript(name string, exec ScriptExecutor) ServiceOption {
	return func(o *serviceOptions) {
		if o.scripts == nil {
			o.scripts = make(map[string]ScriptExecutor)
		}
		o.scripts[name] = exec
	}
}

// RelayService wires the replication components of one node around its database
type RelayService struct {
	db       *sql.DB
	config   ServiceConfig
	logger   *slog.Logger
	metrics  *PrometheusRecorder
	gatherer prometheus.Gatherer

	tables    *TableInfoProvider
	gaps      *GapSequencer
	router    *Router
	batches   *OutgoingBatchService
	extractor *Extractor
	loader    *DataLoader
	acks      *AckService
	registry  *Registry
	registrar *Registrar
	conflicts *ConflictSettingsCache
	scripts   *ScriptRegistry
	locker    Locker
	transport Transport
	jwt       *JWTAuth
	push      *PushService
	pull      *PullService
	offline   OfflineListener

	mu     sync.RWMutex
	closed bool
}

// NewService creates the relay service for db, creating the metadata schema when missing.
// The caller owns db and closes it after Close.
func NewService(db *sql.DB, config *ServiceConfig, logger *slog.Logger, opts ...ServiceOption) (*RelayService, error) {
	if config == nil || config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := *config
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.NodeID
	}
	if cfg.JWTSecret == "" {
		logger.Warn("No JWT secret configured, tokens will not survive a restart", "node_id", cfg.NodeID)
		cfg.JWTSecret = uuid.NewString()
	}
	if cfg.GapTimeout == 0 {
		cfg.GapTimeout = 2 * time.Hour
	}
	if cfg.SkipRecheckWindow == 0 {
		cfg.SkipRecheckWindow = max(cfg.GapTimeout, 0)
	}
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 10
	}
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	if err := InitSchema(ctx, db, cfg.NodeID, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize relay service: %w", err)
	}

	reg := cfg.MetricsRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := NewPrometheusRecorder(reg)
	if err != nil {
		return nil, err
	}
	obs := &stageObserver{recorder: metrics, logTimings: cfg.LogStageTimings, logger: logger}
	if cfg.StageMetrics != nil {
		extra := cfg.StageMetrics
		obs.recorder = StageMetricsRecorderFunc(func(ctx context.Context, t StageTiming) {
			metrics.ObserveStage(ctx, t)
			extra.ObserveStage(ctx, t)
		})
	}

	s := &RelayService{
		db:       db,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		gatherer: reg,
		tables:   NewTableInfoProvider(),
		jwt:      NewJWTAuth(cfg.JWTSecret, cfg.JWTIssuer),
		offline:  o.offline,
	}
	if s.offline == nil {
		s.offline = LoggingOfflineListener{Logger: logger}
	}

	s.locker = o.locker
	if s.locker == nil {
		s.locker = NewSQLLocker(db, cfg.HostName+"/"+uuid.NewString(), cfg.LockTimeout, logger)
	}
	s.transport = o.transport
	if s.transport == nil {
		s.transport = NewHTTPTransport(cfg.NodeID, PeerTokenFunc(s.jwt, cfg.NodeID, time.Hour), cfg.TransportTimeout)
	}
	applier := o.applier
	if applier == nil {
		applier = NewSQLiteRowApplier(s.tables)
	}
	resolver := o.resolver
	if resolver == nil {
		resolver = DefaultTargetResolver{LocalNodeID: cfg.NodeID}
	}

	if s.conflicts, err = NewConflictSettingsCache(cfg.ConflictCacheSize, logger); err != nil {
		return nil, err
	}
	s.scripts = NewScriptRegistry()
	registerBuiltinScripts(s.scripts, cfg.NodeID, applier)
	for name, exec := range o.scripts {
		s.scripts.Register(name, exec)
	}

	loaderOpts := cfg.Loader
	if loaderOpts.Tables == nil {
		loaderOpts.Tables = s.tables
	}
	s.gaps = NewGapSequencer(db, cfg.GapTimeout, cfg.SkipRecheckWindow, logger, metrics)
	s.router = NewRouter(db, cfg.NodeID, cfg.HostName, s.locker, s.gaps, resolver, logger, metrics, obs)
	s.batches = NewOutgoingBatchService(db, !cfg.DataExtractorDisabled, cfg.HostName, logger)
	s.extractor = NewExtractor(db, cfg.NodeID, s.batches, cfg.MaxBatchesPerPush, logger, metrics, obs)
	s.loader = NewDataLoader(db, cfg.NodeID, applier, s.conflicts, s.scripts, loaderOpts, logger, metrics, obs)
	s.registry = NewRegistry(db, cfg.NodeID, s.jwt, cfg.TokenTTL, o.registration, logger)
	s.registrar = NewRegistrar(db, cfg.NodeID, cfg.SyncURL, s.transport, logger)
	s.acks = NewAckService(db, s.registry, cfg.HostName, logger, metrics, obs)
	s.push = NewPushService(db, cfg.NodeID, s.locker, s.extractor, s.transport, s.acks, s.registrar,
		s.offline, cfg.Backoff, cfg.MaxConcurrentWorkers, logger, metrics, obs)
	s.pull = NewPullService(db, cfg.NodeID, s.transport, s.loader, s.registrar,
		s.offline, cfg.Backoff, cfg.MaxConcurrentWorkers, logger, metrics, obs)

	logger.Debug("Relay service initialized", "node_id", cfg.NodeID, "host", cfg.HostName)
	return s, nil
}

// Close stops the service from accepting work. It's safe to call multiple times.
// The database is not closed.
func (s *RelayService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Relay service shut down", "node_id", s.config.NodeID)
	return nil
}

func (s *RelayService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *RelayService) NodeID() string { return s.config.NodeID }
func (s *RelayService) DB() *sql.DB { return s.db }
func (s *RelayService) Gaps() *GapSequencer { return s.gaps }
func (s *RelayService) Router() *Router { return s.router }
func (s *RelayService) Batches() *OutgoingBatchService { return s.batches }
func (s *RelayService) Extractor() *Extractor { return s.extractor }
func (s *RelayService) Loader() *DataLoader { return s.loader }
func (s *RelayService) Acks() *AckService { return s.acks }
func (s *RelayService) Registry() *Registry { return s.registry }
func (s *RelayService) Registrar() *Registrar { return s.registrar }
func (s *RelayService) Push() *PushService { return s.push }
func (s *RelayService) Pull() *PullService { return s.pull }
func (s *RelayService) JWT() *JWTAuth { return s.jwt }
func (s *RelayService) Gatherer() prometheus.Gatherer { return s.gatherer }
func (s *RelayService) Conflicts() *ConflictSettingsCache { return s.conflicts }

// AssembleBatches runs one routing pass
func (s *RelayService) AssembleBatches(ctx context.Context) (*RouteResult, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.router.AssembleBatches(ctx)
}

// CaptureTable installs (or reinstalls after a schema change) capture triggers on a business table
func (s *RelayService) CaptureTable(ctx context.Context, ct CapturedTable) (*TriggerHist, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin capture install: %w", err)
	}
	defer tx.Rollback()
	hist, err := installCapture(ctx, tx, s.tables, ct)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit capture install for %s: %w", ct.TableName, err)
	}
	s.logger.Info("Capture installed", "table", hist.TableName, "channel_id", hist.ChannelID, "trigger_hist_id", hist.TriggerHistID)
	return hist, nil
}

// SaveChannel creates or updates a channel
func (s *RelayService) SaveChannel(ctx context.Context, c Channel) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return SaveChannel(ctx, s.db, c)
}

// SavePeer creates or updates a peer
func (s *RelayService) SavePeer(ctx context.Context, n Node) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return SavePeer(ctx, s.db, n)
}

// SaveConflict validates and stores a conflict setting
func (s *RelayService) SaveConflict(ctx context.Context, c ConflictSetting) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return SaveConflict(ctx, s.db, c)
}

// OpenRegistration lets nodeID register once with this node
func (s *RelayService) OpenRegistration(ctx context.Context, nodeID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.registry.OpenRegistration(ctx, nodeID)
}

// ResolveIncomingError records an operator decision for a row held by MANUAL resolution.
// ignore skips the row on resend; otherwise data (or the incoming row when data is empty) is applied.
func (s *RelayService) ResolveIncomingError(ctx context.Context, batchID int64, nodeID string, line int64, ignore bool, data json.RawMessage) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return ResolveIncomingError(ctx, s.db, batchID, nodeID, line, ignore, data)
}

// Health reports batch counts and open gaps. The node is degraded while any batch is in error.
func (s *RelayService) Health(ctx context.Context) (*HealthResponse, error) {
	counts, err := s.batches.CountByStatus(ctx, "")
	if err != nil {
		return nil, err
	}
	gaps, err := s.gaps.FindGaps(ctx)
	if err != nil {
		return nil, err
	}
	status := "healthy"
	if counts[BatchError] > 0 {
		status = "degraded"
	}
	if s.checkClosed() != nil {
		status = "closed"
	}
	return &HealthResponse{Status: status, NodeID: s.config.NodeID, Batches: counts, OpenGaps: len(gaps)}, nil
}

// Handler returns the HTTP API of this node
func (s *RelayService) Handler() http.Handler {
	return NewHTTPHandlers(s, s.jwt, s.logger).Router()
}

// Run routes, pushes and pulls on interval until ctx is cancelled or a loop fails
func (s *RelayService) Run(ctx context.Context, interval time.Duration) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = time.Second
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if _, err := s.router.AssembleBatches(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Routing pass failed", "node_id", s.config.NodeID, "error", err)
			}
			if err := sleepWithContext(ctx, interval); err != nil {
				return err
			}
		}
	})
	g.Go(func() error { return s.push.Run(ctx, interval) })
	g.Go(func() error { return s.pull.Run(ctx, interval) })
	return g.Wait()
}
