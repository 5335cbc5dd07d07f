// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-overrelay/overrelay"
)

// Duration is a time.Duration written as a string such as "30s" or "2h"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Peer is a node this node exchanges batches with
type Peer struct {
	NodeID string `yaml:"id"`
	URL    string `yaml:"url"`   // Empty for peers that only call in
	Token  string `yaml:"token"` // Pre-issued token; empty means register on first contact

	// OpenRegistration lets the peer register with this node once
	OpenRegistration bool `yaml:"open_registration"`
}

// Channel mirrors overrelay.Channel with an optional enabled flag, so omitting it keeps the channel on
type Channel struct {
	ID              string `yaml:"id"`
	ProcessingOrder int    `yaml:"processing_order"`
	MaxBatchSize    int    `yaml:"max_batch_size"`
	MaxBatchToSend  int    `yaml:"max_batch_to_send"`
	MaxDataToRoute  int    `yaml:"max_data_to_route"`
	Enabled         *bool  `yaml:"enabled"`
	Reload          bool   `yaml:"reload"`
	WindowStart     string `yaml:"window_start"`
	WindowEnd       string `yaml:"window_end"`
}

// Relay converts the entry to the stored channel
func (c Channel) Relay() overrelay.Channel {
	return overrelay.Channel{
		ChannelID:       c.ID,
		ProcessingOrder: c.ProcessingOrder,
		MaxBatchSize:    c.MaxBatchSize,
		MaxBatchToSend:  c.MaxBatchToSend,
		MaxDataToRoute:  c.MaxDataToRoute,
		Enabled:         c.Enabled == nil || *c.Enabled,
		ReloadFlag:      c.Reload,
		WindowStart:     c.WindowStart,
		WindowEnd:       c.WindowEnd,
	}
}

// Config describes one node
type Config struct {
	NodeID    string `yaml:"node_id"`
	NodeGroup string `yaml:"node_group"`
	Database  string `yaml:"database"` // SQLite file holding business and relay tables
	Listen    string `yaml:"listen"`
	SyncURL   string `yaml:"sync_url"` // Address peers use to reach this node
	HostName  string `yaml:"host_name"`
	JWTSecret string `yaml:"jwt_secret"`

	// PostgresURL switches cluster locks to Postgres advisory locks shared by every instance of the node
	PostgresURL string `yaml:"postgres_url"`

	DataExtractorEnabled *bool    `yaml:"data_extractor_enabled"`
	SyncInterval         Duration `yaml:"sync_interval"`
	GapTimeout           Duration `yaml:"gap_timeout"`
	SkipRecheckWindow    Duration `yaml:"skip_recheck_window"`
	LockTimeout          Duration `yaml:"lock_timeout"`
	TokenTTL             Duration `yaml:"token_ttl"`
	TransportTimeout     Duration `yaml:"transport_timeout"`
	ShutdownTimeout      Duration `yaml:"shutdown_timeout"`
	MaxBatchesPerPush    int      `yaml:"max_batches_per_push"`
	MaxConcurrentWorkers int      `yaml:"max_concurrent_workers"`
	ConflictCacheSize    int      `yaml:"conflict_cache_size"`
	LogStageTimings      bool     `yaml:"log_stage_timings"`

	Peers     []Peer                      `yaml:"peers"`
	Channels  []Channel                   `yaml:"channels"`
	Conflicts []overrelay.ConflictSetting `yaml:"conflicts"`
	Capture   []overrelay.CapturedTable   `yaml:"capture"`
}

// DefaultConfig returns a configuration with defaults for a single local node
func DefaultConfig() *Config {
	return &Config{
		Database:         "overrelay.db",
		Listen:           ":8080",
		SyncInterval:     Duration(5 * time.Second),
		TransportTimeout: Duration(30 * time.Second),
		ShutdownTimeout:  Duration(10 * time.Second),
	}
}

// Load reads the YAML file at path over DefaultConfig and validates the result
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross references
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		switch {
		case p.NodeID == "":
			return fmt.Errorf("peers[%d]: id is required", i)
		case p.NodeID == c.NodeID:
			return fmt.Errorf("peers[%d]: %s is this node", i, p.NodeID)
		case seen[p.NodeID]:
			return fmt.Errorf("peers[%d]: duplicate peer %s", i, p.NodeID)
		}
		seen[p.NodeID] = true
	}
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
	}
	for i := range c.Conflicts {
		if err := c.Conflicts[i].Validate(); err != nil {
			return fmt.Errorf("conflicts[%d]: %w", i, err)
		}
	}
	for i, t := range c.Capture {
		if t.TableName == "" {
			return fmt.Errorf("capture[%d]: table is required", i)
		}
	}
	return nil
}

// ServiceConfig builds the engine configuration
func (c *Config) ServiceConfig() *overrelay.ServiceConfig {
	return &overrelay.ServiceConfig{
		NodeID:                c.NodeID,
		NodeGroup:             c.NodeGroup,
		SyncURL:               c.SyncURL,
		HostName:              c.HostName,
		DataExtractorDisabled: c.DataExtractorEnabled != nil && !*c.DataExtractorEnabled,
		GapTimeout:            time.Duration(c.GapTimeout),
		SkipRecheckWindow:     time.Duration(c.SkipRecheckWindow),
		MaxBatchesPerPush:     c.MaxBatchesPerPush,
		LockTimeout:           time.Duration(c.LockTimeout),
		JWTSecret:             c.JWTSecret,
		TokenTTL:              time.Duration(c.TokenTTL),
		TransportTimeout:      time.Duration(c.TransportTimeout),
		LogStageTimings:       c.LogStageTimings,
		ConflictCacheSize:     c.ConflictCacheSize,
		MaxConcurrentWorkers:  c.MaxConcurrentWorkers,
	}
}

// Apply stores channels, conflict settings and peers and installs capture triggers.
// Peers that already registered keep their token and enabled state.
func (c *Config) Apply(ctx context.Context, svc *overrelay.RelayService) error {
	for _, ch := range c.Channels {
		if err := svc.SaveChannel(ctx, ch.Relay()); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
	}
	for _, cs := range c.Conflicts {
		if err := svc.SaveConflict(ctx, cs); err != nil {
			return fmt.Errorf("conflict %s: %w", cs.ConflictID, err)
		}
	}
	for _, ct := range c.Capture {
		if _, err := svc.CaptureTable(ctx, ct); err != nil {
			return fmt.Errorf("capture %s: %w", ct.TableName, err)
		}
	}
	for _, p := range c.Peers {
		if err := applyPeer(ctx, svc, p); err != nil {
			return fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
	}
	return nil
}

func applyPeer(ctx context.Context, svc *overrelay.RelayService, p Peer) error {
	existing, err := overrelay.GetNode(ctx, svc.DB(), p.NodeID)
	if err != nil && !errors.Is(err, overrelay.ErrNodeNotFound) {
		return err
	}
	registered := existing != nil && existing.RegisteredAt != nil

	if p.OpenRegistration && !registered {
		if err := svc.OpenRegistration(ctx, p.NodeID); err != nil {
			return err
		}
		existing, err = overrelay.GetNode(ctx, svc.DB(), p.NodeID)
		if err != nil {
			return err
		}
		existing.SyncURL = p.URL
		return svc.SavePeer(ctx, *existing)
	}

	n := overrelay.Node{NodeID: p.NodeID, SyncEnabled: true}
	if existing != nil {
		n = *existing
	}
	n.SyncURL = p.URL
	if p.Token != "" {
		n.AuthToken = p.Token
	}
	if !registered {
		n.SyncEnabled = true
	}
	return svc.SavePeer(ctx, n)
}
