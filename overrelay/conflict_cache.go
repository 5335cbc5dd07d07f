// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const defaultConflictCacheSize = 1024

// ConflictSettingsCache resolves the conflict setting that applies to a (channel, table) pair.
// Resolved pairs are kept in an LRU; the whole cache is dropped when the config version moves.
type ConflictSettingsCache struct {
	logger *slog.Logger

	mu       sync.Mutex
	version  int64
	loaded   bool
	settings []ConflictSetting
	resolved *lru.Cache
}

// NewConflictSettingsCache creates a cache holding up to size resolved pairs
func NewConflictSettingsCache(size int, logger *slog.Logger) (*ConflictSettingsCache, error) {
	if size <= 0 {
		size = defaultConflictCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolved, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create conflict cache: %w", err)
	}
	return &ConflictSettingsCache{logger: logger, resolved: resolved}, nil
}

// Resolve returns the most specific setting for the row: table beats channel beats default.
// When nothing matches, the implicit USE_PK_DATA / FALLBACK_TO_SOURCE_WINS setting is returned.
func (c *ConflictSettingsCache) Resolve(ctx context.Context, q dbtx, channelID, table string) (*ConflictSetting, error) {
	version, err := configVersion(ctx, q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded || version != c.version {
		settings, err := GetConflicts(ctx, q)
		if err != nil {
			return nil, err
		}
		c.settings = settings
		c.version = version
		c.loaded = true
		c.resolved.Purge()
	}

	key := channelID + "\x00" + strings.ToLower(table)
	if v, ok := c.resolved.Get(key); ok {
		return v.(*ConflictSetting), nil
	}
	s := c.pick(channelID, table)
	c.resolved.Add(key, s)
	return s, nil
}

// Invalidate drops every cached resolution
func (c *ConflictSettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.resolved.Purge()
}

func (c *ConflictSettingsCache) pick(channelID, table string) *ConflictSetting {
	var tableInChannel, tableOnly, channelOnly, defaults []*ConflictSetting
	for i := range c.settings {
		s := &c.settings[i]
		switch {
		case s.TargetTableName != "":
			if !strings.EqualFold(s.TargetTableName, table) {
				continue
			}
			if s.TargetChannelID == "" {
				tableOnly = append(tableOnly, s)
			} else if s.TargetChannelID == channelID {
				tableInChannel = append(tableInChannel, s)
			}
		case s.TargetChannelID != "":
			if s.TargetChannelID == channelID {
				channelOnly = append(channelOnly, s)
			}
		default:
			defaults = append(defaults, s)
		}
	}

	for _, level := range [][]*ConflictSetting{tableInChannel, tableOnly, channelOnly} {
		if len(level) > 0 {
			return level[0]
		}
	}
	if len(defaults) > 1 {
		ids := make([]string, 0, len(defaults))
		for _, d := range defaults {
			ids = append(ids, d.ConflictID)
		}
		c.logger.Warn("Multiple default conflict settings, using the first", "conflict_ids", ids, "using", ids[0])
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	implicit := implicitConflictSetting
	return &implicit
}
