// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-overrelay/internal/config"
	"github.com/mobiletoly/go-overrelay/overrelay"
)

// node bundles the resources a command opens from the configuration file
type node struct {
	cfg    *config.Config
	db     *sql.DB
	pool   *pgxpool.Pool
	svc    *overrelay.RelayService
	logger *slog.Logger
}

// openNode loads the configuration, opens the database and applies the configured
// channels, conflict settings, capture tables and peers
func openNode(ctx context.Context, opts *RootOptions) (*node, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	logger := slog.Default().With("node_id", cfg.NodeID)

	n := &node{cfg: cfg, logger: logger}
	if n.db, err = overrelay.OpenDatabase(cfg.Database); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	var svcOpts []overrelay.ServiceOption
	if cfg.PostgresURL != "" {
		if n.pool, err = pgxpool.New(ctx, cfg.PostgresURL); err != nil {
			n.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to lock database", err)
		}
		host, _ := os.Hostname()
		owner := fmt.Sprintf("%s/%s/%s", cfg.NodeID, host, uuid.NewString())
		svcOpts = append(svcOpts, overrelay.WithLocker(overrelay.NewPGAdvisoryLocker(n.pool, owner, logger)))
	}

	if n.svc, err = overrelay.NewService(n.db, cfg.ServiceConfig(), logger, svcOpts...); err != nil {
		n.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start relay service", err)
	}
	if err := cfg.Apply(ctx, n.svc); err != nil {
		n.Close()
		return nil, WrapExitError(ExitCommandError, "failed to apply configuration", err)
	}
	return n, nil
}

// Close releases everything openNode opened
func (n *node) Close() error {
	var errs []error
	if n.svc != nil {
		errs = append(errs, n.svc.Close())
	}
	if n.pool != nil {
		n.pool.Close()
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	return errors.Join(errs...)
}

func closeNode(n *node) {
	if err := n.Close(); err != nil {
		n.logger.Error("Error closing node", "error", err)
	}
}
