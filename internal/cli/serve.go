// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ServeOptions holds flags for the serve command
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: HTTP API plus routing, push and pull loops",
		Long: `Run the node until interrupted.

The HTTP API accepts pushes, pulls, acknowledgements and registrations from
peers. In the background the node routes captured changes into batches and
exchanges them with every peer that has a sync URL.

Example:
  overrelay serve --config store-1.yaml
  overrelay serve --config hq.yaml --listen :9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides the configuration)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeNode(n)

	addr := n.cfg.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      n.svc.Handler(),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("Starting relay node", "addr", addr, "sync_url", n.cfg.SyncURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	})
	g.Go(func() error {
		err := n.svc.Run(gctx, time.Duration(n.cfg.SyncInterval))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		n.logger.Info("Shutting down relay node")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(n.cfg.ShutdownTimeout))
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	n.logger.Info("Relay node stopped")
	return nil
}
