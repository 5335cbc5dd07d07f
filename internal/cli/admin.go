// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command
type TokenOptions struct {
	*RootOptions
	TTL              time.Duration
	OpenRegistration bool
}

// NewTokenCommand creates the token command
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <node-id>",
		Short: "Issue a node token signed by this node",
		Long: `Issue a token a peer presents when it calls this node.

With --open-registration the peer is instead allowed to register once and
receives its token from the registration exchange; the token printed here
can still be handed over out of band.

Example:
  overrelay token store-2 --ttl 720h
  overrelay token store-3 --open-registration`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeNode(n)

			nodeID := args[0]
			if opts.OpenRegistration {
				if err := n.svc.OpenRegistration(cmd.Context(), nodeID); err != nil {
					return WrapExitError(ExitCommandError, "failed to open registration", err)
				}
			}
			token, err := n.svc.JWT().GenerateToken(nodeID, opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to issue token", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", 365*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&opts.OpenRegistration, "open-registration", false, "also open registration for the node")
	return cmd
}

// ResolveOptions holds flags for the resolve command
type ResolveOptions struct {
	*RootOptions
	Ignore bool
	Data   string
}

// NewResolveCommand creates the resolve command
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <node-id> <batch-id> <line>",
		Short: "Resolve an incoming row held for manual conflict resolution",
		Long: `Resolve a held row. The batch loads past it the next time the peer resends it.

Example:
  overrelay resolve hq 42 3 --ignore
  overrelay resolve hq 42 3 --data '{"id":7,"name":"merged"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Ignore == (opts.Data != "") {
				return WrapExitError(ExitCommandError, "invalid arguments", errors.New("exactly one of --ignore or --data is required"))
			}
			batchID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid batch id", err)
			}
			line, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid line", err)
			}
			var data json.RawMessage
			if opts.Data != "" {
				if !json.Valid([]byte(opts.Data)) {
					return WrapExitError(ExitCommandError, "invalid arguments", errors.New("--data is not valid JSON"))
				}
				data = json.RawMessage(opts.Data)
			}

			n, err := openNode(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeNode(n)

			if err := n.svc.ResolveIncomingError(cmd.Context(), batchID, args[0], line, opts.Ignore, data); err != nil {
				return WrapExitError(ExitFailure, "failed to resolve row", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved batch %d line %d from %s\n", batchID, line, args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Ignore, "ignore", false, "skip the row when the batch is resent")
	cmd.Flags().StringVar(&opts.Data, "data", "", "row image (JSON object) to apply instead")
	return cmd
}
