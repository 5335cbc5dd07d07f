// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-overrelay/overrelay"
)

// NewRouteCommand creates the route command
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "route",
		Short: "Run one routing pass: assign captured changes to outgoing batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			res, err := n.svc.AssembleBatches(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "routing failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "routed %d changes into %d batches (%d gaps changed, %d revived, %d unrouted) in %s\n",
				res.DataRouted, len(res.BatchIDs), res.GapsChanged, res.GapsRevived, res.UnroutedCount, res.RoutingElapsed)
			return nil
		},
	}
}

// NewPushCommand creates the push command
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Route, then push due batches to every reachable peer once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(cmd, rootOpts, "push", func(ctx context.Context, svc *overrelay.RelayService) ([]*overrelay.ExchangeResult, error) {
				if _, err := svc.AssembleBatches(ctx); err != nil {
					return nil, err
				}
				return svc.Push().PushAll(ctx)
			})
		},
	}
}

// NewPullCommand creates the pull command
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull and load batches from every reachable peer once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(cmd, rootOpts, "pull", func(ctx context.Context, svc *overrelay.RelayService) ([]*overrelay.ExchangeResult, error) {
				return svc.Pull().PullAll(ctx)
			})
		},
	}
}

type exchangeRun func(ctx context.Context, svc *overrelay.RelayService) ([]*overrelay.ExchangeResult, error)

func runExchange(cmd *cobra.Command, rootOpts *RootOptions, name string, run exchangeRun) error {
	n, err := openNode(cmd.Context(), rootOpts)
	if err != nil {
		return err
	}
	defer closeNode(n)

	results, err := run(cmd.Context(), n.svc)
	printErr := printExchangeResults(cmd.OutOrStdout(), results)
	if err != nil {
		return WrapExitError(ExitFailure, name+" failed", err)
	}
	if printErr != nil {
		return WrapExitError(ExitFailure, "failed to print results", printErr)
	}
	return nil
}

func printExchangeResults(out io.Writer, results []*overrelay.ExchangeResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(out, "no peers exchanged")
		return err
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.NodeID, strconv.Itoa(r.Batches), strconv.Itoa(r.Acked), strconv.Itoa(r.Failed), r.Elapsed.String()})
	}
	return renderTable(out, []string{"Peer", "Batches", "Acked", "Failed", "Elapsed"}, rows)
}
