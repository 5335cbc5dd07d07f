// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-overrelay/overrelay"
)

// NewGapsCommand creates the gaps command
func NewGapsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "List the data id ranges tracked by the gap sequencer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			gaps, err := n.svc.Gaps().ListGaps(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list gaps", err)
			}
			rows := make([][]string, 0, len(gaps))
			for _, g := range gaps {
				end, size := humanize.Comma(g.EndID), humanize.Comma(g.GapSize())
				if g.IsOpenEnded() {
					end, size = "open", "-"
				}
				rows = append(rows, []string{humanize.Comma(g.StartID), end, string(g.Status), size, humanize.Time(g.LastUpdateTime)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Start", "End", "Status", "Size", "Updated"}, rows)
		},
	}
}

// BatchesOptions holds flags for the batches command
type BatchesOptions struct {
	*RootOptions
	NodeID    string
	ChannelID string
	Statuses  []string
	Limit     int
}

// NewBatchesCommand creates the batches command
func NewBatchesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List outgoing batches, newest first",
		Long: `List outgoing batches, newest first.

Example:
  overrelay batches --node hq --status ER
  overrelay batches --channel sales --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeNode(n)

			filter := overrelay.BatchFilter{NodeID: opts.NodeID, ChannelID: opts.ChannelID, Limit: opts.Limit}
			for _, s := range opts.Statuses {
				filter.Statuses = append(filter.Statuses, overrelay.BatchStatus(strings.ToUpper(s)))
			}
			batches, err := n.svc.Batches().ListOutgoingBatches(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list batches", err)
			}

			rows := make([][]string, 0, len(batches))
			for _, b := range batches {
				errCol := "-"
				if b.ErrorFlag {
					errCol = fmt.Sprintf("line %d", b.FailedLineNumber)
					if b.SQLState != "" {
						errCol += " " + b.SQLState
					}
				}
				rows = append(rows, []string{
					strconv.FormatInt(b.BatchID, 10), b.NodeID, b.ChannelID, string(b.Status),
					humanize.Comma(b.DataRowCount), humanize.Bytes(uint64(max(b.ByteCount, 0))),
					strconv.FormatInt(b.SentCount, 10), errCol, humanize.Time(b.LastUpdateTime),
				})
			}
			return renderTable(cmd.OutOrStdout(),
				[]string{"Batch", "Node", "Channel", "Status", "Rows", "Size", "Sent", "Error", "Updated"}, rows)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node", "", "only batches for this peer")
	cmd.Flags().StringVar(&opts.ChannelID, "channel", "", "only batches on this channel")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only batches in these statuses (NE, QY, SE, LD, ER, OK)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum batches to list (0 = all)")
	return cmd
}

// NewErrorsCommand creates the errors command
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List incoming rows held for manual conflict resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			held, err := overrelay.ListIncomingErrors(cmd.Context(), n.db, nodeID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list incoming errors", err)
			}
			rows := make([][]string, 0, len(held))
			for _, e := range held {
				resolution := "pending"
				switch {
				case e.ResolveIgnore:
					resolution = "ignore"
				case len(e.ResolveData) > 0:
					resolution = "data"
				}
				rows = append(rows, []string{
					e.NodeID, strconv.FormatInt(e.BatchID, 10), strconv.FormatInt(e.FailedRowNumber, 10),
					e.TableName, string(e.EventType), e.ConflictID, string(e.PKData), resolution,
				})
			}
			return renderTable(cmd.OutOrStdout(),
				[]string{"Node", "Batch", "Line", "Table", "Event", "Conflict", "Key", "Resolution"}, rows)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "only rows received from this peer")
	return cmd
}
