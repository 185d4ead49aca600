// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/train/commandline"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		numBatches, numReplicas, epoch int
		seed                           int64
		shuffle                        bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the batches each replica trains on in an epoch",
		Long: "Print the shard plan of every replica for an epoch. Positions marked with \"*\" are padding: " +
			"they repeat an earlier batch so that all replicas run the same number of steps.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows := make([][]string, 0, numReplicas)
			for rank := range max(numReplicas, 1) {
				positions, err := datasets.Plan(numBatches, numReplicas, rank, epoch, seed, shuffle)
				if err != nil {
					return err
				}
				rows = append(rows, []string{strconv.Itoa(rank), formatPositions(positions)})
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s batches over %d replicas: %s steps per epoch\n",
				humanize.Comma(int64(numBatches)), numReplicas,
				humanize.Comma(int64(datasets.ShardSize(numBatches, numReplicas))))
			_, err := fmt.Fprintln(out, commandline.Table([]string{"Rank", "Batches"}, rows))
			return err
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&numBatches, "batches", 0, "Number of batches in the split")
	flags.IntVar(&numReplicas, "replicas", 1, "Number of replicas")
	flags.IntVar(&epoch, "epoch", 0, "Epoch")
	flags.Int64Var(&seed, "seed", 0, "Seed of the shuffle")
	flags.BoolVar(&shuffle, "shuffle", false, "Shuffle the batches")
	must.M(cmd.MarkFlagRequired("batches"))
	return cmd
}

func formatPositions(positions []datasets.Position) string {
	parts := make([]string, len(positions))
	for ii, pos := range positions {
		parts[ii] = strconv.Itoa(pos.Batch)
		if pos.Padded {
			parts[ii] += "*"
		}
	}
	return strings.Join(parts, " ")
}
